package model

import "fmt"

const (
	ImageSize = 224
	Channels  = 3
	// InputLen is the flattened length of one [1,3,224,224] input.
	InputLen = Channels * ImageSize * ImageSize
)

var (
	imageNetMean = [Channels]float32{0.485, 0.456, 0.406}
	imageNetStd  = [Channels]float32{0.229, 0.224, 0.225}
)

type PredictionRequest struct {
	Image []float32 `json:"image"`
}

type PredictionResponse struct {
	Class     string `json:"class"`
	Location  string `json:"location"`
	Condition string `json:"condition"`
	Severity  string `json:"severity"`
}

// DecodeError reports input that is not a readable JPEG or PNG raster.
type DecodeError struct {
	Source string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("decode image: %v", e.Err)
	}
	return fmt.Sprintf("decode image %s: %v", e.Source, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ModelLoadError reports a weight file that is missing, unreadable or does
// not match the expected graph.
type ModelLoadError struct {
	Path string
	Err  error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("load model %s: %v", e.Path, e.Err)
}

func (e *ModelLoadError) Unwrap() error { return e.Err }
