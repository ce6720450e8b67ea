package model

import (
	"context"
	"image"
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrClosed is returned by every call made after Close.
var ErrClosed = errors.New("classifier is closed")

// Loader constructs the backend. It is called until it succeeds once.
type Loader func() (Backend, error)

// ONNXLoader loads cfg.ModelPath through onnxruntime.
func ONNXLoader(cfg BackendConfig) Loader {
	return func() (Backend, error) {
		b, err := NewONNXBackend(cfg)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
}

// Classifier is the shared, lazily loaded damage classifier. It is safe for
// concurrent use; the backend is constructed at most once successfully.
type Classifier struct {
	load Loader
	log  logrus.FieldLogger

	mu      sync.Mutex
	backend Backend
	closed  bool
}

func NewClassifier(load Loader, logger logrus.FieldLogger) *Classifier {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Classifier{load: load, log: logger}
}

// Warm loads the backend now instead of on the first request.
func (c *Classifier) Warm(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := c.acquire()
	return err
}

// Loaded reports whether the backend has been constructed.
func (c *Classifier) Loaded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backend != nil
}

// Close releases the backend. The classifier cannot be used afterwards.
func (c *Classifier) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	if c.backend != nil {
		c.backend.Close()
		c.backend = nil
	}
}

func (c *Classifier) acquire() (Backend, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if c.backend != nil {
		return c.backend, nil
	}

	b, err := c.load()
	if err != nil {
		var loadErr *ModelLoadError
		if !errors.As(err, &loadErr) {
			err = &ModelLoadError{Err: err}
		}
		c.log.WithError(err).Error("model load failed")
		return nil, err
	}
	if b == nil {
		return nil, &ModelLoadError{Err: errors.New("loader returned no backend")}
	}

	c.log.Info("model loaded")
	c.backend = b
	return b, nil
}

// ClassifyFile classifies the image stored at path. A missing or unreadable
// file is a *DecodeError.
func (c *Classifier) ClassifyFile(ctx context.Context, path string) (Label, error) {
	f, err := os.Open(path)
	if err != nil {
		return Label{}, &DecodeError{Source: path, Err: err}
	}
	defer f.Close()

	img, err := Decode(f)
	if err != nil {
		var decErr *DecodeError
		if errors.As(err, &decErr) {
			decErr.Source = path
		}
		return Label{}, err
	}
	return c.classify(ctx, img)
}

// ClassifyImage classifies JPEG or PNG bytes read from r.
func (c *Classifier) ClassifyImage(ctx context.Context, r io.Reader) (Label, error) {
	img, err := Decode(r)
	if err != nil {
		return Label{}, err
	}
	return c.classify(ctx, img)
}

// ClassifyTensor classifies an already preprocessed [1,3,224,224] input.
func (c *Classifier) ClassifyTensor(ctx context.Context, input []float32) (Label, error) {
	if len(input) != InputLen {
		return Label{}, errors.Errorf("expected %d input values, got %d", InputLen, len(input))
	}
	return c.run(ctx, input)
}

func (c *Classifier) classify(ctx context.Context, img image.Image) (Label, error) {
	return c.run(ctx, Preprocess(img))
}

func (c *Classifier) run(ctx context.Context, input []float32) (Label, error) {
	if err := ctx.Err(); err != nil {
		return Label{}, err
	}

	backend, err := c.acquire()
	if err != nil {
		return Label{}, err
	}

	scores, err := backend.Run(input)
	if err != nil {
		return Label{}, err
	}
	if len(scores) != NumClasses {
		return Label{}, errors.Errorf("expected %d scores, got %d", NumClasses, len(scores))
	}

	label, err := LabelAt(Argmax(scores))
	if err != nil {
		return Label{}, err
	}
	c.log.WithFields(logrus.Fields{"scores": scores, "label": label.String()}).Debug("forward pass")
	return label, nil
}
