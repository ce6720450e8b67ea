package model

import (
	"os"
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
)

// Backend runs one forward pass over a preprocessed input.
type Backend interface {
	Run(input []float32) ([]float32, error)
	Close()
}

type BackendConfig struct {
	ModelPath string
	// SharedLibraryPath overrides the onnxruntime library lookup when set.
	SharedLibraryPath string
	// IntraOpThreads of zero lets onnxruntime pick.
	IntraOpThreads int
}

var (
	envMu    sync.Mutex
	envReady bool
)

func initEnvironment(libPath string) error {
	envMu.Lock()
	defer envMu.Unlock()

	if envReady {
		return nil
	}
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return errors.Wrap(err, "initialize onnxruntime environment")
	}
	envReady = true
	return nil
}

// DestroyEnvironment tears down the onnxruntime environment. Call it once at
// process exit after every backend is closed.
func DestroyEnvironment() {
	envMu.Lock()
	defer envMu.Unlock()

	if envReady {
		ort.DestroyEnvironment()
		envReady = false
	}
}

// ONNXBackend owns an onnxruntime session with preallocated tensors.
// Run calls are serialized because the tensors are shared.
type ONNXBackend struct {
	mu           sync.Mutex
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
}

var (
	expectedInput  = []int64{1, Channels, ImageSize, ImageSize}
	expectedOutput = []int64{1, NumClasses}
)

// NewONNXBackend loads the exported classifier graph on the CPU provider.
// All failures are *ModelLoadError.
func NewONNXBackend(cfg BackendConfig) (*ONNXBackend, error) {
	fail := func(err error) (*ONNXBackend, error) {
		return nil, &ModelLoadError{Path: cfg.ModelPath, Err: err}
	}

	if err := checkWeightFile(cfg.ModelPath); err != nil {
		return fail(err)
	}
	if err := initEnvironment(cfg.SharedLibraryPath); err != nil {
		return fail(err)
	}

	inputs, outputs, err := ort.GetInputOutputInfo(cfg.ModelPath)
	if err != nil {
		return fail(errors.Wrap(err, "read graph inputs and outputs"))
	}
	if len(inputs) != 1 || len(outputs) != 1 {
		return fail(errors.Errorf("expected 1 input and 1 output, graph has %d and %d", len(inputs), len(outputs)))
	}
	if err := checkShape("input", inputs[0].Dimensions, expectedInput); err != nil {
		return fail(err)
	}
	if err := checkShape("output", outputs[0].Dimensions, expectedOutput); err != nil {
		return fail(err)
	}

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(expectedInput...))
	if err != nil {
		return fail(errors.Wrap(err, "create input tensor"))
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(expectedOutput...))
	if err != nil {
		inputTensor.Destroy()
		return fail(errors.Wrap(err, "create output tensor"))
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return fail(errors.Wrap(err, "create session options"))
	}
	defer options.Destroy()

	if cfg.IntraOpThreads > 0 {
		if err := options.SetIntraOpNumThreads(cfg.IntraOpThreads); err != nil {
			inputTensor.Destroy()
			outputTensor.Destroy()
			return fail(errors.Wrap(err, "set intra-op threads"))
		}
	}

	session, err := ort.NewAdvancedSession(cfg.ModelPath,
		[]string{inputs[0].Name}, []string{outputs[0].Name},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		options)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return fail(errors.Wrap(err, "create session"))
	}

	return &ONNXBackend{
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
	}, nil
}

func (b *ONNXBackend) Run(input []float32) ([]float32, error) {
	if len(input) != InputLen {
		return nil, errors.Errorf("expected %d input values, got %d", InputLen, len(input))
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.session == nil {
		return nil, errors.New("backend is closed")
	}

	copy(b.inputTensor.GetData(), input)
	if err := b.session.Run(); err != nil {
		return nil, errors.Wrap(err, "inference failed")
	}

	scores := make([]float32, NumClasses)
	copy(scores, b.outputTensor.GetData())
	return scores, nil
}

func (b *ONNXBackend) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.inputTensor != nil {
		b.inputTensor.Destroy()
		b.inputTensor = nil
	}
	if b.outputTensor != nil {
		b.outputTensor.Destroy()
		b.outputTensor = nil
	}
	if b.session != nil {
		b.session.Destroy()
		b.session = nil
	}
}

func checkWeightFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return errors.Wrap(err, "stat weight file")
	}
	if info.IsDir() {
		return errors.New("weight path is a directory")
	}
	if info.Size() == 0 {
		return errors.New("weight file is empty")
	}
	return nil
}

// checkShape compares a graph shape against the expected one. A dynamic
// (<= 0) leading batch dimension is accepted.
func checkShape(kind string, got, want []int64) error {
	if len(got) != len(want) {
		return errors.Errorf("%s shape %v does not match %v", kind, got, want)
	}
	for i := range want {
		if i == 0 && got[i] <= 0 {
			continue
		}
		if got[i] != want[i] {
			return errors.Errorf("%s shape %v does not match %v", kind, got, want)
		}
	}
	return nil
}
