package model

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	ort "github.com/yalue/onnxruntime_go"
	"gorgonia.org/tensor"
)

// Server holds the loaded style transfer graph. It is built once at startup and is safe for
// concurrent use; nothing on it changes after NewServer returns.
type Server struct {
	session   *ort.DynamicAdvancedSession
	path      string
	signature Signature
}

// ResolvePath turns a model location into the absolute path of the graph file. A directory
// resolves to the GraphFile inside it; a file is used as is.
func ResolvePath(modelPath string) (string, error) {
	abs, err := filepath.Abs(modelPath)
	if err != nil {
		return "", errors.Wrapf(err, "failed to resolve model path %s", modelPath)
	}

	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return "", errors.Errorf("model directory not found: %s", abs)
		}
		return "", errors.Wrapf(err, "failed to stat model path %s", abs)
	}

	if !info.IsDir() {
		return abs, nil
	}

	graph := filepath.Join(abs, GraphFile)
	if _, err := os.Stat(graph); err != nil {
		return "", errors.Wrapf(err, "model directory %s has no %s", abs, GraphFile)
	}

	return graph, nil
}

// ResolveSignature maps declared graph inputs and outputs onto the content/style contract.
// The first two declared inputs are taken positionally as (content, style); with fewer than
// two the default names are used. The first declared output wins.
func ResolveSignature(inputs, outputs []ort.InputOutputInfo) Signature {
	sig := Signature{
		ContentInput: DefaultContentInput,
		StyleInput:   DefaultStyleInput,
		Output:       DefaultOutput,
		Outputs:      len(outputs),
	}

	if len(inputs) >= 2 {
		sig.ContentInput = inputs[0].Name
		sig.StyleInput = inputs[1].Name
		sig.Declared = true
	}

	if len(outputs) > 0 {
		sig.Output = outputs[0].Name
	}

	return sig
}

func initEnvironment(opts Options) error {
	if ort.IsInitialized() {
		return nil
	}

	if opts.SharedLibraryPath != "" {
		if _, err := os.Stat(opts.SharedLibraryPath); err != nil {
			return errors.Wrapf(err, "onnxruntime library not found at %s", opts.SharedLibraryPath)
		}
		ort.SetSharedLibraryPath(opts.SharedLibraryPath)
	}

	if err := ort.InitializeEnvironment(); err != nil {
		return errors.Wrap(err, "failed to initialize ONNX environment")
	}

	return nil
}

// NewServer loads the style transfer graph found at modelPath. Any failure here is meant to
// stop the process; nothing is retried.
func NewServer(modelPath string, opts Options) (*Server, error) {
	path, err := ResolvePath(modelPath)
	if err != nil {
		return nil, err
	}

	log.Info().Str("path", path).Msg("loading style transfer model")

	if err := initEnvironment(opts); err != nil {
		return nil, err
	}

	var sig Signature
	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		// No readable signature: call the graph with the conventional names.
		log.Warn().Err(err).Str("path", path).Msg("could not read model signature, using default names")
		sig = ResolveSignature(nil, nil)
	} else {
		sig = ResolveSignature(inputs, outputs)
	}

	if !sig.Declared {
		log.Warn().Int("inputs", len(inputs)).
			Str("content", sig.ContentInput).Str("style", sig.StyleInput).
			Msg("model declares fewer than two inputs, using default names")
	}
	if sig.Outputs > 1 {
		log.Warn().Int("outputs", sig.Outputs).Str("selected", sig.Output).
			Msg("model declares several outputs, using the first")
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create session options")
	}
	defer options.Destroy()

	if err := options.SetIntraOpNumThreads(opts.IntraOpThreads); err != nil {
		return nil, errors.Wrap(err, "failed to set intra-op threads")
	}
	if err := options.SetInterOpNumThreads(opts.InterOpThreads); err != nil {
		return nil, errors.Wrap(err, "failed to set inter-op threads")
	}

	session, err := ort.NewDynamicAdvancedSession(path,
		[]string{sig.ContentInput, sig.StyleInput}, []string{sig.Output},
		options)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create ONNX session")
	}

	log.Info().
		Str("content_input", sig.ContentInput).
		Str("style_input", sig.StyleInput).
		Str("output", sig.Output).
		Msg("model loaded")

	return &Server{
		session:   session,
		path:      path,
		signature: sig,
	}, nil
}

// Path is the absolute path of the loaded graph file.
func (s *Server) Path() string {
	return s.path
}

// Signature returns the names the graph is invoked with.
func (s *Server) Signature() Signature {
	return s.signature
}

// CheckInput verifies t is a float32 (1, H, W, C) tensor.
func CheckInput(t *tensor.Dense) error {
	if t == nil {
		return errors.New("input tensor is nil")
	}
	if t.Dtype() != tensor.Float32 {
		return errors.Errorf("input tensor must be float32, got %v", t.Dtype())
	}
	shape := t.Shape()
	if len(shape) != 4 || shape[0] != 1 {
		return errors.Errorf("input tensor must have shape (1, H, W, C), got %v", shape)
	}
	return nil
}

// release frees a native value. Tests swap it to count releases.
var release = func(v ort.Value) {
	if err := v.Destroy(); err != nil {
		log.Warn().Err(err).Msg("failed to release native tensor")
	}
}

func toORT(t *tensor.Dense) (*ort.Tensor[float32], error) {
	shape := t.Shape()
	dims := make([]int64, len(shape))
	for i, d := range shape {
		dims[i] = int64(d)
	}

	return ort.NewTensor(ort.NewShape(dims...), t.Data().([]float32))
}

// Stylize runs the graph on a content and a style tensor, both (1, H, W, 3) float32 in
// [0, 1], and returns the selected output as a new tensor. The native call cannot be
// interrupted, so ctx is only checked before it starts.
func (s *Server) Stylize(ctx context.Context, content, style *tensor.Dense) (*tensor.Dense, error) {
	if err := CheckInput(content); err != nil {
		return nil, errors.Wrap(err, "content")
	}
	if err := CheckInput(style); err != nil {
		return nil, errors.Wrap(err, "style")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	contentTensor, err := toORT(content)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create content tensor")
	}
	defer release(contentTensor)

	styleTensor, err := toORT(style)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create style tensor")
	}
	defer release(styleTensor)

	// A nil output is allocated by the runtime with whatever shape the graph produces.
	outputs := []ort.Value{nil}
	if err := s.session.Run([]ort.Value{contentTensor, styleTensor}, outputs); err != nil {
		return nil, errors.Wrap(err, "inference failed")
	}
	defer release(outputs[0])

	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, errors.Errorf("output %q is %T, expected a float32 tensor", s.signature.Output, outputs[0])
	}

	return fromORT(out), nil
}

func fromORT(t *ort.Tensor[float32]) *tensor.Dense {
	shape := t.GetShape()
	dims := make([]int, len(shape))
	for i, d := range shape {
		dims[i] = int(d)
	}

	data := make([]float32, len(t.GetData()))
	copy(data, t.GetData())

	return tensor.New(tensor.WithShape(dims...), tensor.WithBacking(data))
}

// Close releases the session and the runtime environment.
func (s *Server) Close() error {
	if s.session != nil {
		if err := s.session.Destroy(); err != nil {
			return errors.Wrap(err, "failed to destroy ONNX session")
		}
		s.session = nil
	}
	return ort.DestroyEnvironment()
}
