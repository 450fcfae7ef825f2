package model

// Names used when the graph does not declare two inputs, or when its signature cannot be
// read at all.
const (
	DefaultContentInput = "content_image"
	DefaultStyleInput   = "style_image"
	DefaultOutput       = "output_0"

	// GraphFile is the file looked up inside a model directory.
	GraphFile = "model.onnx"
)

// Options tunes how the model is loaded.
type Options struct {
	// SharedLibraryPath points at the onnxruntime shared library. Empty uses the
	// runtime's default search.
	SharedLibraryPath string
	IntraOpThreads    int
	InterOpThreads    int
}

// Signature is the resolved input/output contract used to invoke the graph.
type Signature struct {
	ContentInput string
	StyleInput   string
	Output       string
	// Declared reports whether the names came from the graph rather than the defaults.
	Declared bool
	// Outputs is the number of outputs the graph declares. Only the first is used.
	Outputs int
}
