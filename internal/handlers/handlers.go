package handlers

import (
	"context"
	"embed"
	"encoding/json"
	"html/template"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/Brownie44l1/stylize-api/internal/imagecodec"
	"github.com/Brownie44l1/stylize-api/internal/metrics"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gorgonia.org/tensor"
)

const (
	ContentField = "content_image"
	StyleField   = "style_image"

	// multipartMemory is how much of a form is kept in memory before spilling to disk.
	multipartMemory = 10 << 20

	msgMissingFiles = "Both 'content_image' and 'style_image' files are required."
	msgTooLarge     = "Request body too large."
	msgFailed       = "Failed to run style transfer."
)

//go:embed templates/index.html
var templateFS embed.FS

var indexTemplate = template.Must(template.ParseFS(templateFS, "templates/index.html"))

// Stylizer is the style transfer model as seen by the HTTP layer.
type Stylizer interface {
	Stylize(ctx context.Context, content, style *tensor.Dense) (*tensor.Dense, error)
}

type Options struct {
	// ImageSize is the square edge uploads are resized to.
	ImageSize int
	// MaxUploadBytes caps the whole multipart body.
	MaxUploadBytes int64
	// MaxPixels rejects uploads whose header declares more pixels. Zero uses
	// imagecodec.DefaultMaxPixels.
	MaxPixels int
	// Metrics is optional.
	Metrics *metrics.Metrics
}

type Handler struct {
	stylizer Stylizer
	opts     Options
}

func NewHandler(stylizer Stylizer, opts Options) *Handler {
	return &Handler{
		stylizer: stylizer,
		opts:     opts,
	}
}

type StyleTransferResponse struct {
	ImageBase64 string `json:"image_base64"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) Index(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err := indexTemplate.Execute(w, struct {
		ImageSize int
		Endpoint  string
	}{
		ImageSize: h.opts.ImageSize,
		Endpoint:  "/api/style-transfer",
	})
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("failed to render index page")
	}
}

func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *Handler) StyleTransfer(w http.ResponseWriter, r *http.Request) {
	logger := zerolog.Ctx(r.Context())

	if h.opts.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxUploadBytes)
	}

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			logger.Warn().Int64("limit", tooLarge.Limit).Msg("upload rejected")
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: msgTooLarge})
			return
		}
		logger.Debug().Err(err).Msg("request is not a multipart form")
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: msgMissingFiles})
		return
	}
	defer r.MultipartForm.RemoveAll()

	contentFile, contentHeader, err := r.FormFile(ContentField)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: msgMissingFiles})
		return
	}
	defer contentFile.Close()

	styleFile, styleHeader, err := r.FormFile(StyleField)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: msgMissingFiles})
		return
	}
	defer styleFile.Close()

	logger.Info().
		Str("content", contentHeader.Filename).Int64("content_size", contentHeader.Size).
		Str("style", styleHeader.Filename).Int64("style_size", styleHeader.Size).
		Msg("received style transfer request")

	image64, err := h.run(r.Context(), contentFile, styleFile)
	if err != nil {
		if h.opts.Metrics != nil {
			h.opts.Metrics.InferenceFailures.Inc()
		}
		logger.Error().Err(err).Msg("error during style transfer")
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: msgFailed, Details: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, StyleTransferResponse{ImageBase64: image64})
}

// run is the decode, stylize, encode pipeline. Every error it returns is reported as a
// server failure.
func (h *Handler) run(ctx context.Context, contentFile, styleFile multipart.File) (string, error) {
	contentBytes, err := io.ReadAll(contentFile)
	if err != nil {
		return "", errors.Wrap(err, "failed to read content image")
	}
	styleBytes, err := io.ReadAll(styleFile)
	if err != nil {
		return "", errors.Wrap(err, "failed to read style image")
	}

	content, err := imagecodec.Load(contentBytes, h.opts.ImageSize, h.opts.MaxPixels)
	if err != nil {
		return "", errors.Wrap(err, "content image")
	}
	style, err := imagecodec.Load(styleBytes, h.opts.ImageSize, h.opts.MaxPixels)
	if err != nil {
		return "", errors.Wrap(err, "style image")
	}

	start := time.Now()
	out, err := h.stylizer.Stylize(ctx, content, style)
	if h.opts.Metrics != nil {
		h.opts.Metrics.ObserveInference(time.Since(start))
	}
	if err != nil {
		return "", err
	}
	if out == nil {
		return "", errors.New("model returned no output")
	}

	zerolog.Ctx(ctx).Debug().
		Dur("inference", time.Since(start)).
		Ints("output_shape", out.Shape()).
		Msg("style transfer finished")

	img, err := imagecodec.ToImage(out)
	if err != nil {
		return "", errors.Wrap(err, "failed to convert model output")
	}

	return imagecodec.EncodeBase64(img, imagecodec.FormatPNG)
}
