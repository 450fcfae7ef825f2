package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/Brownie44l1/stylize-api/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

// fakeStylizer blends content and style evenly, which is deterministic.
type fakeStylizer struct {
	mu     sync.Mutex
	shapes []tensor.Shape
	err    error
}

func (f *fakeStylizer) Stylize(_ context.Context, content, style *tensor.Dense) (*tensor.Dense, error) {
	f.mu.Lock()
	f.shapes = append(f.shapes, content.Shape(), style.Shape())
	f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}

	c := content.Data().([]float32)
	s := style.Data().([]float32)
	out := make([]float32, len(c))
	for i := range c {
		out[i] = (c[i] + s[i]) / 2
	}
	return tensor.New(tensor.WithShape(content.Shape()...), tensor.WithBacking(out)), nil
}

func pngBytes(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// oversizedPNG is a tiny PNG whose header declares 100000x100000 RGBA pixels with no
// pixel data behind it.
func oversizedPNG() []byte {
	var buf bytes.Buffer
	buf.WriteString("\x89PNG\r\n\x1a\n")

	chunk := func(typ string, data []byte) {
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(data)))
		buf.Write(n[:])
		buf.WriteString(typ)
		buf.Write(data)
		binary.BigEndian.PutUint32(n[:], crc32.ChecksumIEEE(append([]byte(typ), data...)))
		buf.Write(n[:])
	}

	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:], 100000)
	binary.BigEndian.PutUint32(ihdr[4:], 100000)
	ihdr[8], ihdr[9] = 8, 6
	chunk("IHDR", ihdr)
	chunk("IDAT", nil)
	chunk("IEND", nil)

	return buf.Bytes()
}

func multipartBody(t *testing.T, files map[string][]byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for field, data := range files {
		fw, err := mw.CreateFormFile(field, field+".png")
		require.NoError(t, err)
		_, err = fw.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func postStyleTransfer(t *testing.T, h http.Handler, files map[string][]byte) *httptest.ResponseRecorder {
	t.Helper()
	body, contentType := multipartBody(t, files)
	req := httptest.NewRequest(http.MethodPost, "/api/style-transfer", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func assertCORS(t *testing.T, rec *httptest.ResponseRecorder) {
	t.Helper()
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "Content-Type", rec.Header().Get("Access-Control-Allow-Headers"))
	assert.Equal(t, "POST, OPTIONS, GET", rec.Header().Get("Access-Control-Allow-Methods"))
}

func TestStyleTransfer(t *testing.T) {
	red := pngBytes(t, 40, 30, color.RGBA{R: 255, A: 255})
	blue := pngBytes(t, 10, 90, color.RGBA{B: 255, A: 255})

	tests := []struct {
		name        string
		files       map[string][]byte
		stylizerErr error
		wantStatus  int
		wantError   string
		wantDetails string
	}{
		{
			name:       "success",
			files:      map[string][]byte{ContentField: red, StyleField: blue},
			wantStatus: http.StatusOK,
		},
		{
			name:       "missing style",
			files:      map[string][]byte{ContentField: red},
			wantStatus: http.StatusBadRequest,
			wantError:  msgMissingFiles,
		},
		{
			name:       "missing content",
			files:      map[string][]byte{StyleField: blue},
			wantStatus: http.StatusBadRequest,
			wantError:  msgMissingFiles,
		},
		{
			name:       "no files",
			files:      map[string][]byte{},
			wantStatus: http.StatusBadRequest,
			wantError:  msgMissingFiles,
		},
		{
			name:        "malformed content",
			files:       map[string][]byte{ContentField: []byte("not an image"), StyleField: blue},
			wantStatus:  http.StatusInternalServerError,
			wantError:   msgFailed,
			wantDetails: "content image",
		},
		{
			name:        "malformed style",
			files:       map[string][]byte{ContentField: red, StyleField: []byte{0x89, 'P', 'N', 'G'}},
			wantStatus:  http.StatusInternalServerError,
			wantError:   msgFailed,
			wantDetails: "style image",
		},
		{
			name:        "oversized image header",
			files:       map[string][]byte{ContentField: oversizedPNG(), StyleField: oversizedPNG()},
			wantStatus:  http.StatusInternalServerError,
			wantError:   msgFailed,
			wantDetails: "pixel limit",
		},
		{
			name:        "inference failure",
			files:       map[string][]byte{ContentField: red, StyleField: blue},
			stylizerErr: errors.New("session exploded"),
			wantStatus:  http.StatusInternalServerError,
			wantError:   msgFailed,
			wantDetails: "session exploded",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			stylizer := &fakeStylizer{err: tc.stylizerErr}
			h := NewHandler(stylizer, Options{ImageSize: 64, MaxUploadBytes: 1 << 20})

			rec := postStyleTransfer(t, CORS(http.HandlerFunc(h.StyleTransfer)), tc.files)

			assert.Equal(t, tc.wantStatus, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assertCORS(t, rec)

			if tc.wantStatus == http.StatusOK {
				var resp StyleTransferResponse
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

				raw, err := base64.StdEncoding.DecodeString(resp.ImageBase64)
				require.NoError(t, err)
				img, format, err := image.Decode(bytes.NewReader(raw))
				require.NoError(t, err)
				assert.Equal(t, "png", format)
				assert.Equal(t, image.Rect(0, 0, 64, 64), img.Bounds())

				r, _, b, _ := img.At(32, 32).RGBA()
				assert.InDelta(t, 0x8080, r, 0x200)
				assert.InDelta(t, 0x8080, b, 0x200)
				return
			}

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tc.wantError, resp.Error)
			if tc.wantDetails != "" {
				assert.Contains(t, resp.Details, tc.wantDetails)
			} else {
				assert.Empty(t, resp.Details)
			}
		})
	}
}

func TestStyleTransferTensorShape(t *testing.T) {
	stylizer := &fakeStylizer{}
	h := NewHandler(stylizer, Options{ImageSize: 512, MaxUploadBytes: 1 << 20})

	rec := postStyleTransfer(t, http.HandlerFunc(h.StyleTransfer), map[string][]byte{
		ContentField: pngBytes(t, 3, 7, color.White),
		StyleField:   pngBytes(t, 700, 20, color.Black),
	})
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, stylizer.shapes, 2)
	for _, s := range stylizer.shapes {
		assert.Equal(t, tensor.Shape{1, 512, 512, 3}, s)
	}
}

func TestStyleTransferDeterministic(t *testing.T) {
	h := NewHandler(&fakeStylizer{}, Options{ImageSize: 32, MaxUploadBytes: 1 << 20})
	files := map[string][]byte{
		ContentField: pngBytes(t, 50, 50, color.RGBA{R: 10, G: 200, B: 30, A: 255}),
		StyleField:   pngBytes(t, 20, 80, color.RGBA{R: 90, G: 0, B: 250, A: 255}),
	}

	first := postStyleTransfer(t, http.HandlerFunc(h.StyleTransfer), files)
	second := postStyleTransfer(t, http.HandlerFunc(h.StyleTransfer), files)

	require.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, first.Body.String(), second.Body.String())
}

func TestStyleTransferNotMultipart(t *testing.T) {
	h := NewHandler(&fakeStylizer{}, Options{ImageSize: 32, MaxUploadBytes: 1 << 20})

	req := httptest.NewRequest(http.MethodPost, "/api/style-transfer", strings.NewReader(`{"content_image":"x"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	CORS(http.HandlerFunc(h.StyleTransfer)).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assertCORS(t, rec)
	assert.Contains(t, rec.Body.String(), msgMissingFiles)
}

func TestStyleTransferTooLarge(t *testing.T) {
	h := NewHandler(&fakeStylizer{}, Options{ImageSize: 32, MaxUploadBytes: 1024})

	rec := postStyleTransfer(t, http.HandlerFunc(h.StyleTransfer), map[string][]byte{
		ContentField: bytes.Repeat([]byte{0xff}, 4096),
		StyleField:   bytes.Repeat([]byte{0xff}, 4096),
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStyleTransferPixelLimit(t *testing.T) {
	stylizer := &fakeStylizer{}
	h := NewHandler(stylizer, Options{ImageSize: 16, MaxUploadBytes: 1 << 20, MaxPixels: 100})

	rec := postStyleTransfer(t, CORS(http.HandlerFunc(h.StyleTransfer)), map[string][]byte{
		ContentField: pngBytes(t, 10, 10, color.White),
		StyleField:   pngBytes(t, 11, 10, color.Black),
	})

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assertCORS(t, rec)
	assert.Contains(t, rec.Body.String(), "style image")
	assert.Contains(t, rec.Body.String(), "exceeds the 100 pixel limit")
	assert.Empty(t, stylizer.shapes)
}

func TestStyleTransferMetrics(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	h := NewHandler(&fakeStylizer{err: errors.New("boom")}, Options{ImageSize: 16, MaxUploadBytes: 1 << 20, Metrics: m})

	rec := postStyleTransfer(t, http.HandlerFunc(h.StyleTransfer), map[string][]byte{
		ContentField: pngBytes(t, 4, 4, color.White),
		StyleField:   pngBytes(t, 4, 4, color.Black),
	})

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.InDelta(t, 1, testutil.ToFloat64(m.InferenceFailures), 0)
	assert.Equal(t, 1, testutil.CollectAndCount(m.InferenceDuration))
}

func TestHealth(t *testing.T) {
	h := NewHandler(&fakeStylizer{}, Options{})
	rec := httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())
}

func TestIndex(t *testing.T) {
	h := NewHandler(&fakeStylizer{}, Options{ImageSize: 512})
	rec := httptest.NewRecorder()
	h.Index(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "512x512")
	assert.Contains(t, rec.Body.String(), `name="content_image"`)
	assert.Contains(t, rec.Body.String(), `name="style_image"`)
}

func TestCORSPreflight(t *testing.T) {
	called := false
	next := http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true })

	rec := httptest.NewRecorder()
	CORS(next).ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/style-transfer", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, called)
	assertCORS(t, rec)
}

func TestRequestID(t *testing.T) {
	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = w.Header().Get(RequestIDHeader)
		w.WriteHeader(http.StatusNoContent)
	})

	rec := httptest.NewRecorder()
	RequestID(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Len(t, rec.Header().Get(RequestIDHeader), 36)
	assert.Equal(t, rec.Header().Get(RequestIDHeader), seen)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	rec = httptest.NewRecorder()
	RequestID(next).ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get(RequestIDHeader))
}
