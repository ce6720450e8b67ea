package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/damage-api/internal/model"
	"github.com/Brownie44l1/damage-api/internal/upload"
)

// scoredBackend always ranks one class highest.
type scoredBackend struct {
	winner int
	runs   int
}

func (s *scoredBackend) Run(input []float32) ([]float32, error) {
	s.runs++
	scores := make([]float32, model.NumClasses)
	scores[s.winner] = 10
	return scores, nil
}

func (s *scoredBackend) Close() {}

type fixture struct {
	handler   http.Handler
	backend   *scoredBackend
	uploadDir string
}

func newFixture(t *testing.T, label string, load model.Loader) *fixture {
	t.Helper()
	logger, _ := test.NewNullLogger()

	want, err := model.ParseLabel(label)
	require.NoError(t, err)
	winner := 0
	for i, l := range model.Vocabulary() {
		if l == want {
			winner = i
		}
	}
	backend := &scoredBackend{winner: winner}
	if load == nil {
		load = func() (model.Backend, error) { return backend, nil }
	}

	dir := filepath.Join(t.TempDir(), "uploads")
	stager, err := upload.NewStager(dir)
	require.NoError(t, err)

	h := NewHandler(model.NewClassifier(load, logger), stager, 1<<20, logger)
	return &fixture{handler: h.Routes(), backend: backend, uploadDir: dir}
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			img.Set(x, y, color.RGBA{200, uint8(x * 8), uint8(y * 8), 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func multipartRequest(t *testing.T, target, filename string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("image", filename)
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, target, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) assertNoStagedFiles(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(f.uploadDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestIndex_Placeholder(t *testing.T) {
	f := newFixture(t, "F_Normal", nil)
	rec := f.do(httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "Upload an image to get started")
	assert.Contains(t, body, "Front Crushed")
	assert.Contains(t, body, `accept=".jpg,.jpeg,.png"`)
	assert.NotContains(t, body, "Detection Result")
	assert.Equal(t, 0, f.backend.runs)
}

func TestIndex_NotFound(t *testing.T) {
	f := newFixture(t, "F_Normal", nil)
	rec := f.do(httptest.NewRequest(http.MethodGet, "/nope", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestClassify_FrontCrushed(t *testing.T) {
	f := newFixture(t, "F_Crushed", nil)
	rec := f.do(multipartRequest(t, "/classify", "car.jpg", pngBytes(t)))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "<strong>Location:</strong> Front")
	assert.Contains(t, body, "<strong>Damage Type:</strong> Crushed")
	assert.Contains(t, body, "<code>F_Crushed</code>")
	assert.Contains(t, body, `data-severity="alert"`)
	assert.Contains(t, body, "Front Section")
	assert.Contains(t, body, "data:image/png;base64,")
	f.assertNoStagedFiles(t)
}

func TestClassify_SeverityStyles(t *testing.T) {
	cases := map[string]Severity{
		"R_Normal":   SeverityInfo,
		"R_Breakage": SeverityWarning,
		"R_Crushed":  SeverityAlert,
	}
	for label, sev := range cases {
		t.Run(label, func(t *testing.T) {
			f := newFixture(t, label, nil)
			rec := f.do(multipartRequest(t, "/classify", "car.png", pngBytes(t)))
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Contains(t, rec.Body.String(), `data-severity="`+string(sev)+`"`)
			assert.Contains(t, rec.Body.String(), "<strong>Location:</strong> Rear")
		})
	}
}

func TestClassify_RejectsExtension(t *testing.T) {
	f := newFixture(t, "F_Normal", nil)
	rec := f.do(multipartRequest(t, "/classify", "car.gif", pngBytes(t)))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Unsupported file type")
	assert.Equal(t, 0, f.backend.runs)
}

func TestClassify_TextRenamedJPG(t *testing.T) {
	f := newFixture(t, "F_Normal", nil)
	rec := f.do(multipartRequest(t, "/classify", "car.jpg", []byte("definitely not a jpeg")))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Invalid image format")
	assert.Equal(t, 0, f.backend.runs)
	f.assertNoStagedFiles(t)
}

func TestClassify_MissingField(t *testing.T) {
	f := newFixture(t, "F_Normal", nil)
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("other", "x"))
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, "/classify", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	rec := f.do(req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestClassify_ModelUnavailable(t *testing.T) {
	f := newFixture(t, "F_Normal", func() (model.Backend, error) {
		return nil, &model.ModelLoadError{Path: "model/saved_model.onnx", Err: errors.New("missing")}
	})
	rec := f.do(multipartRequest(t, "/classify", "car.jpg", pngBytes(t)))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "Model is not available")
	f.assertNoStagedFiles(t)
}

func TestClassify_MethodNotAllowed(t *testing.T) {
	f := newFixture(t, "F_Normal", nil)
	rec := f.do(httptest.NewRequest(http.MethodGet, "/classify", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestPredictFromImage_JSON(t *testing.T) {
	f := newFixture(t, "R_Breakage", nil)
	rec := f.do(multipartRequest(t, "/predict/image", "car.jpeg", pngBytes(t)))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	var resp model.PredictionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, model.PredictionResponse{
		Class:     "R_Breakage",
		Location:  "Rear",
		Condition: "Breakage",
		Severity:  "warning",
	}, resp)
}

func TestPredict_Tensor(t *testing.T) {
	f := newFixture(t, "F_Breakage", nil)

	payload, err := json.Marshal(model.PredictionRequest{Image: make([]float32, model.InputLen)})
	require.NoError(t, err)
	rec := f.do(httptest.NewRequest(http.MethodPost, "/predict", bytes.NewReader(payload)))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp model.PredictionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "F_Breakage", resp.Class)
}

func TestPredict_WrongLength(t *testing.T) {
	f := newFixture(t, "F_Breakage", nil)
	req := httptest.NewRequest(http.MethodPost, "/predict", bytes.NewReader([]byte(`{"image":[1,2,3]}`)))
	rec := f.do(req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0, f.backend.runs)
}

func TestHealth(t *testing.T) {
	f := newFixture(t, "F_Normal", nil)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy","model_loaded":false}`, rec.Body.String())

	f.do(multipartRequest(t, "/classify", "car.jpg", pngBytes(t)))

	rec = f.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.JSONEq(t, `{"status":"healthy","model_loaded":true}`, rec.Body.String())
}

func TestCORS_PreflightSkipsInference(t *testing.T) {
	f := newFixture(t, "F_Normal", nil)

	req := httptest.NewRequest(http.MethodOptions, "/predict/image", nil)
	req.Header.Set("Origin", "https://example.com")
	rec := f.do(req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "POST, OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "Content-Type", rec.Header().Get("Access-Control-Allow-Headers"))
	assert.Equal(t, 0, f.backend.runs)
}

func TestCORS_SimpleRequestHeaders(t *testing.T) {
	f := newFixture(t, "F_Normal", nil)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "GET, OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))
}

func TestCORS_PageRoutesStayClosed(t *testing.T) {
	f := newFixture(t, "F_Normal", nil)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusFor(&model.DecodeError{Err: errors.New("x")}))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(&model.ModelLoadError{Err: errors.New("x")}))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(model.ErrClosed))
	assert.Equal(t, http.StatusRequestTimeout, statusFor(context.Canceled))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("boom")))
}

func TestNewResult(t *testing.T) {
	r := NewResult(model.Label{Location: model.Front, Condition: model.Crushed})
	assert.Equal(t, "F_Crushed", r.Label)
	assert.Equal(t, "Front", r.Location)
	assert.Equal(t, "Crushed", r.Condition)
	assert.Equal(t, SeverityAlert, r.Severity)
	assert.Equal(t, "🚨", r.Emoji)
}
