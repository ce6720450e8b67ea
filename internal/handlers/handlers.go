package handlers

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/Brownie44l1/damage-api/internal/model"
	"github.com/Brownie44l1/damage-api/internal/upload"
)

//go:embed templates/index.html
var templatesFS embed.FS

var indexTmpl = template.Must(template.ParseFS(templatesFS, "templates/index.html"))

// Classifier is the subset of *model.Classifier the handlers need.
type Classifier interface {
	ClassifyFile(ctx context.Context, path string) (model.Label, error)
	ClassifyTensor(ctx context.Context, input []float32) (model.Label, error)
	Loaded() bool
}

type Handler struct {
	classifier Classifier
	stager     *upload.Stager
	maxUpload  int64
	log        logrus.FieldLogger
}

func NewHandler(classifier Classifier, stager *upload.Stager, maxUpload int64, logger logrus.FieldLogger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{
		classifier: classifier,
		stager:     stager,
		maxUpload:  maxUpload,
		log:        logger,
	}
}

// Routes registers every endpoint on a new mux.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", h.Index)
	mux.HandleFunc("/classify", h.Classify)
	mux.HandleFunc("/health", enableCORS(http.MethodGet, h.Health))
	mux.HandleFunc("/predict", enableCORS(http.MethodPost, h.Predict))
	mux.HandleFunc("/predict/image", enableCORS(http.MethodPost, h.PredictFromImage))
	return logRequests(h.log, mux)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "healthy",
		"model_loaded": h.classifier.Loaded(),
	})
}

// Index renders the upload page with the help panel. No inference happens.
func (h *Handler) Index(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.render(w, http.StatusOK, newPage())
}

// Classify handles the upload form and renders the result page.
func (h *Handler) Classify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	res, err := h.classifyUpload(w, r)
	p := newPage()
	if err != nil {
		p.Error = userMessage(err)
		h.render(w, statusFor(err), p)
		return
	}
	p.Result = res
	h.render(w, http.StatusOK, p)
}

// PredictFromImage is the JSON variant of Classify.
func (h *Handler) PredictFromImage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	res, err := h.classifyUpload(w, r)
	if err != nil {
		http.Error(w, userMessage(err), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, res.Response())
}

// Predict classifies an already preprocessed tensor sent as JSON.
func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req model.PredictionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxUpload)).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if len(req.Image) != model.InputLen {
		http.Error(w, fmt.Sprintf("Expected %d values, got %d", model.InputLen, len(req.Image)),
			http.StatusBadRequest)
		return
	}

	label, err := h.classifier.ClassifyTensor(r.Context(), req.Image)
	if err != nil {
		h.log.WithError(err).Error("prediction failed")
		http.Error(w, "Prediction failed", statusFor(err))
		return
	}

	writeJSON(w, http.StatusOK, NewResult(label).Response())
}

// requestError carries a client-facing message and status.
type requestError struct {
	status int
	msg    string
}

func (e *requestError) Error() string { return e.msg }

func badRequest(msg string) error {
	return &requestError{status: http.StatusBadRequest, msg: msg}
}

// classifyUpload reads the "image" form field, stages it under a unique name
// and classifies the staged file. The staged file is removed before return.
func (h *Handler) classifyUpload(w http.ResponseWriter, r *http.Request) (*Result, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(h.maxUpload); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, &requestError{status: http.StatusRequestEntityTooLarge, msg: "Image is too large"}
		}
		return nil, badRequest("Failed to parse form")
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		return nil, badRequest("No image file provided. Use 'image' as the form field name")
	}
	defer file.Close()

	if !upload.Allowed(header.Filename) {
		return nil, badRequest("Unsupported file type. Allowed: " + strings.Join(upload.AllowedExtensions, ", "))
	}

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, badRequest("Failed to read upload")
	}

	log := h.log.WithFields(logrus.Fields{"filename": header.Filename, "size": len(data)})
	log.Info("received upload")

	staged, err := h.stager.Stage(bytes.NewReader(data), filepath.Ext(header.Filename))
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := staged.Remove(); err != nil {
			log.WithError(err).Warn("failed to remove staged upload")
		}
	}()

	label, err := h.classifier.ClassifyFile(r.Context(), staged.Path)
	if err != nil {
		log.WithError(err).Warn("classification failed")
		return nil, err
	}

	res := NewResult(label)
	res.Filename = header.Filename
	res.ImageURI = dataURI(data)
	log.WithField("label", res.Label).Info("classified upload")
	return &res, nil
}

func statusFor(err error) int {
	var reqErr *requestError
	var decErr *model.DecodeError
	var loadErr *model.ModelLoadError
	switch {
	case errors.As(err, &reqErr):
		return reqErr.status
	case errors.As(err, &decErr):
		return http.StatusBadRequest
	case errors.As(err, &loadErr), errors.Is(err, model.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func userMessage(err error) string {
	var reqErr *requestError
	var decErr *model.DecodeError
	var loadErr *model.ModelLoadError
	switch {
	case errors.As(err, &reqErr):
		return reqErr.msg
	case errors.As(err, &decErr):
		return "Invalid image format. Supported: JPEG, PNG"
	case errors.As(err, &loadErr), errors.Is(err, model.ErrClosed):
		return "Model is not available"
	default:
		return "Classification failed"
	}
}

func newPage() page {
	return page{
		Classes: aboutClasses(),
		Accept:  strings.Join(upload.AllowedExtensions, ","),
	}
}

func (h *Handler) render(w http.ResponseWriter, status int, p page) {
	var buf bytes.Buffer
	if err := indexTmpl.Execute(&buf, p); err != nil {
		h.log.WithError(err).Error("render page")
		http.Error(w, "Failed to render page", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
