package main

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vilt-vqa/internal/imageproc"
	"vilt-vqa/internal/vqa"
)

//go:embed static/*
var staticFS embed.FS

type answerer interface {
	Answer(ctx context.Context, image []byte, question string) vqa.Result
}

type serverOptions struct {
	Answerer       answerer
	Logger         *slog.Logger
	MaxUploadBytes int64
	RequestTimeout time.Duration
}

type server struct {
	answerer       answerer
	logger         *slog.Logger
	maxUploadBytes int64
	requestTimeout time.Duration
}

type apiError struct {
	Error string `json:"error"`
}

type answerResponse struct {
	Answer  string `json:"answer"`
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
}

func newServer(opts serverOptions) *server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxUpload := opts.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = 25 << 20
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	return &server{
		answerer:       opts.Answerer,
		logger:         logger,
		maxUploadBytes: maxUpload,
		requestTimeout: timeout,
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/answer", s.handleAnswer)
	mux.HandleFunc("/api/normalize", s.handleNormalize)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	staticSub, err := fs.Sub(staticFS, "static")
	if err != nil {
		panic(err)
	}
	mux.Handle("/", http.FileServer(http.FS(staticSub)))

	return withLogging(mux, s.logger)
}

func (s *server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, apiError{Error: "method not allowed"})
		return
	}

	imgBytes, header, status, msg := s.readUpload(w, r)
	if status != http.StatusOK {
		writeJSON(w, status, apiError{Error: msg})
		return
	}

	// Only the declared type is checked; broken content is reported as the answer.
	if !allowedUpload(header, imgBytes) {
		writeJSON(w, http.StatusUnsupportedMediaType, apiError{Error: "unsupported image type, upload jpg, jpeg or png"})
		return
	}

	// The question is read as-is: an empty string is a valid question.
	question := r.FormValue("question")

	var res vqa.Result
	jpegBytes, err := imageproc.ToJPEG(imgBytes)
	if err != nil {
		res = vqa.Failed(vqa.KindDecode, err)
	} else {
		ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
		defer cancel()
		res = s.answerer.Answer(ctx, jpegBytes, question)
	}

	writeJSON(w, http.StatusOK, answerResponse{
		Answer:  res.Text(),
		Message: res.Message(),
		Kind:    string(res.Kind),
	})
}

func (s *server) handleNormalize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, apiError{Error: "method not allowed"})
		return
	}

	imgBytes, _, status, msg := s.readUpload(w, r)
	if status != http.StatusOK {
		writeJSON(w, status, apiError{Error: msg})
		return
	}

	format := r.FormValue("format")
	out, err := imageproc.Normalize(imgBytes, format)
	switch {
	case errors.Is(err, imageproc.ErrInvalidFormat):
		writeJSON(w, http.StatusBadRequest, apiError{Error: err.Error()})
		return
	case err != nil:
		writeJSON(w, http.StatusUnprocessableEntity, apiError{Error: err.Error()})
		return
	}

	w.Header().Set("content-type", "image/"+strings.ToLower(strings.TrimSpace(format)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

func (s *server) readUpload(w http.ResponseWriter, r *http.Request) ([]byte, *multipart.FileHeader, int, string) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)

	if err := r.ParseMultipartForm(s.maxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, nil, http.StatusRequestEntityTooLarge, "image is too large"
		}
		return nil, nil, http.StatusBadRequest, "invalid multipart form"
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		return nil, nil, http.StatusBadRequest, "missing image"
	}
	defer file.Close()

	imgBytes, err := io.ReadAll(file)
	if err != nil {
		return nil, nil, http.StatusBadRequest, "failed to read image"
	}
	if len(imgBytes) == 0 {
		return nil, nil, http.StatusBadRequest, "missing image"
	}
	return imgBytes, header, http.StatusOK, ""
}

var (
	uploadExtensions = map[string]bool{".jpg": true, ".jpeg": true, ".png": true}
	uploadMIMETypes  = map[string]bool{"image/jpeg": true, "image/png": true}
)

// allowedUpload checks the file extension, then the part's Content-Type,
// falling back to content detection when neither says anything.
func allowedUpload(header *multipart.FileHeader, data []byte) bool {
	if ext := strings.ToLower(filepath.Ext(header.Filename)); ext != "" {
		return uploadExtensions[ext]
	}

	mimeType := mediaType(header.Header.Get("Content-Type"))
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = mediaType(http.DetectContentType(data))
	}
	return uploadMIMETypes[mimeType]
}

func mediaType(v string) string {
	v = strings.TrimSpace(v)
	if strings.Contains(v, ";") {
		v = strings.TrimSpace(strings.SplitN(v, ";", 2)[0])
	}
	return strings.ToLower(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func withLogging(next http.Handler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := r.Header.Get("x-request-id")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("x-request-id", reqID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Info("http",
			"id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"dur_ms", time.Since(start).Milliseconds(),
		)
	})
}
