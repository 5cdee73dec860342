package transfer

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jaywantadh/chunkdock/internal/metadata"
	"github.com/jaywantadh/chunkdock/internal/upload"
	"github.com/sirupsen/logrus"
)

// Multipart framing around a chunk: boundaries, headers and form fields.
const multipartOverhead = 64 * 1024

// Uploader is the part of upload.Service the HTTP layer depends on.
type Uploader interface {
	CheckChunk(ctx context.Context, ref upload.ChunkRef) error
	ReceiveChunk(ctx context.Context, up upload.ChunkUpload) (*upload.Receipt, error)
	Artifacts() ([]metadata.ArtifactRecord, error)
	Sessions() ([]metadata.SessionRecord, error)
}

// Server exposes the resumable upload protocol over HTTP.
type Server struct {
	uploader     Uploader
	logger       *logrus.Logger
	maxChunkSize int64
}

// NewServer creates the HTTP layer. maxChunkSize bounds a single chunk.
func NewServer(uploader Uploader, logger *logrus.Logger, maxChunkSize int64) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	return &Server{
		uploader:     uploader,
		logger:       logger,
		maxChunkSize: maxChunkSize,
	}
}

// Handler returns the routed, logged handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+ResumablePath, s.handleCheckChunk)
	mux.HandleFunc("POST "+ResumablePath, s.handleUploadChunk)
	mux.HandleFunc("GET "+ArtifactsPath, s.handleArtifacts)
	mux.HandleFunc("GET "+SessionsPath, s.handleSessions)
	mux.HandleFunc("GET "+HealthPath, s.handleHealth)
	return s.withRequestLogging(mux)
}

// handleCheckChunk handles GET /upload_resumable
func (s *Server) handleCheckChunk(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	ref, err := parseChunkRef(query.Get)
	if err == nil {
		err = s.uploader.CheckChunk(r.Context(), ref)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeText(w, http.StatusOK, "OK")
}

// handleUploadChunk handles POST /upload_resumable. Chunks arrive either as
// the "file" part of a multipart form or, with parameters in the query
// string, as the raw request body.
func (s *Server) handleUploadChunk(w http.ResponseWriter, r *http.Request) {
	if s.maxChunkSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxChunkSize+multipartOverhead)
	}

	get, data, cleanup, err := s.chunkSource(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer cleanup()

	ref, err := parseChunkRef(get)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	total, err := parsePositiveInt(ParamTotalChunks, get(ParamTotalChunks))
	if err != nil {
		s.fail(w, r, err)
		return
	}

	receipt, err := s.uploader.ReceiveChunk(r.Context(), upload.ChunkUpload{
		ChunkRef:    ref,
		TotalChunks: total,
		Data:        data,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if receipt.Reassembled {
		w.Header().Set("X-Upload-Complete", "true")
		w.Header().Set("X-Artifact-Checksum", receipt.Artifact.Checksum)
	}
	writeText(w, http.StatusOK, receipt.FileName)
}

func (s *Server) chunkSource(r *http.Request) (func(string) string, io.Reader, func(), error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		return r.URL.Query().Get, r.Body, func() {}, nil
	}

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			return nil, nil, nil, err
		}
		return nil, nil, nil, &upload.ParameterError{Field: "body", Reason: "is not a valid multipart form"}
	}
	cleanup := func() { r.MultipartForm.RemoveAll() }

	file, _, err := r.FormFile(FormFileField)
	if err != nil {
		cleanup()
		return nil, nil, nil, &upload.ParameterError{Field: FormFileField, Reason: "is required"}
	}
	return r.FormValue, file, func() {
		file.Close()
		cleanup()
	}, nil
}

// handleArtifacts handles GET /api/v1/artifacts
func (s *Server) handleArtifacts(w http.ResponseWriter, r *http.Request) {
	artifacts, err := s.uploader.Artifacts()
	if err != nil {
		s.logger.WithError(err).Error("❌ failed to list artifacts")
		WriteErrorResponse(w, http.StatusInternalServerError, "Failed to list artifacts")
		return
	}
	if artifacts == nil {
		artifacts = []metadata.ArtifactRecord{}
	}
	WriteJSONResponse(w, http.StatusOK, ArtifactsResponse{Artifacts: artifacts})
}

// handleSessions handles GET /api/v1/sessions
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.uploader.Sessions()
	if err != nil {
		s.logger.WithError(err).Error("❌ failed to list sessions")
		WriteErrorResponse(w, http.StatusInternalServerError, "Failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []metadata.SessionRecord{}
	}
	WriteJSONResponse(w, http.StatusOK, SessionsResponse{Sessions: sessions})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeText(w, http.StatusOK, "OK")
}

// fail answers with the status of err and logs it once.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusForError(err)
	entry := s.logger.WithFields(logrus.Fields{
		"request_id": r.Header.Get("X-Request-ID"),
		"status":     status,
	}).WithError(err)

	switch status {
	case http.StatusNotFound:
		writeText(w, status, "Not found")
		return
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge:
		entry.Warn("rejected upload request")
	default:
		entry.Error("❌ upload request failed")
	}
	writeText(w, status, err.Error())
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) withRequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
			r.Header.Set("X-Request-ID", requestID)
		}
		w.Header().Set("X-Request-ID", requestID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		s.logger.WithFields(logrus.Fields{
			"request_id": requestID,
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     rec.status,
			"elapsed":    time.Since(start).Round(time.Microsecond),
		}).Debug("request handled")
	})
}
