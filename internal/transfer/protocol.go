package transfer

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/jaywantadh/chunkdock/internal/metadata"
	"github.com/jaywantadh/chunkdock/internal/upload"
)

// Routes
const (
	APIVersion    = "v1"
	ResumablePath = "/upload_resumable"
	ArtifactsPath = "/api/" + APIVersion + "/artifacts"
	SessionsPath  = "/api/" + APIVersion + "/sessions"
	HealthPath    = "/healthz"
)

// Resumable protocol field names, shared by the existence check (query
// string) and the chunk upload (multipart form or query string).
const (
	ParamIdentifier  = "resumableIdentifier"
	ParamFilename    = "resumableFilename"
	ParamChunkNumber = "resumableChunkNumber"
	ParamTotalChunks = "resumableTotalChunks"
	FormFileField    = "file"
)

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
}

// ArtifactsResponse lists reassembled files.
type ArtifactsResponse struct {
	Artifacts []metadata.ArtifactRecord `json:"artifacts"`
}

// SessionsResponse lists uploads that have not been reassembled.
type SessionsResponse struct {
	Sessions []metadata.SessionRecord `json:"sessions"`
}

// parseChunkRef reads the fields common to both protocol calls. Missing and
// malformed fields are reported as *upload.ParameterError.
func parseChunkRef(get func(string) string) (upload.ChunkRef, error) {
	number, err := parsePositiveInt(ParamChunkNumber, get(ParamChunkNumber))
	if err != nil {
		return upload.ChunkRef{}, err
	}
	ref := upload.ChunkRef{
		SessionID: get(ParamIdentifier),
		FileName:  get(ParamFilename),
		Number:    number,
	}
	if err := ref.Validate(); err != nil {
		return upload.ChunkRef{}, err
	}
	return ref, nil
}

func parsePositiveInt(field, raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, &upload.ParameterError{Field: field, Reason: "is required"}
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &upload.ParameterError{Field: field, Reason: "is not an integer"}
	}
	if n < 1 {
		return 0, &upload.ParameterError{Field: field, Reason: "must be at least 1"}
	}
	return n, nil
}

// statusForError maps the upload error taxonomy onto HTTP status codes.
// resumable.js retries chunk uploads on any status outside its permanent
// error list, so 409 and 503 ask the client to send the chunk again.
func statusForError(err error) int {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.Is(err, upload.ErrInvalidParameter):
		return http.StatusBadRequest
	case errors.Is(err, upload.ErrChunkNotFound):
		return http.StatusNotFound
	case errors.Is(err, upload.ErrRace):
		return http.StatusConflict
	case errors.Is(err, upload.ErrPendingWrites):
		return http.StatusServiceUnavailable
	case errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

// Response helpers
func WriteJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		}
	}
}

func WriteErrorResponse(w http.ResponseWriter, statusCode int, errorMsg string) {
	response := ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: errorMsg,
		Code:    statusCode,
	}
	WriteJSONResponse(w, statusCode, response)
}

// writeText answers the resumable calls, whose clients read plain bodies.
func writeText(w http.ResponseWriter, statusCode int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(statusCode)
	fmt.Fprint(w, body)
}
