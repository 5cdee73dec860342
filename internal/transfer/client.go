package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/jaywantadh/chunkdock/internal/chunker"
	"github.com/jaywantadh/chunkdock/internal/metadata"
	"github.com/jaywantadh/chunkdock/internal/upload"
	"github.com/sirupsen/logrus"
)

var identifierStrip = regexp.MustCompile(`[^0-9a-zA-Z_-]`)

// Client drives the resumable protocol against a chunkdock server: it asks
// whether each chunk exists and uploads only the missing ones.
type Client struct {
	baseURL    string
	httpClient *retryablehttp.Client
	logger     logrus.FieldLogger
}

// ClientOptions configures transport retries of the client.
type ClientOptions struct {
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	Timeout      time.Duration
	Logger       *logrus.Logger
}

// PushOptions configures one file upload.
type PushOptions struct {
	// Identifier defaults to Identifier(size, name).
	Identifier string
	// ChunkSize defaults to chunker.DetermineChunkSize.
	ChunkSize int64
	// Simultaneous is the number of chunks in flight.
	Simultaneous int
	Progress     func(ProgressSnapshot)
}

// PushResult summarizes a finished push.
type PushResult struct {
	FileName    string
	Identifier  string
	TotalChunks int
	Progress    ProgressSnapshot
}

// NewClient creates a new protocol client
func NewClient(baseURL string, opts ClientOptions) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = opts.RetryMax
	if opts.RetryWaitMin > 0 {
		rc.RetryWaitMin = opts.RetryWaitMin
	}
	if opts.RetryWaitMax > 0 {
		rc.RetryWaitMax = opts.RetryWaitMax
	}
	if opts.Timeout > 0 {
		rc.HTTPClient.Timeout = opts.Timeout
	}
	rc.Logger = retryLogger{logger}
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: rc,
		logger:     logger,
	}
}

// Identifier derives a session identifier the way resumable.js does: the
// file size and the file name stripped to [0-9a-zA-Z_-].
func Identifier(size int64, name string) string {
	return fmt.Sprintf("%d-%s", size, identifierStrip.ReplaceAllString(name, ""))
}

// ChunkExists runs the existence check for one chunk.
func (c *Client) ChunkExists(ctx context.Context, ref upload.ChunkRef) (bool, error) {
	query := url.Values{}
	query.Set(ParamIdentifier, ref.SessionID)
	query.Set(ParamFilename, ref.FileName)
	query.Set(ParamChunkNumber, strconv.Itoa(ref.Number))

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+ResumablePath+"?"+query.Encode(), nil)
	if err != nil {
		return false, fmt.Errorf("failed to build check request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("check request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("check chunk %d: unexpected status %s", ref.Number, resp.Status)
	}
}

// UploadChunk sends one chunk and returns the file name the server echoed.
func (c *Client) UploadChunk(ctx context.Context, ref upload.ChunkRef, totalChunks int, data []byte) (string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	fields := map[string]string{
		ParamIdentifier:  ref.SessionID,
		ParamFilename:    ref.FileName,
		ParamChunkNumber: strconv.Itoa(ref.Number),
		ParamTotalChunks: strconv.Itoa(totalChunks),
	}
	for k, v := range fields {
		if err := writer.WriteField(k, v); err != nil {
			return "", fmt.Errorf("failed to encode form: %w", err)
		}
	}
	part, err := writer.CreateFormFile(FormFileField, "blob")
	if err != nil {
		return "", fmt.Errorf("failed to encode form: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("failed to encode chunk: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to encode form: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+ResumablePath, body.Bytes())
	if err != nil {
		return "", fmt.Errorf("failed to build upload request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload request failed: %w", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read upload response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("upload chunk %d: unexpected status %s: %s", ref.Number, resp.Status, strings.TrimSpace(string(respBody)))
	}
	return string(respBody), nil
}

// Artifacts lists the files the server has reassembled.
func (c *Client) Artifacts(ctx context.Context) ([]metadata.ArtifactRecord, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+ArtifactsPath, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build artifacts request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("artifacts request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("artifacts: unexpected status %s", resp.Status)
	}

	var out ArtifactsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode artifacts: %w", err)
	}
	return out.Artifacts, nil
}

// Sessions lists uploads the server is still waiting on.
func (c *Client) Sessions(ctx context.Context) ([]metadata.SessionRecord, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+SessionsPath, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build sessions request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sessions request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sessions: unexpected status %s", resp.Status)
	}

	var out SessionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode sessions: %w", err)
	}
	return out.Sessions, nil
}

// Push uploads a file, skipping every chunk the server already holds. A push
// interrupted for any reason can simply be run again.
func (c *Client) Push(ctx context.Context, path string, opts PushOptions) (*PushResult, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	size := info.Size()
	name := filepath.Base(path)

	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = chunker.DetermineChunkSize(size)
	}
	identifier := opts.Identifier
	if identifier == "" {
		identifier = Identifier(size, name)
	}
	total := chunker.CountChunks(size, chunkSize)
	progress := NewProgress(name, total, size, opts.Progress)

	log := c.logger.WithFields(logrus.Fields{
		"file_name":  name,
		"identifier": identifier,
		"chunks":     total,
	})
	log.Info("📤 pushing file")

	err = chunker.Split(ctx, file, size, chunkSize, opts.Simultaneous, func(ctx context.Context, chunk chunker.Chunk) error {
		ref := upload.ChunkRef{SessionID: identifier, FileName: name, Number: chunk.Number}
		exists, err := c.ChunkExists(ctx, ref)
		if err != nil {
			return err
		}
		if exists {
			progress.ChunkSkipped()
			return nil
		}
		if _, err := c.UploadChunk(ctx, ref, chunk.Total, chunk.Data); err != nil {
			return err
		}
		progress.ChunkSent(int64(len(chunk.Data)))
		return nil
	})
	if err != nil {
		return nil, err
	}

	snap := progress.Snapshot()
	log.WithFields(logrus.Fields{
		"sent":    snap.ChunksSent,
		"skipped": snap.ChunksSkipped,
	}).Info("✅ push finished")
	return &PushResult{
		FileName:    name,
		Identifier:  identifier,
		TotalChunks: total,
		Progress:    snap,
	}, nil
}

// retryLogger adapts logrus to retryablehttp's leveled logger.
type retryLogger struct {
	log logrus.FieldLogger
}

func (l retryLogger) Error(msg string, keysAndValues ...interface{}) {
	l.log.WithFields(kvFields(keysAndValues)).Error(msg)
}

func (l retryLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.WithFields(kvFields(keysAndValues)).Debug(msg)
}

func (l retryLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.log.WithFields(kvFields(keysAndValues)).Debug(msg)
}

func (l retryLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.log.WithFields(kvFields(keysAndValues)).Warn(msg)
}

func kvFields(keysAndValues []interface{}) logrus.Fields {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return fields
}
