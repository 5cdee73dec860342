package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jaywantadh/chunkdock/internal/metadata"
	"github.com/jaywantadh/chunkdock/internal/storage"
	"github.com/jaywantadh/chunkdock/internal/upload"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	*httptest.Server
	store *storage.LocalStorage
}

func newTestServer(t *testing.T, maxChunkSize int64) *testServer {
	t.Helper()
	store, err := storage.NewLocalStorage(filepath.Join(t.TempDir(), "uploads"))
	require.NoError(t, err)
	meta, err := metadata.OpenInMemoryStore()
	require.NoError(t, err)

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	svc := upload.NewService(store, meta, upload.Options{}, logger)
	srv := httptest.NewServer(NewServer(svc, logger, maxChunkSize).Handler())
	t.Cleanup(func() {
		srv.Close()
		meta.Close()
	})
	return &testServer{Server: srv, store: store}
}

func checkURL(base, id, name string, number int) string {
	q := url.Values{}
	q.Set(ParamIdentifier, id)
	q.Set(ParamFilename, name)
	q.Set(ParamChunkNumber, fmt.Sprint(number))
	return base + ResumablePath + "?" + q.Encode()
}

func multipartChunk(t *testing.T, fields map[string]string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, writer.WriteField(k, v))
	}
	if data != nil {
		part, err := writer.CreateFormFile(FormFileField, "blob")
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())
	return &buf, writer.FormDataContentType()
}

func postChunk(t *testing.T, base, id, name string, number, total int, data []byte) (*http.Response, string) {
	t.Helper()
	body, contentType := multipartChunk(t, map[string]string{
		ParamIdentifier:  id,
		ParamFilename:    name,
		ParamChunkNumber: fmt.Sprint(number),
		ParamTotalChunks: fmt.Sprint(total),
	}, data)
	resp, err := http.Post(base+ResumablePath, contentType, body)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(out)
}

func getStatus(t *testing.T, target string) int {
	t.Helper()
	resp, err := http.Get(target)
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func TestResumableProtocol(t *testing.T) {
	srv := newTestServer(t, 1<<20)
	chunks := [][]byte{[]byte("id,name\n"), []byte("1,alpha\n"), []byte("2,beta\n")}

	assert.Equal(t, http.StatusNotFound, getStatus(t, checkURL(srv.URL, "abc", "data.csv", 1)))

	for _, n := range []int{2, 1} {
		resp, body := postChunk(t, srv.URL, "abc", "data.csv", n, 3, chunks[n-1])
		require.Equal(t, http.StatusOK, resp.StatusCode, body)
		assert.Equal(t, "data.csv", body)
		assert.Empty(t, resp.Header.Get("X-Upload-Complete"))
		assert.Equal(t, http.StatusOK, getStatus(t, checkURL(srv.URL, "abc", "data.csv", n)))
	}

	resp, body := postChunk(t, srv.URL, "abc", "data.csv", 3, 3, chunks[2])
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "data.csv", body)
	assert.Equal(t, "true", resp.Header.Get("X-Upload-Complete"))
	assert.NotEmpty(t, resp.Header.Get("X-Artifact-Checksum"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	got, err := os.ReadFile(srv.store.ArtifactPath("data.csv"))
	require.NoError(t, err)
	assert.Equal(t, "id,name\n1,alpha\n2,beta\n", string(got))
	assert.Equal(t, http.StatusNotFound, getStatus(t, checkURL(srv.URL, "abc", "data.csv", 1)))

	artResp, err := http.Get(srv.URL + ArtifactsPath)
	require.NoError(t, err)
	defer artResp.Body.Close()
	var listing ArtifactsResponse
	require.NoError(t, json.NewDecoder(artResp.Body).Decode(&listing))
	require.Len(t, listing.Artifacts, 1)
	assert.Equal(t, "data.csv", listing.Artifacts[0].FileName)
	assert.EqualValues(t, len(got), listing.Artifacts[0].Size)
}

func TestCheckParameterErrors(t *testing.T) {
	srv := newTestServer(t, 0)

	cases := []string{
		srv.URL + ResumablePath,
		srv.URL + ResumablePath + "?resumableIdentifier=a&resumableFilename=f",
		srv.URL + ResumablePath + "?resumableIdentifier=a&resumableFilename=f&resumableChunkNumber=x",
		srv.URL + ResumablePath + "?resumableIdentifier=a&resumableFilename=f&resumableChunkNumber=0",
		checkURL(srv.URL, "..", "f", 1),
		checkURL(srv.URL, "a", "../../secret", 1),
	}
	for _, target := range cases {
		assert.Equal(t, http.StatusBadRequest, getStatus(t, target), target)
	}
}

func TestUploadParameterErrors(t *testing.T) {
	srv := newTestServer(t, 0)

	resp, _ := postChunk(t, srv.URL, "a", "f", 1, 0, []byte("x"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = postChunk(t, srv.URL, "a", "f", 2, 1, []byte("x"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body, contentType := multipartChunk(t, map[string]string{
		ParamIdentifier:  "a",
		ParamFilename:    "f",
		ParamChunkNumber: "1",
		ParamTotalChunks: "1",
	}, nil)
	r, err := http.Post(srv.URL+ResumablePath, contentType, body)
	require.NoError(t, err)
	r.Body.Close()
	assert.Equal(t, http.StatusBadRequest, r.StatusCode)

	entries, err := os.ReadDir(srv.store.Root())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestUploadNameCollisions(t *testing.T) {
	srv := newTestServer(t, 0)

	resp, _ := postChunk(t, srv.URL, "data.csv", "data.csv", 1, 2, []byte("x"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, http.StatusBadRequest, getStatus(t, checkURL(srv.URL, "data.csv", "data.csv", 1)))

	resp, body := postChunk(t, srv.URL, "done", "report.csv", 1, 1, []byte("x"))
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	resp, _ = postChunk(t, srv.URL, "report.csv", "other.csv", 1, 2, []byte("x"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = postChunk(t, srv.URL, "busy", "big.iso", 1, 2, []byte("x"))
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	resp, _ = postChunk(t, srv.URL, "late", "busy", 1, 2, []byte("x"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	entries, err := os.ReadDir(srv.store.Root())
	require.NoError(t, err)
	var names []string
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	assert.ElementsMatch(t, []string{"busy", "report.csv"}, names)
}

func TestUploadTooLarge(t *testing.T) {
	srv := newTestServer(t, 16)
	resp, _ := postChunk(t, srv.URL, "a", "f.bin", 1, 1, bytes.Repeat([]byte("x"), multipartOverhead+64))
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestRawBodyUpload(t *testing.T) {
	srv := newTestServer(t, 1<<20)

	q := url.Values{}
	q.Set(ParamIdentifier, "raw")
	q.Set(ParamFilename, "raw.bin")
	q.Set(ParamChunkNumber, "1")
	q.Set(ParamTotalChunks, "1")
	resp, err := http.Post(srv.URL+ResumablePath+"?"+q.Encode(), "application/octet-stream", strings.NewReader("payload"))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got, err := os.ReadFile(srv.store.ArtifactPath("raw.bin"))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))
}

func TestSessionsListing(t *testing.T) {
	srv := newTestServer(t, 0)
	resp, body := postChunk(t, srv.URL, "open-1", "big.iso", 1, 4, []byte("x"))
	require.Equal(t, http.StatusOK, resp.StatusCode, body)

	listResp, err := http.Get(srv.URL + SessionsPath)
	require.NoError(t, err)
	defer listResp.Body.Close()
	var listing SessionsResponse
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&listing))
	require.Len(t, listing.Sessions, 1)
	assert.Equal(t, "open-1", listing.Sessions[0].SessionID)
	assert.Equal(t, 4, listing.Sessions[0].TotalChunks)
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, 0)
	assert.Equal(t, http.StatusOK, getStatus(t, srv.URL+HealthPath))
}

type failingUploader struct{ err error }

func (f failingUploader) CheckChunk(context.Context, upload.ChunkRef) error { return f.err }
func (f failingUploader) ReceiveChunk(context.Context, upload.ChunkUpload) (*upload.Receipt, error) {
	return nil, f.err
}
func (f failingUploader) Artifacts() ([]metadata.ArtifactRecord, error) { return nil, f.err }
func (f failingUploader) Sessions() ([]metadata.SessionRecord, error)   { return nil, f.err }

func TestErrorStatusMapping(t *testing.T) {
	cases := map[int]error{
		http.StatusConflict:            &upload.RaceFailure{SessionID: "s", ChunkNumber: 2, Err: os.ErrNotExist},
		http.StatusServiceUnavailable:  &upload.StorageError{Op: "wait", Err: upload.ErrPendingWrites},
		http.StatusInternalServerError: &upload.StorageError{Op: "write chunk", Err: io.ErrShortWrite},
	}
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	for status, err := range cases {
		srv := httptest.NewServer(NewServer(failingUploader{err}, logger, 0).Handler())
		resp, _ := postChunk(t, srv.URL, "s", "f", 1, 2, []byte("x"))
		assert.Equal(t, status, resp.StatusCode, err.Error())
		srv.Close()
	}
}
