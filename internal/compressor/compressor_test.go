package compressor

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShouldSkipCompression(t *testing.T) {
	assert.True(t, ShouldSkipCompression("movie.MP4"))
	assert.True(t, ShouldSkipCompression("archive.zip"))
	assert.False(t, ShouldSkipCompression("data.csv"))
	assert.False(t, ShouldSkipCompression("README"))
}

func TestWriterReaderRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("id,name,value\n1,alpha,42\n"), 512)

	var buf bytes.Buffer
	w := NewWriter(&buf)
	_, err := w.Write(payload)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	assert.Less(t, buf.Len(), len(payload))

	got, err := io.ReadAll(NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}
