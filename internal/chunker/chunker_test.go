package chunker

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountChunks(t *testing.T) {
	assert.Equal(t, 1, CountChunks(0, 10))
	assert.Equal(t, 1, CountChunks(9, 10))
	assert.Equal(t, 1, CountChunks(19, 10))
	assert.Equal(t, 2, CountChunks(20, 10))
	assert.Equal(t, 2, CountChunks(29, 10))
	assert.Equal(t, 4, CountChunks(1024*1024, 0))
}

func TestBoundsLastChunkAbsorbsRemainder(t *testing.T) {
	start, end := Bounds(29, 10, 1)
	assert.Equal(t, [2]int64{0, 10}, [2]int64{start, end})
	start, end = Bounds(29, 10, 2)
	assert.Equal(t, [2]int64{10, 29}, [2]int64{start, end})
}

func TestDetermineChunkSize(t *testing.T) {
	assert.EqualValues(t, 256*1024, DetermineChunkSize(1024))
	assert.EqualValues(t, 4*1024*1024, DetermineChunkSize(500*1024*1024))
	assert.EqualValues(t, 8*1024*1024, DetermineChunkSize(2*1024*1024*1024))
}

func TestSplitCoversFileInOrder(t *testing.T) {
	data := bytes.Repeat([]byte("0123456789abcdef"), 1000)

	var mu sync.Mutex
	var got []Chunk
	err := Split(context.Background(), bytes.NewReader(data), int64(len(data)), 1000, 4, func(_ context.Context, c Chunk) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, c)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 16)

	sort.Slice(got, func(i, j int) bool { return got[i].Number < got[j].Number })
	var joined []byte
	for i, c := range got {
		assert.Equal(t, i+1, c.Number)
		assert.Equal(t, 16, c.Total)
		joined = append(joined, c.Data...)
	}
	assert.Equal(t, data, joined)
}

func TestSplitEmptyFile(t *testing.T) {
	calls := 0
	err := Split(context.Background(), bytes.NewReader(nil), 0, 10, 1, func(_ context.Context, c Chunk) error {
		calls++
		assert.Empty(t, c.Data)
		assert.Equal(t, 1, c.Total)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestSplitStopsOnError(t *testing.T) {
	boom := errors.New("boom")
	data := make([]byte, 100)
	err := Split(context.Background(), bytes.NewReader(data), 100, 10, 2, func(_ context.Context, c Chunk) error {
		if c.Number == 3 {
			return boom
		}
		return nil
	})
	assert.ErrorIs(t, err, boom)
}
