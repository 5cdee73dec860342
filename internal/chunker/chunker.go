package chunker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync"
)

// Chunk is one ordered slice of a file. Numbers start at 1.
type Chunk struct {
	Number int
	Total  int
	Offset int64
	Data   []byte
}

type chunkTask struct {
	Chunk
}

// DetermineChunkSize picks a chunk size from the size of the whole file.
func DetermineChunkSize(fileSize int64) int64 {
	switch {
	case fileSize <= 1*1024*1024:
		return 256 * 1024
	case fileSize <= 10*1024*1024:
		return 512 * 1024
	case fileSize <= 100*1024*1024:
		return 1 * 1024 * 1024
	case fileSize <= 1024*1024*1024:
		return 4 * 1024 * 1024
	default:
		return 8 * 1024 * 1024
	}
}

// CountChunks returns how many chunks a file of fileSize is cut into. The
// last chunk absorbs the remainder, so it can be up to twice chunkSize, and
// even an empty file yields one chunk.
func CountChunks(fileSize, chunkSize int64) int {
	if chunkSize <= 0 {
		chunkSize = DetermineChunkSize(fileSize)
	}
	n := int(fileSize / chunkSize)
	if n < 1 {
		n = 1
	}
	return n
}

// Bounds returns the byte range [start, end) of chunk number.
func Bounds(fileSize, chunkSize int64, number int) (int64, int64) {
	total := CountChunks(fileSize, chunkSize)
	if chunkSize <= 0 {
		chunkSize = DetermineChunkSize(fileSize)
	}
	start := int64(number-1) * chunkSize
	end := start + chunkSize
	if number == total || end > fileSize {
		end = fileSize
	}
	return start, end
}

// Split reads src in order and hands every chunk to fn on a pool of workers.
// The first error stops the split and is returned.
func Split(ctx context.Context, src io.ReaderAt, fileSize, chunkSize int64, workers int, fn func(ctx context.Context, c Chunk) error) error {
	if chunkSize <= 0 {
		chunkSize = DetermineChunkSize(fileSize)
	}
	if workers <= 0 {
		workers = runtime.NumCPU() / 2
	}
	if workers < 1 {
		workers = 1
	}
	total := CountChunks(fileSize, chunkSize)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	taskChan := make(chan chunkTask, workers*2)
	var wg sync.WaitGroup
	var errOnce sync.Once
	var processErr error

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range taskChan {
				if ctx.Err() != nil {
					continue
				}
				if err := fn(ctx, task.Chunk); err != nil {
					setErrOnce(&errOnce, &processErr, fmt.Errorf("chunk %d: %w", task.Number, err))
					cancel()
				}
			}
		}()
	}

	var readErr error
	for number := 1; number <= total; number++ {
		if ctx.Err() != nil {
			break
		}
		start, end := Bounds(fileSize, chunkSize, number)
		buf := make([]byte, end-start)
		if n, err := src.ReadAt(buf, start); err != nil && !(errors.Is(err, io.EOF) && n == len(buf)) {
			readErr = fmt.Errorf("failed to read chunk %d: %w", number, err)
			break
		}
		taskChan <- chunkTask{Chunk{Number: number, Total: total, Offset: start, Data: buf}}
	}

	close(taskChan)
	wg.Wait()

	if processErr != nil {
		return processErr
	}
	if readErr != nil {
		return readErr
	}
	return ctx.Err()
}

func setErrOnce(once *sync.Once, target *error, err error) {
	once.Do(func() {
		*target = err
	})
}
