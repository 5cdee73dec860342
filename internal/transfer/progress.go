package transfer

import (
	"sync"
	"time"
)

// Progress tracks one push: which chunks were sent, which the server already
// had, and the resulting throughput.
type Progress struct {
	mu          sync.Mutex
	fileName    string
	totalChunks int
	totalBytes  int64
	sent        int
	skipped     int
	bytesSent   int64
	startTime   time.Time
	onUpdate    func(ProgressSnapshot)
}

// ProgressSnapshot is a consistent copy of a Progress.
type ProgressSnapshot struct {
	FileName        string
	ChunksSent      int
	ChunksSkipped   int
	TotalChunks     int
	BytesSent       int64
	TotalBytes      int64
	ProgressPercent float64
	Speed           float64 // bytes per second
	Elapsed         time.Duration
}

// NewProgress starts tracking. onUpdate, if set, runs after every chunk
// while the tracker's lock is not held.
func NewProgress(fileName string, totalChunks int, totalBytes int64, onUpdate func(ProgressSnapshot)) *Progress {
	return &Progress{
		fileName:    fileName,
		totalChunks: totalChunks,
		totalBytes:  totalBytes,
		startTime:   time.Now(),
		onUpdate:    onUpdate,
	}
}

// ChunkSent records a chunk that was uploaded.
func (p *Progress) ChunkSent(size int64) {
	p.mu.Lock()
	p.sent++
	p.bytesSent += size
	p.mu.Unlock()
	p.notify()
}

// ChunkSkipped records a chunk the server already had.
func (p *Progress) ChunkSkipped() {
	p.mu.Lock()
	p.skipped++
	p.mu.Unlock()
	p.notify()
}

// Snapshot returns the current state.
func (p *Progress) Snapshot() ProgressSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	elapsed := time.Since(p.startTime)
	snap := ProgressSnapshot{
		FileName:      p.fileName,
		ChunksSent:    p.sent,
		ChunksSkipped: p.skipped,
		TotalChunks:   p.totalChunks,
		BytesSent:     p.bytesSent,
		TotalBytes:    p.totalBytes,
		Elapsed:       elapsed,
	}
	if p.totalChunks > 0 {
		snap.ProgressPercent = float64(p.sent+p.skipped) / float64(p.totalChunks) * 100.0
	}
	if secs := elapsed.Seconds(); secs > 0 {
		snap.Speed = float64(p.bytesSent) / secs
	}
	return snap
}

func (p *Progress) notify() {
	if p.onUpdate != nil {
		p.onUpdate(p.Snapshot())
	}
}
