package transfer

import (
	"io"
	"sync"
	"time"
)

// Meter tracks bytes moved across every transfer of a run. It is safe for
// concurrent use by parallel uploads.
type Meter struct {
	mu sync.RWMutex

	files    int64
	bytes    int64
	started  time.Time
	lastSeen time.Time
}

// NewMeter returns a meter whose clock starts now.
func NewMeter() *Meter {
	now := time.Now()
	return &Meter{started: now, lastSeen: now}
}

// RecordTransfer adds one completed transfer of size bytes.
func (m *Meter) RecordTransfer(size int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.files++
	m.bytes += size
	m.lastSeen = time.Now()
}

// Usage returns a snapshot of the meter.
func (m *Meter) Usage() Stats {
	if m == nil {
		return Stats{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	return Stats{
		Files:    m.files,
		Bytes:    m.bytes,
		Duration: m.lastSeen.Sub(m.started),
	}
}

// Stats holds transfer totals for a run.
type Stats struct {
	Files    int64
	Bytes    int64
	Duration time.Duration
}

// countingReader counts bytes read from the underlying file. Seek is kept so
// the HTTP layer can rewind the body when a request is replayed; rewinding
// resets the count.
type countingReader struct {
	rs io.ReadSeeker
	n  int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.rs.Read(p)
	c.n += int64(n)
	return n, err
}

func (c *countingReader) Seek(offset int64, whence int) (int64, error) {
	pos, err := c.rs.Seek(offset, whence)
	if err == nil {
		c.n = pos
	}
	return pos, err
}
