// Package logtail implements the LogTailer: stateless incremental reads of
// a running or finished job's log file, driven entirely by an offset the
// caller passes back on each poll.
package logtail

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/opsportal/orchestrator/internal/store"
)

// DefaultMaxBytes is the chunk size used when a caller passes maxBytes <= 0.
const DefaultMaxBytes = 65536

// ErrInvalidOffset is returned when the caller passes a negative offset.
var ErrInvalidOffset = errors.New("invalid offset")

// Tailer reads job log files by delegating the job's log_file_path and
// current status lookup to the Store; it never caches file handles across
// calls, so it imposes no per-reader state the way a long-lived stream
// would.
type Tailer struct {
	st *store.Store
}

// New returns a Tailer backed by st.
func New(st *store.Store) *Tailer {
	return &Tailer{st: st}
}

// ReadChunk implements read_chunk(job, offset, max_bytes) → (bytes,
// next_offset, status). If the job's log file does not exist yet (the
// Dispatcher hasn't created it), it returns an empty chunk and the same
// offset rather than an error, since "not started yet" is an expected
// transient state for a running job, not a failure.
func (t *Tailer) ReadChunk(ctx context.Context, jobID string, offset int64, maxBytes int) ([]byte, int64, store.JobStatus, error) {
	if offset < 0 {
		return nil, 0, "", ErrInvalidOffset
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}

	job, err := t.st.GetJob(ctx, jobID)
	if err != nil {
		return nil, 0, "", fmt.Errorf("failed to read job: %w", err)
	}
	if job.LogFilePath == "" {
		return []byte{}, offset, job.Status, nil
	}

	file, err := os.Open(job.LogFilePath)
	if os.IsNotExist(err) {
		return []byte{}, offset, job.Status, nil
	}
	if err != nil {
		return nil, 0, "", fmt.Errorf("failed to open log file: %w", err)
	}
	defer file.Close()

	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return nil, 0, "", fmt.Errorf("failed to seek log file: %w", err)
	}

	buf := make([]byte, maxBytes)
	n, err := file.Read(buf)
	if err != nil && err != io.EOF {
		return nil, 0, "", fmt.Errorf("failed to read log file: %w", err)
	}

	return buf[:n], offset + int64(n), job.Status, nil
}
