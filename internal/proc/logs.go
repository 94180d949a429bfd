package proc

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// spoolWriter appends combined stdout/stderr to a task's log file,
// truncating the file once it exceeds the configured cap so a noisy
// child cannot fill the disk.
type spoolWriter struct {
	mu   sync.Mutex
	f    *os.File
	size int64
	cap  int64
}

func openSpool(path string, capBytes int64) (*spoolWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat log %s: %w", path, err)
	}
	return &spoolWriter{f: f, size: info.Size(), cap: capBytes}, nil
}

func (w *spoolWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cap > 0 && w.size+int64(len(p)) > w.cap {
		if err := w.f.Truncate(0); err != nil {
			return 0, err
		}
		if _, err := w.f.Seek(0, io.SeekStart); err != nil {
			return 0, err
		}
		n, _ := w.f.WriteString("[log truncated]\n")
		w.size = int64(n)
	}

	n, err := w.f.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *spoolWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}

// LogsRequest selects a byte range of a task's log.
type LogsRequest struct {
	ID         string `json:"id"`
	TailBytes  int64  `json:"tailBytes,omitempty"`
	SinceBytes int64  `json:"sinceBytes,omitempty"`
	MaxBytes   int64  `json:"maxBytes,omitempty"`
}

// LogsResult carries the selected log slice plus offsets for polling.
type LogsResult struct {
	ID        string `json:"id"`
	Data      string `json:"data"`
	Offset    int64  `json:"offset"`    // file offset of the first returned byte
	FileSize  int64  `json:"fileSize"`  // total log size at read time
	Truncated bool   `json:"truncated"` // true if MaxBytes clipped the range
}

const (
	defaultTailBytes = 16 * 1024
	defaultMaxBytes  = 256 * 1024
)

// readLogs reads a byte range of the log file at path.
// SinceBytes > 0 reads forward from that offset; otherwise the last
// TailBytes are returned. MaxBytes caps the returned slice either way.
func readLogs(path string, req LogsRequest) (*LogsResult, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &LogsResult{ID: req.ID}, nil
		}
		return nil, fmt.Errorf("open log %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat log %s: %w", path, err)
	}
	size := info.Size()

	maxBytes := req.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}

	var offset, length int64
	if req.SinceBytes > 0 {
		offset = req.SinceBytes
		if offset > size {
			offset = size
		}
		length = size - offset
	} else {
		tail := req.TailBytes
		if tail <= 0 {
			tail = defaultTailBytes
		}
		if tail > size {
			tail = size
		}
		offset = size - tail
		length = tail
	}

	truncated := false
	if length > maxBytes {
		length = maxBytes
		truncated = true
	}

	buf := make([]byte, length)
	if length > 0 {
		if _, err := f.ReadAt(buf, offset); err != nil && err != io.EOF {
			return nil, fmt.Errorf("read log %s: %w", path, err)
		}
	}

	return &LogsResult{
		ID:        req.ID,
		Data:      string(buf),
		Offset:    offset,
		FileSize:  size,
		Truncated: truncated,
	}, nil
}
