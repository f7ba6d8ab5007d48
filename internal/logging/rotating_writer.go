package logging

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// RotatingWriter is an io.WriteCloser that rolls its file over once it
// would exceed maxBytes. Rotated files are numbered suffixes of the live
// path: crawl.log.1 is the newest backup, crawl.log.<keep> the oldest.
type RotatingWriter struct {
	mu   sync.Mutex
	file *os.File
	size int64

	path     string
	maxBytes int64
	keep     int
}

var _ io.WriteCloser = (*RotatingWriter)(nil)

// NewRotatingWriter opens (or creates) the log file at path. keep bounds
// how many rotated backups are retained; older ones are deleted.
func NewRotatingWriter(path string, maxBytes int64, keep int) (*RotatingWriter, error) {
	if maxBytes <= 0 {
		return nil, fmt.Errorf("rotation threshold must be positive, got %d", maxBytes)
	}
	if keep < 0 {
		keep = 0
	}

	w := &RotatingWriter{path: path, maxBytes: maxBytes, keep: keep}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

// Write appends p, rotating first when the file would grow past the
// threshold. A single record larger than the threshold is still written
// whole to its own fresh file.
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.size > 0 && w.size+int64(len(p)) > w.maxBytes {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}

	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Close closes the underlying file.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

func (w *RotatingWriter) open() error {
	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return err
	}
	w.file = file
	w.size = info.Size()
	return nil
}

// rotate shifts path.N to path.N+1 (dropping the oldest), moves the live
// file to path.1, and reopens a fresh live file.
func (w *RotatingWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return err
	}
	w.file = nil

	if w.keep == 0 {
		// No backups: truncate by removing the live file.
		_ = os.Remove(w.path)
	} else {
		_ = os.Remove(w.backupPath(w.keep))
		for i := w.keep - 1; i >= 1; i-- {
			if _, err := os.Stat(w.backupPath(i)); err == nil {
				if err := os.Rename(w.backupPath(i), w.backupPath(i+1)); err != nil {
					return err
				}
			}
		}
		if err := os.Rename(w.path, w.backupPath(1)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}

	return w.open()
}

func (w *RotatingWriter) backupPath(index int) string {
	return fmt.Sprintf("%s.%d", w.path, index)
}
