package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// DefaultMaxBytes caps a single log file before it rolls over within a day.
const DefaultMaxBytes = 64 << 20

// RotatingWriter writes to files that rotate daily and when exceeding max size.
//
// A base path of logs/taskd.log produces logs/taskd-2026-10-15.log, then
// logs/taskd-2026-10-15-2.log once the first file is full. The base path
// itself is kept as a symlink to the active file.
type RotatingWriter struct {
	BasePath string
	MaxBytes int64

	now func() time.Time

	mu       sync.Mutex
	curDate  string
	curIndex int
	file     *os.File
	size     int64
}

// NewRotatingWriter opens the writer for basePath. A basePath of "-"
// disables file output.
func NewRotatingWriter(basePath string, maxBytes int64) (io.WriteCloser, error) {
	return newRotatingWriter(basePath, maxBytes, func() time.Time { return time.Now().UTC() })
}

func newRotatingWriter(basePath string, maxBytes int64, now func() time.Time) (io.WriteCloser, error) {
	if strings.TrimSpace(basePath) == "-" {
		return nopWriteCloser{w: io.Discard}, nil
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	rw := &RotatingWriter{BasePath: basePath, MaxBytes: maxBytes, now: now}
	if err := rw.rotateIfNeeded(0); err != nil {
		return nil, err
	}
	return rw, nil
}

func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.rotateIfNeeded(int64(len(p))); err != nil {
		return 0, err
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

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

func (w *RotatingWriter) rotateIfNeeded(incoming int64) error {
	today := w.now().UTC().Format("2006-01-02")
	if w.file == nil || w.curDate != today {
		w.curDate = today
		w.curIndex = 1
		return w.openCurrent()
	}
	// An empty file always takes the write, however large.
	if w.size > 0 && w.size+incoming > w.MaxBytes {
		w.curIndex++
		return w.openCurrent()
	}
	return nil
}

// filename returns the dated file for the current date and index.
func (w *RotatingWriter) filename() string {
	dir, name := filepath.Split(w.BasePath)
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	if ext == "" {
		ext = ".log"
	}
	if w.curIndex > 1 {
		return filepath.Join(dir, fmt.Sprintf("%s-%s-%d%s", base, w.curDate, w.curIndex, ext))
	}
	return filepath.Join(dir, fmt.Sprintf("%s-%s%s", base, w.curDate, ext))
}

func (w *RotatingWriter) openCurrent() error {
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}
	if dir := filepath.Dir(w.BasePath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("logging: create log dir: %w", err)
		}
	}
	path := w.filename()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("logging: open log file: %w", err)
	}
	var size int64
	if st, err := f.Stat(); err == nil {
		size = st.Size()
	}
	w.file = f
	w.size = size
	w.linkCurrent(path)
	return nil
}

func (w *RotatingWriter) linkCurrent(target string) {
	base := strings.TrimSpace(w.BasePath)
	if info, err := os.Lstat(base); err == nil {
		if info.Mode()&os.ModeSymlink == 0 {
			// A regular file at the base path belongs to someone else.
			return
		}
		if dest, err := os.Readlink(base); err == nil && dest == filepath.Base(target) {
			return
		}
		_ = os.Remove(base)
	}
	_ = os.Symlink(filepath.Base(target), base)
}

type nopWriteCloser struct{ w io.Writer }

func (n nopWriteCloser) Write(p []byte) (int, error) { return n.w.Write(p) }
func (n nopWriteCloser) Close() error                { return nil }
