package sink

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// Sink receives rendered blocks. Implementations write a whole block before
// accepting the next one.
type Sink interface {
	Append(text string) error
}

// locks holds one mutex per cleaned file path, shared by every File.
var locks sync.Map

// File appends to a file on disk, creating it and its parent directories if
// needed.
type File struct {
	path string
	mu   *sync.Mutex
}

func NewFile(path string) *File {
	path = filepath.Clean(path)
	mu, _ := locks.LoadOrStore(path, &sync.Mutex{})
	return &File{path: path, mu: mu.(*sync.Mutex)}
}

func (f *File) Path() string {
	return f.path
}

func (f *File) Append(text string) (err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if dir := filepath.Dir(f.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("sink: creating %s: %w", dir, err)
		}
	}
	fd, err := os.OpenFile(f.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("sink: opening %s: %w", f.path, err)
	}
	defer func() {
		if cerr := fd.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("sink: closing %s: %w", f.path, cerr)
		}
	}()
	if _, err := io.WriteString(fd, text); err != nil {
		return fmt.Errorf("sink: writing %s: %w", f.path, err)
	}
	return nil
}

// Writer appends to an io.Writer such as os.Stderr.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (w *Writer) Append(text string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := io.WriteString(w.w, text)
	return err
}

// Multi appends to every sink, returning the first error.
type Multi []Sink

func (m Multi) Append(text string) error {
	var first error
	for _, s := range m {
		if err := s.Append(text); err != nil && first == nil {
			first = err
		}
	}
	return first
}
