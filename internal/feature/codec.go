package feature

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Reader streams top-level features from an input. Next returns io.EOF when
// the input is exhausted.
type Reader interface {
	Next(ctx context.Context) (*Feature, error)
	Close() error
}

// Writer serializes top-level features. Close flushes any trailer and must
// be called exactly once.
type Writer interface {
	Write(f *Feature) error
	Close() error
}

type ReaderOptions struct {
	// Encoding overrides the charset declared by the input (IANA name).
	Encoding string
}

type WriterOptions struct {
	// Scale and Translate define the vertex transform of CityJSON outputs.
	// A zero Scale means 0.001 on every axis.
	Scale     [3]float64
	Translate [3]float64
}

type (
	readerFactory func(r io.Reader, opts ReaderOptions) (Reader, error)
	writerFactory func(w io.Writer, opts WriterOptions) (Writer, error)
)

var (
	codecMu sync.RWMutex
	readers = map[string]readerFactory{}
	writers = map[string]writerFactory{}
	exts    = map[string]string{}
)

// RegisterReader registers a reader for a format name and the file
// extensions that select it when no format is given.
//
// Panics:
//   - If format is empty, f is nil or format is already registered.
func RegisterReader(format string, extensions []string, f readerFactory) {
	codecMu.Lock()
	defer codecMu.Unlock()

	if format == "" {
		panic("feature: RegisterReader called with empty format")
	}
	if f == nil {
		panic("feature: RegisterReader called with nil factory")
	}
	if _, exists := readers[format]; exists {
		panic(fmt.Sprintf("feature: reader already registered for format=%q", format))
	}
	readers[format] = f
	for _, e := range extensions {
		exts[strings.ToLower(e)] = format
	}
}

// RegisterWriter registers a writer for a format name.
//
// Panics:
//   - If format is empty, f is nil or format is already registered.
func RegisterWriter(format string, f writerFactory) {
	codecMu.Lock()
	defer codecMu.Unlock()

	if format == "" {
		panic("feature: RegisterWriter called with empty format")
	}
	if f == nil {
		panic("feature: RegisterWriter called with nil factory")
	}
	if _, exists := writers[format]; exists {
		panic(fmt.Sprintf("feature: writer already registered for format=%q", format))
	}
	writers[format] = f
}

// DetectFormat maps a file name to a registered reader format by its longest
// matching extension (".city.jsonl" before ".jsonl"). It returns "" when
// nothing matches.
func DetectFormat(path string) string {
	codecMu.RLock()
	defer codecMu.RUnlock()

	name := strings.ToLower(filepath.Base(path))
	best, bestLen := "", 0
	for ext, format := range exts {
		if strings.HasSuffix(name, ext) && len(ext) > bestLen {
			best, bestLen = format, len(ext)
		}
	}
	return best
}

// NewReader builds a reader for format over r.
func NewReader(r io.Reader, format string, opts ReaderOptions) (Reader, error) {
	codecMu.RLock()
	f := readers[format]
	codecMu.RUnlock()
	if f == nil {
		return nil, fmt.Errorf("unsupported input format=%q (known: %s)", format, strings.Join(Formats(), ", "))
	}
	return f(r, opts)
}

// NewWriter builds a writer for format over w.
func NewWriter(w io.Writer, format string, opts WriterOptions) (Writer, error) {
	codecMu.RLock()
	f := writers[format]
	codecMu.RUnlock()
	if f == nil {
		return nil, fmt.Errorf("unsupported output format=%q", format)
	}
	return f(w, opts)
}

// Open opens path and returns a reader for it. An empty format is detected
// from the file extension. Closing the reader closes the file.
func Open(path, format, encoding string) (Reader, error) {
	if format == "" {
		format = DetectFormat(path)
		if format == "" {
			return nil, fmt.Errorf("cannot detect input format of %s", path)
		}
	}
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	r, err := NewReader(fh, format, ReaderOptions{Encoding: encoding})
	if err != nil {
		fh.Close()
		return nil, err
	}
	return &fileReader{Reader: r, f: fh}, nil
}

// Create creates (or truncates) path and returns a writer for it. Closing the
// writer closes the file.
func Create(path, format string, opts WriterOptions) (Writer, error) {
	fh, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create output: %w", err)
	}
	w, err := NewWriter(fh, format, opts)
	if err != nil {
		fh.Close()
		os.Remove(path)
		return nil, err
	}
	return &fileWriter{Writer: w, f: fh}, nil
}

// Formats returns the registered reader formats, sorted.
func Formats() []string {
	codecMu.RLock()
	defer codecMu.RUnlock()
	out := make([]string, 0, len(readers))
	for k := range readers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type fileReader struct {
	Reader
	f *os.File
}

func (r *fileReader) Close() error {
	err := r.Reader.Close()
	if cerr := r.f.Close(); err == nil {
		err = cerr
	}
	return err
}

type fileWriter struct {
	Writer
	f *os.File
}

func (w *fileWriter) Close() error {
	err := w.Writer.Close()
	if serr := w.f.Sync(); err == nil {
		err = serr
	}
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	return err
}
