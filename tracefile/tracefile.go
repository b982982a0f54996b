// Package tracefile reads and writes CAN trace files. Formats register
// themselves from init; Open and Create pick one by extension, override or
// magic bytes and handle gzip transparently.
package tracefile

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"

	"github.com/roffe/canbus"
)

// Reader yields frames in file order. Next returns io.EOF at the end.
type Reader interface {
	Next() (*canbus.Frame, error)
	Close() error
}

// Writer appends frames. Close writes any footer and flushes; it must be
// called even after a failed Write. Writers built directly by a format leave
// the sink open; those from Create close the file.
type Writer interface {
	Write(*canbus.Frame) error
	Close() error
}

type Format struct {
	Name       string
	Extensions []string // lower case, with leading dot
	Magic      []byte   // optional leading bytes used for detection
	NewReader  func(io.Reader) (Reader, error)
	NewWriter  func(io.Writer) (Writer, error)
}

var (
	formatsMu sync.RWMutex
	formats   = map[string]*Format{}
)

func Register(f *Format) error {
	formatsMu.Lock()
	defer formatsMu.Unlock()
	name := strings.ToLower(f.Name)
	if _, found := formats[name]; found {
		return fmt.Errorf("format %q: %w", f.Name, canbus.ErrAlreadyRegistered)
	}
	formats[name] = f
	return nil
}

func Lookup(name string) (*Format, error) {
	formatsMu.RLock()
	defer formatsMu.RUnlock()
	if f, ok := formats[strings.ToLower(name)]; ok {
		return f, nil
	}
	return nil, fmt.Errorf("%q: %w", name, ErrUnknownFormat)
}

// ForPath selects a format by file extension, ignoring a trailing ".gz".
func ForPath(path string) (*Format, error) {
	ext := strings.ToLower(filepath.Ext(strings.TrimSuffix(strings.ToLower(path), ".gz")))
	formatsMu.RLock()
	defer formatsMu.RUnlock()
	for _, f := range formats {
		for _, e := range f.Extensions {
			if e == ext {
				return f, nil
			}
		}
	}
	return nil, fmt.Errorf("%s: %w", path, ErrUnknownFormat)
}

func forMagic(head []byte) *Format {
	formatsMu.RLock()
	defer formatsMu.RUnlock()
	for _, f := range formats {
		if len(f.Magic) > 0 && bytes.HasPrefix(head, f.Magic) {
			return f
		}
	}
	return nil
}

// Formats returns every registered format sorted by name.
func Formats() []*Format {
	formatsMu.RLock()
	defer formatsMu.RUnlock()
	out := make([]*Format, 0, len(formats))
	for _, f := range formats {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

type options struct {
	format string
	level  int
}

type Option func(*options)

// WithFormat bypasses extension and magic detection.
func WithFormat(name string) Option {
	return func(o *options) {
		o.format = name
	}
}

// WithGzipLevel sets the compression level for ".gz" output.
func WithGzipLevel(level int) Option {
	return func(o *options) {
		o.level = level
	}
}

func newOptions(opts []Option) *options {
	o := &options{level: gzip.DefaultCompression}
	for _, fn := range opts {
		fn(o)
	}
	return o
}

var gzipMagic = []byte{0x1f, 0x8b}

// Open opens a trace file for reading. Gzip input is detected by content.
func Open(path string, opts ...Option) (Reader, error) {
	o := newOptions(opts)
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	closers := []io.Closer{fh}
	var src io.Reader = bufio.NewReader(fh)
	if head, _ := src.(*bufio.Reader).Peek(len(gzipMagic)); bytes.Equal(head, gzipMagic) {
		zr, err := gzip.NewReader(src)
		if err != nil {
			fh.Close()
			return nil, &DecodeError{Format: "gzip", Kind: KindBadMagic, Err: err}
		}
		closers = append([]io.Closer{zr}, closers...)
		src = bufio.NewReader(zr)
	}
	format, err := selectFormat(path, o, src.(*bufio.Reader))
	if err != nil {
		closeAll(closers)
		return nil, err
	}
	r, err := format.NewReader(src)
	if err != nil {
		closeAll(closers)
		return nil, err
	}
	return &ownedReader{Reader: r, closers: closers}, nil
}

func selectFormat(path string, o *options, br *bufio.Reader) (*Format, error) {
	if o.format != "" {
		return Lookup(o.format)
	}
	if f, err := ForPath(path); err == nil {
		return f, nil
	}
	head, _ := br.Peek(8)
	if f := forMagic(head); f != nil {
		return f, nil
	}
	return nil, fmt.Errorf("%s: %w", path, ErrUnknownFormat)
}

// Create creates or truncates a trace file. A ".gz" suffix compresses the
// output.
func Create(path string, opts ...Option) (Writer, error) {
	o := newOptions(opts)
	var format *Format
	var err error
	if o.format != "" {
		format, err = Lookup(o.format)
	} else {
		format, err = ForPath(path)
	}
	if err != nil {
		return nil, err
	}
	fh, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	var dst io.Writer = fh
	closers := []io.Closer{fh}
	if strings.HasSuffix(strings.ToLower(path), ".gz") {
		zw, err := gzip.NewWriterLevel(fh, o.level)
		if err != nil {
			fh.Close()
			return nil, err
		}
		dst = zw
		closers = append([]io.Closer{zw}, closers...)
	}
	w, err := format.NewWriter(dst)
	if err != nil {
		closeAll(closers)
		return nil, err
	}
	return &ownedWriter{Writer: w, closers: closers}, nil
}

func closeAll(closers []io.Closer) error {
	var errs []error
	for _, c := range closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// ownedReader closes the underlying file at EOF, on a read failure and on
// Close. Decode errors leave it open so text formats can continue.
type ownedReader struct {
	Reader
	closers []io.Closer
	once    sync.Once
	err     error
}

func (r *ownedReader) Next() (*canbus.Frame, error) {
	f, err := r.Reader.Next()
	if err != nil && !IsDecodeError(err) {
		r.Close()
	}
	return f, err
}

func (r *ownedReader) Close() error {
	r.once.Do(func() {
		r.err = errors.Join(r.Reader.Close(), closeAll(r.closers))
	})
	return r.err
}

type ownedWriter struct {
	Writer
	closers []io.Closer
	once    sync.Once
	err     error
}

func (w *ownedWriter) Close() error {
	w.once.Do(func() {
		w.err = errors.Join(w.Writer.Close(), closeAll(w.closers))
	})
	return w.err
}

// All ranges over the frames of r. Decode errors are yielded and reading
// continues; any other error is yielded last.
func All(r Reader) iter.Seq2[*canbus.Frame, error] {
	return func(yield func(*canbus.Frame, error) bool) {
		for {
			f, err := r.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				if !yield(nil, err) || !IsDecodeError(err) {
					return
				}
				continue
			}
			if !yield(f, nil) {
				return
			}
		}
	}
}

// WithWriter creates path, hands the writer to fn and closes it afterwards.
func WithWriter(path string, fn func(Writer) error, opts ...Option) (err error) {
	w, err := Create(path, opts...)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, w.Close())
	}()
	return fn(w)
}

// AsListener lets a Notifier feed a Writer. Stopping the notifier closes w.
func AsListener(w Writer) canbus.Listener {
	return &listener{w: w}
}

type listener struct {
	mu sync.Mutex
	w  Writer
}

func (l *listener) OnFrame(f *canbus.Frame) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(f)
}

func (l *listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Close()
}
