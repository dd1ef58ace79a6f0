// Package fsdrive serves a read-only drive from an io/fs file system.
//
// Filenames are slash separated; a leading slash is ignored, so "/state.json"
// and "state.json" name the same file. Only read modes are accepted and
// directories cannot be opened.
package fsdrive

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"
	"sync"

	"github.com/wippyai/wasm-drive/drive"
	"github.com/wippyai/wasm-drive/drive/fdtable"
	"github.com/wippyai/wasm-drive/errors"
)

var (
	ErrMode          = stderrors.New("unsupported mode")
	ErrIsDir         = stderrors.New("is a directory")
	ErrBadDescriptor = stderrors.New("bad file descriptor")
)

// Drive is a drive.Drive over an fs.FS. Safe for concurrent use; reads on one
// descriptor are serialized.
type Drive struct {
	fsys  fs.FS
	files *fdtable.Table[*openFile]
}

type openFile struct {
	f    fs.File
	name string
	mu   sync.Mutex
}

func (o *openFile) Drop() {
	o.f.Close()
}

// Option configures a Drive.
type Option func(*options)

type options struct {
	maxOpen int
}

// WithMaxOpen caps the number of simultaneously open descriptors.
func WithMaxOpen(n int) Option {
	return func(o *options) { o.maxOpen = n }
}

// New returns a drive serving fsys.
func New(fsys fs.FS, opts ...Option) *Drive {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return &Drive{
		fsys:  fsys,
		files: fdtable.New[*openFile](o.maxOpen),
	}
}

// Factory registers d as the same handle on every resolution.
func Factory(d *Drive) drive.Factory {
	return drive.Static(drive.Async(d))
}

// FS returns the served file system.
func (d *Drive) FS() fs.FS {
	return d.fsys
}

// ReadMode reports whether mode is a read-only fopen mode.
func ReadMode(mode string) bool {
	switch mode {
	case "", "r", "rb":
		return true
	}
	return false
}

// Clean maps a drive filename onto an fs.FS path.
func Clean(filename string) (string, bool) {
	name := strings.TrimPrefix(path.Clean("/"+filename), "/")
	if name == "" {
		name = "."
	}
	return name, fs.ValidPath(name)
}

func (d *Drive) Open(ctx context.Context, filename, mode string) (int32, error) {
	if !ReadMode(mode) {
		return -1, errors.Rejected(errors.PhaseOpen, filename, fmt.Errorf("%w %q", ErrMode, mode))
	}
	name, ok := Clean(filename)
	if !ok {
		return -1, errors.Rejected(errors.PhaseOpen, filename, fs.ErrInvalid)
	}

	f, err := d.fsys.Open(name)
	if err != nil {
		return -1, errors.Rejected(errors.PhaseOpen, filename, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return -1, errors.Rejected(errors.PhaseOpen, filename, err)
	}
	if info.IsDir() {
		f.Close()
		return -1, errors.Rejected(errors.PhaseOpen, filename, ErrIsDir)
	}

	fd, err := d.files.Insert(&openFile{f: f, name: name})
	if err != nil {
		f.Close()
		return -1, errors.Rejected(errors.PhaseOpen, filename, err)
	}
	return fd, nil
}

// Read fills as much of p as the file holds from the current position.
// A short count means end of data was reached.
func (d *Drive) Read(ctx context.Context, fd int32, p []byte) (int, error) {
	of, ok := d.files.Get(fd)
	if !ok {
		return -1, errors.Rejected(errors.PhaseRead, "", fmt.Errorf("%w %d", ErrBadDescriptor, fd))
	}

	of.mu.Lock()
	defer of.mu.Unlock()

	n, err := io.ReadFull(of.f, p)
	switch {
	case err == nil, stderrors.Is(err, io.EOF), stderrors.Is(err, io.ErrUnexpectedEOF):
		return n, nil
	default:
		return -1, errors.Rejected(errors.PhaseRead, of.name, err)
	}
}

// Close releases fd. The guest boundary exposes no close, so hosts call this
// when they know a descriptor is finished with.
func (d *Drive) Close(fd int32) error {
	if _, ok := d.files.Remove(fd); !ok {
		return fmt.Errorf("%w %d", ErrBadDescriptor, fd)
	}
	return nil
}

// OpenFiles returns the number of open descriptors.
func (d *Drive) OpenFiles() int {
	return d.files.Len()
}

// Shutdown closes every descriptor.
func (d *Drive) Shutdown() error {
	return d.files.Close()
}
