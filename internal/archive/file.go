package archive

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// OpenMode selects the POSIX-ish open semantics for a File.
type OpenMode int

const (
	ReadOnly OpenMode = iota
	WriteOnly
	ReadWrite
	Append
)

func (m OpenMode) flags() int {
	switch m {
	case ReadOnly:
		return os.O_RDONLY
	case WriteOnly:
		return os.O_WRONLY | os.O_CREATE
	case Append:
		return os.O_WRONLY | os.O_CREATE | os.O_APPEND
	default:
		return os.O_RDWR | os.O_CREATE
	}
}

// File is the capability surface every archive file handle exposes:
// open/close/read/write/lseek/position/fsync/rename/remove/getSize.
// Rename and Lseek are unsupported on piped handles.
type File interface {
	io.ReadWriteCloser
	Lseek(offset int64, whence int) (int64, error)
	Position() (int64, error)
	Fsync() error
	Rename(newPath string) error
	Remove() error
	Size() (int64, error)
	Path() string
}

// Options configure Open. The zero value opens a plain, uncompressed,
// non-temporary, non-piped regular file handle.
type Options struct {
	Temporary  bool // unlink on Close
	Compressed bool // wrap read/write path with gzip framing
	Piped      *PipeSpec
}

// Open returns a File for path under the given mode and options.
func Open(path string, mode OpenMode, opts Options) (File, error) {
	if opts.Piped != nil {
		return openPiped(path, mode, *opts.Piped)
	}

	f, err := os.OpenFile(path, mode.flags(), 0o644)
	if err != nil {
		return nil, wrap("open", err)
	}
	rf := &regularFile{f: f, path: path, temporary: opts.Temporary}
	if opts.Compressed {
		return newGzipFile(rf, mode)
	}
	return rf, nil
}

// regularFile is the plain os.File-backed implementation.
type regularFile struct {
	f         *os.File
	path      string
	temporary bool
}

func (r *regularFile) Read(p []byte) (int, error)  { return r.f.Read(p) }
func (r *regularFile) Write(p []byte) (int, error) { return r.f.Write(p) }
func (r *regularFile) Path() string                { return r.path }

func (r *regularFile) Lseek(offset int64, whence int) (int64, error) {
	return r.f.Seek(offset, whence)
}

func (r *regularFile) Position() (int64, error) {
	return r.f.Seek(0, io.SeekCurrent)
}

func (r *regularFile) Fsync() error { return fsyncFile(r.f) }

func (r *regularFile) Rename(newPath string) error {
	if err := os.Rename(r.path, newPath); err != nil {
		return wrap("rename", err)
	}
	if err := fsyncDir(filepath.Dir(newPath)); err != nil {
		return wrap("rename: fsync dir", err)
	}
	r.path = newPath
	return nil
}

func (r *regularFile) Remove() error {
	return wrap("remove", os.Remove(r.path))
}

func (r *regularFile) Size() (int64, error) {
	info, err := r.f.Stat()
	if err != nil {
		return 0, wrap("size", err)
	}
	return info.Size(), nil
}

func (r *regularFile) Close() error {
	err := r.f.Close()
	if r.temporary {
		if rmErr := os.Remove(r.path); rmErr != nil && err == nil {
			err = rmErr
		}
	}
	if err != nil {
		return wrap("close", err)
	}
	return nil
}

var errUnsupportedOnPiped = fmt.Errorf("archive: operation unsupported on piped handle")
