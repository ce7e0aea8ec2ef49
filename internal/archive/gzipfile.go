package archive

import (
	"compress/gzip"
	"fmt"
)

// gzipFile composes a gzip encoder/decoder into a regularFile's
// read/write path: a pluggable filter in the file-handle abstraction,
// not a parallel type hierarchy.
type gzipFile struct {
	under *regularFile
	mode  OpenMode
	gw    *gzip.Writer
	gr    *gzip.Reader
}

func newGzipFile(under *regularFile, mode OpenMode) (File, error) {
	gf := &gzipFile{under: under, mode: mode}
	switch mode {
	case ReadOnly:
		gr, err := gzip.NewReader(under.f)
		if err != nil {
			return nil, wrap("gzip: open reader", err)
		}
		gf.gr = gr
	default:
		gf.gw = gzip.NewWriter(under.f)
	}
	return gf, nil
}

func (g *gzipFile) Read(p []byte) (int, error) {
	if g.gr == nil {
		return 0, fmt.Errorf("archive: gzip handle not open for reading")
	}
	return g.gr.Read(p)
}

func (g *gzipFile) Write(p []byte) (int, error) {
	if g.gw == nil {
		return 0, fmt.Errorf("archive: gzip handle not open for writing")
	}
	return g.gw.Write(p)
}

func (g *gzipFile) Path() string { return g.under.path }

func (g *gzipFile) Lseek(offset int64, whence int) (int64, error) {
	return 0, fmt.Errorf("archive: %w: lseek on compressed handle", errUnsupportedOnPiped)
}

func (g *gzipFile) Position() (int64, error) {
	return g.under.Position()
}

func (g *gzipFile) Fsync() error {
	if g.gw != nil {
		if err := g.gw.Flush(); err != nil {
			return wrap("gzip: flush", err)
		}
	}
	return g.under.Fsync()
}

func (g *gzipFile) Rename(newPath string) error { return g.under.Rename(newPath) }
func (g *gzipFile) Remove() error               { return g.under.Remove() }
func (g *gzipFile) Size() (int64, error)        { return g.under.Size() }

func (g *gzipFile) Close() error {
	var err error
	if g.gw != nil {
		err = g.gw.Close()
	}
	if g.gr != nil {
		err = g.gr.Close()
	}
	if cerr := g.under.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
