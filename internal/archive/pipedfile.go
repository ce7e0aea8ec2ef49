package archive

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
)

// PipeSpec names an external helper process to bridge a File's
// read/write path through, e.g. an external compressor.
type PipeSpec struct {
	Command string
	Args    []string
}

// pipedFile spawns Command and bridges its stdin or stdout to
// Read/Write. Rename and Lseek are unsupported on piped handles.
type pipedFile struct {
	path string
	cmd  *exec.Cmd
	in   io.WriteCloser // set when mode writes into the child's stdin
	out  io.ReadCloser  // set when mode reads from the child's stdout
}

func openPiped(path string, mode OpenMode, spec PipeSpec) (File, error) {
	cmd := exec.Command(spec.Command, spec.Args...)
	pf := &pipedFile{path: path, cmd: cmd}

	if mode == ReadOnly {
		out, err := cmd.StdoutPipe()
		if err != nil {
			return nil, wrap("piped open", err)
		}
		cmd.Stderr = os.Stderr
		pf.out = out
	} else {
		in, err := cmd.StdinPipe()
		if err != nil {
			return nil, wrap("piped open", err)
		}
		cmd.Stderr = os.Stderr
		pf.in = in
	}

	if err := cmd.Start(); err != nil {
		return nil, wrap("piped open: start", err)
	}
	return pf, nil
}

func (p *pipedFile) Read(b []byte) (int, error) {
	if p.out == nil {
		return 0, fmt.Errorf("archive: piped handle not open for reading")
	}
	return p.out.Read(b)
}

func (p *pipedFile) Write(b []byte) (int, error) {
	if p.in == nil {
		return 0, fmt.Errorf("archive: piped handle not open for writing")
	}
	return p.in.Write(b)
}

func (p *pipedFile) Path() string { return p.path }

func (p *pipedFile) Lseek(offset int64, whence int) (int64, error) {
	return 0, fmt.Errorf("archive: %w: lseek", errUnsupportedOnPiped)
}

func (p *pipedFile) Position() (int64, error) {
	return 0, fmt.Errorf("archive: %w: position", errUnsupportedOnPiped)
}

// Fsync is a no-op: durability of a piped handle's ultimate output is
// the caller's responsibility once the child process has exited and
// produced the file at Path.
func (p *pipedFile) Fsync() error { return nil }

func (p *pipedFile) Rename(string) error {
	return fmt.Errorf("archive: %w: rename", errUnsupportedOnPiped)
}

func (p *pipedFile) Remove() error { return wrap("remove", os.Remove(p.path)) }

func (p *pipedFile) Size() (int64, error) {
	info, err := os.Stat(p.path)
	if err != nil {
		return 0, wrap("size", err)
	}
	return info.Size(), nil
}

func (p *pipedFile) Close() error {
	var err error
	if p.in != nil {
		err = p.in.Close()
	}
	if p.out != nil {
		_, _ = io.Copy(io.Discard, p.out)
	}
	if werr := p.cmd.Wait(); werr != nil && err == nil {
		err = werr
	}
	if err != nil {
		slog.Warn("archive: piped handle exited with error", "cmd", p.cmd.Path, "err", err)
		return wrap("close", err)
	}
	return nil
}
