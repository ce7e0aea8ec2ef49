package archive

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pgbckctl/pgbckctl/internal/xlog"
)

// Segment represents one open WAL segment file being written into
// "<archive>/log/" by the WAL streamer. It owns the file handle and
// enforces the partial-suffix discipline: a file may only drop its
// ".partial" suffix once its write cursor reaches segSize, and a
// partial file is always reopened for append-in-place.
type Segment struct {
	dir      string
	timeline uint32
	start    xlog.Pos
	segSize  uint64

	f       File
	written uint64
}

// OpenSegment opens (creating or resuming) the WAL segment that
// contains pos on the given timeline, inside dir (normally an
// Archive's LogDir). If a non-partial file of the right name
// already exists, that is a programming error: callers only ever open
// the segment they are about to write into.
func OpenSegment(dir string, timeline uint32, pos xlog.Pos, segSize uint64) (*Segment, error) {
	segStart := xlog.Pos(uint64(pos) - pos.Offset(segSize))
	name := xlog.SegmentName(timeline, segStart, segSize)
	partialPath := filepath.Join(dir, name+".partial")

	f, err := Open(partialPath, ReadWrite, Options{})
	if err != nil {
		return nil, wrap("open-segment", err)
	}
	info, err := f.Size()
	if err != nil {
		_ = f.Close()
		return nil, wrap("open-segment", err)
	}
	if _, err := f.Lseek(info, 0); err != nil {
		_ = f.Close()
		return nil, wrap("open-segment", err)
	}

	return &Segment{
		dir:      dir,
		timeline: timeline,
		start:    segStart,
		segSize:  segSize,
		f:        f,
		written:  uint64(info),
	}, nil
}

// Name returns the segment's base name (without the .partial suffix).
func (s *Segment) Name() string { return xlog.SegmentName(s.timeline, s.start, s.segSize) }

// Offset returns the current write cursor's offset within the segment.
func (s *Segment) Offset() uint64 { return s.written }

// Full reports whether the segment has reached segSize.
func (s *Segment) Full() bool { return s.written >= s.segSize }

// Write appends p, which must not cross the segment boundary; callers
// (the WAL streamer) are responsible for splitting payloads at the
// boundary before calling Write.
func (s *Segment) Write(p []byte) error {
	if s.written+uint64(len(p)) > s.segSize {
		return fmt.Errorf("archive: write would cross segment boundary (written=%d add=%d size=%d)", s.written, len(p), s.segSize)
	}
	n, err := s.f.Write(p)
	s.written += uint64(n)
	if err != nil {
		return wrap("segment-write", err)
	}
	return nil
}

// Finalize fsyncs the segment's data, atomically renames off the
// ".partial" suffix, and fsyncs the enclosing directory — the
// boundary-crossing durability unit. It must only be
// called once Full is true.
func (s *Segment) Finalize() error {
	if !s.Full() {
		return fmt.Errorf("archive: finalize called on non-full segment %s (%d/%d)", s.Name(), s.written, s.segSize)
	}
	if err := s.f.Fsync(); err != nil {
		return wrap("segment-finalize", err)
	}
	finalPath := filepath.Join(s.dir, s.Name())
	if err := s.f.Rename(finalPath); err != nil {
		return wrap("segment-finalize", err)
	}
	return wrap("segment-finalize", s.f.Close())
}

// Close closes the underlying handle without finalizing; used on
// shutdown/cancellation, leaving a ".partial" file for resumption.
func (s *Segment) Close() error {
	return wrap("segment-close", s.f.Close())
}

// ExistingPartials lists ".partial" WAL segment files in dir, used on
// startup to determine resumption points.
func ExistingPartials(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, wrap("existing-partials", err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".partial" {
			out = append(out, e.Name())
		}
	}
	return out, nil
}
