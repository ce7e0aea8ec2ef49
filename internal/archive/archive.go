// Package archive implements the on-disk archive layout: a named
// root directory holding one cluster's base backups (base/) and WAL
// segments (log/), plus the typed file handles used to write into it
// durably. Every logically atomic unit (a closed WAL segment, a
// finished tarball, a dropped .partial suffix) is fsynced and its
// parent directory fsynced behind it.
package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pgbckctl/pgbckctl/internal/util/fs"
)

// Kind identifies one of the archive's fixed directory roles.
type Kind int

const (
	// KindRoot is "<archive>/".
	KindRoot Kind = iota
	// KindBase is "<archive>/base/streambackup-<timestamp>/".
	KindBase
	// KindLog is "<archive>/log/".
	KindLog
)

// MagicFileName marks an initialized archive root.
const MagicFileName = "PG_BACKUP_CTL_MAGIC"

// CatalogFileName is the embedded catalog database's file name.
const CatalogFileName = ".pg_backup_ctl.sqlite"

const streamBackupTimeLayout = "20060102150405"

// Error distinguishes archive-layout failures from other error kinds.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("archive: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}

// Archive represents one registered archive root directory.
type Archive struct {
	Name        string
	Path        string // absolute path to the root directory
	Compression bool   // default compression for new base backups
}

// New returns an Archive handle for an existing or to-be-created root.
func New(name, path string, compression bool) *Archive {
	return &Archive{Name: name, Path: filepath.Clean(path), Compression: compression}
}

// Root returns the archive root directory.
func (a *Archive) Root() string { return a.Path }

// BaseDir returns "<archive>/base/".
func (a *Archive) BaseDir() string { return filepath.Join(a.Path, "base") }

// LogDir returns "<archive>/log/".
func (a *Archive) LogDir() string { return filepath.Join(a.Path, "log") }

// CatalogPath returns the path of the embedded catalog database file.
func (a *Archive) CatalogPath() string { return filepath.Join(a.Path, CatalogFileName) }

// MagicPath returns the path of the archive marker file.
func (a *Archive) MagicPath() string { return filepath.Join(a.Path, MagicFileName) }

// Init creates the root/base/log directories and writes the magic
// marker file. It is idempotent: calling it on an already-initialized
// archive is not an error.
func (a *Archive) Init() error {
	for _, dir := range []string{a.Path, a.BaseDir(), a.LogDir()} {
		if err := fs.MkdirP(dir); err != nil {
			return wrap("init", err)
		}
	}
	if _, err := os.Stat(a.MagicPath()); os.IsNotExist(err) {
		if err := os.WriteFile(a.MagicPath(), []byte(a.Name+"\n"), 0o644); err != nil {
			return wrap("init: write magic", err)
		}
		if err := fsyncDir(a.Path); err != nil {
			return wrap("init: fsync root", err)
		}
	}
	return nil
}

// EnsureLayout verifies that base/ and log/ exist; both must exist
// before any write lands in the archive.
func (a *Archive) EnsureLayout() error {
	for _, dir := range []string{a.BaseDir(), a.LogDir()} {
		info, err := os.Stat(dir)
		if err != nil {
			return wrap("ensure-layout", fmt.Errorf("missing required directory %s: %w", dir, err))
		}
		if !info.IsDir() {
			return wrap("ensure-layout", fmt.Errorf("%s is not a directory", dir))
		}
	}
	return nil
}

// NewStreamingBackupDir creates a fresh "streambackup-<timestamp>"
// directory under base/ for one base backup. It fails if the target
// already exists, so concurrent backups never collide.
func (a *Archive) NewStreamingBackupDir(ts time.Time) (string, error) {
	name := "streambackup-" + ts.Format(streamBackupTimeLayout)
	dir := filepath.Join(a.BaseDir(), name)
	if _, err := os.Stat(dir); err == nil {
		return "", wrap("new-streaming-backup-dir", fmt.Errorf("%s already exists", dir))
	} else if !os.IsNotExist(err) {
		return "", wrap("new-streaming-backup-dir", err)
	}
	if err := os.Mkdir(dir, 0o755); err != nil {
		return "", wrap("new-streaming-backup-dir", err)
	}
	if err := fsyncDir(a.BaseDir()); err != nil {
		return "", wrap("new-streaming-backup-dir", err)
	}
	return dir, nil
}

// RemoveStreamingBackupDir deletes a base backup's directory tree and
// fsyncs the parent, completing the "deleted directory entry" unit of
// durability.
func (a *Archive) RemoveStreamingBackupDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return wrap("remove-streaming-backup-dir", err)
	}
	return wrap("remove-streaming-backup-dir", fsyncDir(a.BaseDir()))
}

// TablespaceArchiveName returns the tarball name for a tablespace OID,
// e.g. "16385.tar" or "16385.tar.gz" when compressed.
func TablespaceArchiveName(oid uint32, compressed bool) string {
	if compressed {
		return fmt.Sprintf("%d.tar.gz", oid)
	}
	return fmt.Sprintf("%d.tar", oid)
}

// ManifestFileName is the fixed name of a base backup's manifest file.
const ManifestFileName = "backup_manifest"

// ListWALSegments returns every fully-written (non-.partial) WAL
// segment file name present in log/, used by the retention engine to
// find deletion candidates below a cleanup boundary.
func (a *Archive) ListWALSegments() ([]string, error) {
	entries, err := os.ReadDir(a.LogDir())
	if err != nil {
		return nil, wrap("list-wal-segments", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".partial") {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

// RemoveWALSegment deletes one WAL segment file from log/ by name.
// Unlike RemoveStreamingBackupDir, failures here are reported to the
// caller to count rather than treated as fatal: a deletion failure on
// one segment must not abort cleanup of the rest.
func (a *Archive) RemoveWALSegment(name string) error {
	return wrap("remove-wal-segment", os.Remove(filepath.Join(a.LogDir(), name)))
}
