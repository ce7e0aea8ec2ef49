package archive

import "os"

// fsyncFile flushes f's contents to stable storage.
func fsyncFile(f *os.File) error {
	return f.Sync()
}

// fsyncDir flushes the directory entry metadata for dir to stable
// storage. This is the second half of the "fsync file, then fsync
// enclosing directory" durability discipline applied after any
// logically atomic unit completes (a closed WAL segment, a finished
// tarball, a dropped .partial suffix, a deleted directory entry).
func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
