package copymgr

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// blockSize is the fixed buffer size used by the vectored copy loop.
const blockSize = 1 << 20 // 1 MiB

// queueDepth is the number of in-flight buffers/iovecs kept
// outstanding per file copy.
const queueDepth = 4

// vectoredBuffer owns queueDepth fixed-size buffers and a parallel
// array of I/O vectors, tracking the current file offset and the
// effective (possibly short) size of the most recent completion.
type vectoredBuffer struct {
	bufs    [queueDepth][]byte
	iov     []unix.Iovec
	offset  int64
	effSize [queueDepth]int
}

func newVectoredBuffer() *vectoredBuffer {
	vb := &vectoredBuffer{iov: make([]unix.Iovec, queueDepth)}
	for i := range vb.bufs {
		vb.bufs[i] = make([]byte, blockSize)
		vb.iov[i].SetLen(blockSize)
		vb.iov[i].Base = &vb.bufs[i][0]
	}
	return vb
}

func (vb *vectoredBuffer) setOffset(off int64) { vb.offset = off }

func (vb *vectoredBuffer) getEffectiveSize(i int) int { return vb.effSize[i] }

func (vb *vectoredBuffer) setEffectiveSize(i, n int) {
	vb.effSize[i] = n
	vb.iov[i].SetLen(n)
}

// copyFileVectored copies src to dst using preadv/pwritev in
// queueDepth-sized batches, fsyncing the destination before return.
func copyFileVectored(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	defer out.Close()

	vb := newVectoredBuffer()
	var offset int64
	for offset < info.Size() {
		n, err := readBatch(in, vb, offset)
		if err != nil {
			return fmt.Errorf("copymgr: preadv %s at %d: %w", src, offset, err)
		}
		if n == 0 {
			break
		}
		if err := writeBatch(out, vb, offset, n); err != nil {
			return fmt.Errorf("copymgr: pwritev %s at %d: %w", dst, offset, err)
		}
		offset += int64(n)
	}

	if err := out.Sync(); err != nil {
		return fmt.Errorf("copymgr: fsync %s: %w", dst, err)
	}
	return nil
}

// readBatch fills up to queueDepth buffers via a single preadv call
// and returns the total bytes read (possibly short of a full batch,
// which is normal at EOF).
func readBatch(f *os.File, vb *vectoredBuffer, offset int64) (int, error) {
	vb.setOffset(offset)
	for i := range vb.iov {
		// A prior short batch may have trimmed the vector lengths.
		vb.iov[i].SetLen(blockSize)
	}
	n, err := unix.Preadv(int(f.Fd()), vb.iov, offset)
	if err != nil {
		return 0, err
	}
	remaining := n
	for i := 0; i < queueDepth; i++ {
		take := blockSize
		if remaining < take {
			take = remaining
		}
		vb.setEffectiveSize(i, take)
		remaining -= take
		if remaining <= 0 {
			break
		}
	}
	return n, nil
}

// writeBatch writes the n bytes staged in vb back out via pwritev,
// trimming the trailing iovec to the effective size of the batch.
func writeBatch(f *os.File, vb *vectoredBuffer, offset int64, n int) error {
	remaining := n
	var iov []unix.Iovec
	for i := 0; i < queueDepth && remaining > 0; i++ {
		take := vb.getEffectiveSize(i)
		if take > remaining {
			take = remaining
		}
		entry := vb.iov[i]
		entry.SetLen(take)
		iov = append(iov, entry)
		remaining -= take
	}
	_, err := unix.Pwritev(int(f.Fd()), iov, offset)
	return err
}
