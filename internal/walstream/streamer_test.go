package walstream

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/stretchr/testify/require"

	"github.com/pgbckctl/pgbckctl/internal/xlog"
)

// fakeSink is an in-memory Sink used to exercise the segment-landing
// algorithm without touching the filesystem.
type fakeSink struct {
	segSize   uint64
	data      []byte // bytes written to the currently open segment
	finalized [][]byte
	open      bool
}

func (f *fakeSink) OpenSegment(timeline uint32, pos xlog.Pos) error {
	f.open = true
	f.data = nil
	return nil
}

func (f *fakeSink) Write(p []byte) error {
	f.data = append(f.data, p...)
	return nil
}

func (f *fakeSink) SegmentFull() bool { return uint64(len(f.data)) >= f.segSize }

func (f *fakeSink) SegmentOffset() uint64 {
	if !f.open {
		return 0
	}
	return uint64(len(f.data))
}

func (f *fakeSink) FinalizeSegment() error {
	f.finalized = append(f.finalized, f.data)
	f.data = nil
	f.open = false
	return nil
}

func (f *fakeSink) CloseSegment() error {
	f.open = false
	f.data = nil
	return nil
}

func newTestStreamer(segSize uint64) (*Streamer, *fakeSink) {
	sink := &fakeSink{segSize: segSize}
	s := &Streamer{
		cfg:   Config{SegSize: segSize},
		sink:  sink,
		state: StateStreaming,
	}
	return s, sink
}

// TestLandBytes_Rollover exercises segment rollover at a small segment
// size: 6 bytes of 0xAA then 6 bytes of 0xBB against a 8-byte segment.
func TestLandBytes_Rollover(t *testing.T) {
	s, sink := newTestStreamer(8)

	first := make([]byte, 6)
	for i := range first {
		first[i] = 0xAA
	}
	require.NoError(t, s.landBytes(0, first))
	require.False(t, sink.SegmentFull())

	second := make([]byte, 6)
	for i := range second {
		second[i] = 0xBB
	}
	require.NoError(t, s.landBytes(6, second))

	require.Len(t, sink.finalized, 1)
	require.Len(t, sink.finalized[0], 8)
	for i := 0; i < 6; i++ {
		require.Equal(t, byte(0xAA), sink.finalized[0][i])
	}
	for i := 6; i < 8; i++ {
		require.Equal(t, byte(0xBB), sink.finalized[0][i])
	}
	// Remaining 4 bytes of the second write land in the next segment.
	require.Equal(t, 4, len(sink.data))
	require.Equal(t, xlog.Pos(8), s.FlushPosition())
}

func TestLandBytes_UnexpectedOffset(t *testing.T) {
	s, _ := newTestStreamer(8)
	require.NoError(t, s.landBytes(0, []byte{1, 2}))
	err := s.landBytes(5, []byte{3, 4})
	require.Error(t, err)
	var xerr *XLogMessageError
	require.ErrorAs(t, err, &xerr)
}

// TestArchiveSink_CountSynced drives landBytes through a real
// archiveSink into a temp directory: countSynced must equal the
// number of segments that crossed their final boundary, with the
// trailing remainder left as a .partial file.
func TestArchiveSink_CountSynced(t *testing.T) {
	const segSize = 4096
	dir := t.TempDir()
	sink := NewArchiveSink(dir, segSize)
	s := &Streamer{cfg: Config{SegSize: segSize}, sink: sink, timeline: 1, state: StateStreaming}

	payload := make([]byte, 3*segSize+100)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	require.NoError(t, s.landBytes(0, payload))

	counter, ok := sink.(interface{ CountSynced() int })
	require.True(t, ok)
	require.Equal(t, 3, counter.CountSynced())
	require.Equal(t, xlog.Pos(3*segSize), s.FlushPosition())

	for seg := uint64(0); seg < 3; seg++ {
		name := xlog.SegmentName(1, xlog.Pos(seg*segSize), segSize)
		info, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err)
		require.EqualValues(t, segSize, info.Size())
	}
	info, err := os.Stat(filepath.Join(dir, xlog.SegmentName(1, xlog.Pos(3*segSize), segSize)+".partial"))
	require.NoError(t, err)
	require.EqualValues(t, 100, info.Size())
}

// encodeXLogData builds a raw 'w' CopyData payload as pglogrepl.ParseXLogData expects it.
func encodeXLogData(walStart uint64, payload []byte) []byte {
	buf := make([]byte, 1+8+8+8+len(payload))
	buf[0] = 'w'
	binary.BigEndian.PutUint64(buf[1:9], walStart)
	binary.BigEndian.PutUint64(buf[9:17], walStart+uint64(len(payload)))
	binary.BigEndian.PutUint64(buf[17:25], uint64(time.Now().UnixMicro()))
	copy(buf[25:], payload)
	return buf
}

func TestHandleCopyData_XLogData(t *testing.T) {
	s, sink := newTestStreamer(16)
	payload := []byte("abcdefgh")
	err := s.handleCopyData(nil, encodeXLogData(0, payload)) //nolint:staticcheck // nil ctx ok, no network call on this path
	require.NoError(t, err)
	require.Equal(t, payload, sink.data)
}

func TestHandleCopyData_UnknownKind(t *testing.T) {
	s, _ := newTestStreamer(16)
	err := s.handleCopyData(nil, []byte{'z', 1, 2, 3})
	require.Error(t, err)
	var xerr *XLogMessageError
	require.ErrorAs(t, err, &xerr)
}

func TestHandleCopyData_Empty(t *testing.T) {
	s, _ := newTestStreamer(16)
	err := s.handleCopyData(nil, nil)
	require.Error(t, err)
}

// queuedReceiver replays a canned message sequence, standing in for
// the end-of-copy result set a real replication connection would send.
type queuedReceiver struct {
	msgs []pgproto3.BackendMessage
}

func (q *queuedReceiver) ReceiveMessage(ctx context.Context) (pgproto3.BackendMessage, error) {
	if len(q.msgs) == 0 {
		return nil, errors.New("queuedReceiver: exhausted")
	}
	m := q.msgs[0]
	q.msgs = q.msgs[1:]
	return m, nil
}

// TestReadEndOfCopy_PlainShutdown covers the CommandComplete/ReadyForQuery
// sequence the server sends when the stream simply ends.
func TestReadEndOfCopy_PlainShutdown(t *testing.T) {
	s, _ := newTestStreamer(16)
	recv := &queuedReceiver{msgs: []pgproto3.BackendMessage{
		&pgproto3.CommandComplete{CommandTag: []byte("START_REPLICATION")},
		&pgproto3.ReadyForQuery{TxStatus: 'I'},
	}}
	require.NoError(t, s.readEndOfCopy(context.Background(), recv))
	require.Equal(t, StateShutdown, s.state)
}

// TestReadEndOfCopy_TimelineSwitch covers a timeline switch: the server
// announces timeline 2 starting at 0/5000000 (segment 5 at a 16MiB
// segment size), and readEndOfCopy must land that onto the streamer's
// config instead of treating the stream as done.
func TestReadEndOfCopy_TimelineSwitch(t *testing.T) {
	s, sink := newTestStreamer(xlog.DefaultSegmentSize)
	require.NoError(t, s.landBytes(0, []byte("abc"))) // leaves a segment open on the old timeline

	recv := &queuedReceiver{msgs: []pgproto3.BackendMessage{
		&pgproto3.RowDescription{Fields: []pgproto3.FieldDescription{{Name: []byte("next_tli")}, {Name: []byte("next_tli_startpos")}}},
		&pgproto3.DataRow{Values: [][]byte{[]byte("2"), []byte("0/5000000")}},
		&pgproto3.CommandComplete{CommandTag: []byte("START_REPLICATION")},
		&pgproto3.ReadyForQuery{TxStatus: 'I'},
	}}
	require.NoError(t, s.readEndOfCopy(context.Background(), recv))

	require.Equal(t, StateTimelineSwitch, s.state)
	require.Equal(t, int32(2), s.timeline)
	require.Equal(t, xlog.Pos(0x5000000), s.writePos)
	require.Equal(t, int32(2), s.cfg.Timeline)
	require.Equal(t, xlog.Pos(0x5000000), s.cfg.StartPos)
	require.False(t, s.segmentOpen)
	require.Equal(t, "000000020000000000000005", xlog.SegmentName(uint32(s.timeline), s.cfg.StartPos, xlog.DefaultSegmentSize))
	require.False(t, sink.open) // the old timeline's segment was closed, not finalized
	require.Empty(t, sink.finalized)
}

func TestReadEndOfCopy_UnexpectedMessage(t *testing.T) {
	s, _ := newTestStreamer(16)
	recv := &queuedReceiver{msgs: []pgproto3.BackendMessage{
		&pgproto3.ErrorResponse{Message: "boom"},
	}}
	err := s.readEndOfCopy(context.Background(), recv)
	require.Error(t, err)
}
