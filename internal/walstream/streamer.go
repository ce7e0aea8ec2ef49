// Package walstream implements the replication-protocol-driven state
// machine that lands the `START_REPLICATION` copy stream into WAL
// segment files: own a WAL target directory, run until stopped or the
// upstream ends the stream, follow timeline switches in place. The
// engine drives the wire protocol itself through pgconn and pglogrepl
// rather than shelling out to a client binary.
package walstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/pgbckctl/pgbckctl/internal/archive"
	"github.com/pgbckctl/pgbckctl/internal/xlog"
)

// State is one node of the WAL streamer's state machine.
type State string

const (
	StateStartup          State = "STARTUP"
	StateStartPosition    State = "START_POSITION"
	StateStreaming        State = "STREAMING"
	StateEndPosition      State = "END_POSITION"
	StateTimelineSwitch   State = "TIMELINE_SWITCH"
	StateStreamingTimeout State = "STREAMING_TIMEOUT"
	StateStreamingIntr    State = "STREAMING_INTR"
	StateStreamingError   State = "STREAMING_ERROR"
	StateStreamingNoData  State = "STREAMING_NO_DATA"
	StateShutdown         State = "SHUTDOWN"
)

// MinReceiverStatusTimeout is the minimum legal receiver-status
// interval; lower values are refused.
const MinReceiverStatusTimeout = 10 * time.Second

// StopToken is polled once per loop iteration.
type StopToken interface {
	Stopped() bool
}

type neverStop struct{}

func (neverStop) Stopped() bool { return false }

// Sink receives landed WAL bytes and segment-boundary notifications;
// the Streamer itself only knows about an archive.Segment, but tests
// substitute a fake to observe synced-count without a real filesystem.
type Sink interface {
	OpenSegment(timeline uint32, pos xlog.Pos) error
	Write(p []byte) error
	SegmentFull() bool
	FinalizeSegment() error
	CloseSegment() error
	SegmentOffset() uint64
}

// archiveSink adapts internal/archive.Segment to Sink.
type archiveSink struct {
	dir     string
	segSize uint64
	cur     *archive.Segment
	synced  int
}

// NewArchiveSink builds a Sink that lands segments into dir.
func NewArchiveSink(dir string, segSize uint64) Sink {
	return &archiveSink{dir: dir, segSize: segSize}
}

func (s *archiveSink) OpenSegment(timeline uint32, pos xlog.Pos) error {
	seg, err := archive.OpenSegment(s.dir, timeline, pos, s.segSize)
	if err != nil {
		return err
	}
	s.cur = seg
	return nil
}

func (s *archiveSink) Write(p []byte) error { return s.cur.Write(p) }
func (s *archiveSink) SegmentFull() bool    { return s.cur != nil && s.cur.Full() }
func (s *archiveSink) SegmentOffset() uint64 {
	if s.cur == nil {
		return 0
	}
	return s.cur.Offset()
}

func (s *archiveSink) FinalizeSegment() error {
	if err := s.cur.Finalize(); err != nil {
		return err
	}
	s.synced++
	s.cur = nil
	return nil
}

func (s *archiveSink) CloseSegment() error {
	if s.cur == nil {
		return nil
	}
	err := s.cur.Close()
	s.cur = nil
	return err
}

// CountSynced reports the number of segments that have crossed their
// final boundary.
func (s *archiveSink) CountSynced() int { return s.synced }

// Config configures a Streamer.
type Config struct {
	SlotName              string
	Timeline              int32
	StartPos              xlog.Pos
	SegSize               uint64
	ReceiverStatusTimeout time.Duration
	PollTimeout           time.Duration
	StopToken             StopToken
}

// Streamer drives one `START_REPLICATION` session end to end.
type Streamer struct {
	conn *pgconn.PgConn
	cfg  Config
	sink Sink

	state       State
	timeline    int32
	writePos    xlog.Pos
	flushPos    atomic.Uint64 // read cross-goroutine by the orchestrator's wait_for_wal rendezvous
	lastStatus  time.Time
	segmentOpen bool
	statusDue   bool // a segment boundary was crossed since the last status update
}

// New constructs a Streamer bound to an already-connected replication
// connection (callers are expected to have dialed with
// replication=database in the connection string, per jackc/pgconn/pgx
// conventions).
func New(conn *pgconn.PgConn, sink Sink, cfg Config) (*Streamer, error) {
	if cfg.ReceiverStatusTimeout != 0 && cfg.ReceiverStatusTimeout < MinReceiverStatusTimeout {
		return nil, fmt.Errorf("walstream: receiver_status_timeout must be >= %s", MinReceiverStatusTimeout)
	}
	if cfg.ReceiverStatusTimeout == 0 {
		cfg.ReceiverStatusTimeout = MinReceiverStatusTimeout
	}
	if cfg.PollTimeout == 0 {
		cfg.PollTimeout = MinReceiverStatusTimeout
	}
	if cfg.SegSize == 0 {
		cfg.SegSize = xlog.DefaultSegmentSize
	}
	if cfg.StopToken == nil {
		cfg.StopToken = neverStop{}
	}
	s := &Streamer{conn: conn, cfg: cfg, sink: sink, state: StateStartup, timeline: cfg.Timeline, writePos: cfg.StartPos}
	s.flushPos.Store(uint64(cfg.StartPos))
	return s, nil
}

// State returns the streamer's current state-machine node.
func (s *Streamer) State() State { return s.state }

// FlushPosition returns the highest WAL position fsynced to disk so
// far. Safe to call from another goroutine while Run is in progress;
// the orchestrator's wait_for_wal rendezvous polls this.
func (s *Streamer) FlushPosition() xlog.Pos { return xlog.Pos(s.flushPos.Load()) }

// Run drives the state machine until the upstream cleanly ends the
// copy stream, the stop token trips, or an unrecoverable error occurs.
// A TIMELINE_SWITCH end-of-copy result loops back into START_POSITION
// on the new timeline rather than returning: Run only surfaces back to
// its caller on an actual shutdown or failure.
func (s *Streamer) Run(ctx context.Context) error {
	for {
		s.state = StateStartPosition
		if err := s.startReplication(ctx); err != nil {
			return err
		}
		s.state = StateStreaming
		s.lastStatus = time.Now()

		if err := s.streamOnce(ctx); err != nil {
			return err
		}
		if s.state == StateTimelineSwitch {
			continue
		}
		return nil
	}
}

// streamOnce drives one START_REPLICATION copy stream to its end:
// either the stop token trips, the connection fails, or the upstream
// sends CopyDone and the end-of-copy result is read. On return with a
// nil error, s.state is StateShutdown or StateTimelineSwitch.
func (s *Streamer) streamOnce(ctx context.Context) error {
	for {
		if s.cfg.StopToken.Stopped() {
			return s.shutdown(ctx)
		}

		deadline := s.nextStatusDeadline()
		msgCtx, cancel := context.WithDeadline(ctx, deadline)
		msg, err := s.conn.ReceiveMessage(msgCtx)
		cancel()

		if err != nil {
			if pgconn.Timeout(err) {
				s.state = StateStreamingTimeout
				if err := s.sendStatus(ctx, true); err != nil {
					return err
				}
				s.state = StateStreaming
				continue
			}
			if errors.Is(err, context.Canceled) {
				s.state = StateStreamingIntr
				return s.shutdown(ctx)
			}
			s.state = StateStreamingError
			return connFailure("receive-message", err)
		}

		switch m := msg.(type) {
		case *pgproto3.CopyData:
			if err := s.handleCopyData(ctx, m.Data); err != nil {
				s.state = StateStreamingError
				return err
			}
			// Status is also due on a crossed segment boundary and when
			// the interval elapses under a steady data flow (no timeout
			// ever fires then).
			if s.statusDue || time.Since(s.lastStatus) >= s.cfg.ReceiverStatusTimeout {
				if err := s.sendStatus(ctx, false); err != nil {
					return err
				}
			}
		case *pgproto3.CopyDone:
			s.state = StateEndPosition
			return s.handleEndOfCopy(ctx)
		case *pgproto3.ErrorResponse:
			s.state = StateStreamingError
			return protoFailure("receive-message", fmt.Errorf("%s", m.Message))
		default:
			s.state = StateStreamingError
			return protoFailure("receive-message", fmt.Errorf("unexpected message %T", m))
		}
	}
}

func (s *Streamer) startReplication(ctx context.Context) error {
	opts := pglogrepl.StartReplicationOptions{Timeline: s.timeline, Mode: pglogrepl.PhysicalReplication}
	if err := pglogrepl.StartReplication(ctx, s.conn, s.cfg.SlotName, pglogrepl.LSN(s.cfg.StartPos), opts); err != nil {
		return connFailure("start-replication", err)
	}
	return nil
}

func (s *Streamer) nextStatusDeadline() time.Time {
	elapsed := time.Since(s.lastStatus)
	remaining := s.cfg.ReceiverStatusTimeout - elapsed
	if remaining > s.cfg.PollTimeout {
		remaining = s.cfg.PollTimeout
	}
	if remaining < 0 {
		remaining = 0
	}
	return time.Now().Add(remaining)
}

func (s *Streamer) handleCopyData(ctx context.Context, data []byte) error {
	if len(data) == 0 {
		return &XLogMessageError{Detail: "empty CopyData payload"}
	}
	switch data[0] {
	case 'w':
		xld, err := pglogrepl.ParseXLogData(data[1:])
		if err != nil {
			return &XLogMessageError{Detail: err.Error()}
		}
		if err := s.landBytes(xlog.Pos(xld.WALStart), xld.WALData); err != nil {
			return err
		}
		if end := xlog.Pos(xld.WALStart) + xlog.Pos(len(xld.WALData)); end > s.writePos {
			s.writePos = end
		}
		return nil
	case 'k':
		pka, err := pglogrepl.ParsePrimaryKeepaliveMessage(data[1:])
		if err != nil {
			return &XLogMessageError{Detail: err.Error()}
		}
		if pka.ReplyRequested {
			return s.sendStatus(ctx, true)
		}
		return nil
	default:
		return &XLogMessageError{Detail: fmt.Sprintf("unknown CopyData kind %q", string(data[0]))}
	}
}

// landBytes implements the segment-handling algorithm: split the
// payload at segment boundaries, finalizing each completed segment
// and lazily opening the next.
func (s *Streamer) landBytes(pos xlog.Pos, payload []byte) error {
	for len(payload) > 0 {
		offset := pos.Offset(s.cfg.SegSize)
		if !s.segmentOpen {
			if err := s.sink.OpenSegment(uint32(s.timeline), pos); err != nil {
				return connFailure("open-segment", err)
			}
			s.segmentOpen = true
		}
		if s.sink.SegmentOffset() != offset {
			return &XLogMessageError{Detail: fmt.Sprintf("unexpected wal offset: segment cursor %d, message offset %d", s.sink.SegmentOffset(), offset)}
		}

		remaining := s.cfg.SegSize - offset
		n := uint64(len(payload))
		if n > remaining {
			n = remaining
		}
		if err := s.sink.Write(payload[:n]); err != nil {
			return connFailure("write-segment", err)
		}
		payload = payload[n:]
		pos += xlog.Pos(n)

		if s.sink.SegmentFull() {
			if err := s.sink.FinalizeSegment(); err != nil {
				return connFailure("finalize-segment", err)
			}
			s.flushPos.Store(uint64(pos))
			s.segmentOpen = false
			s.statusDue = true
		}
	}
	return nil
}

func (s *Streamer) sendStatus(ctx context.Context, replyRequested bool) error {
	err := pglogrepl.SendStandbyStatusUpdate(ctx, s.conn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: pglogrepl.LSN(s.writePos),
		WALFlushPosition: pglogrepl.LSN(s.flushPos.Load()),
		WALApplyPosition: pglogrepl.LSN(s.flushPos.Load()),
		ClientTime:       time.Now(),
		ReplyRequested:   replyRequested,
	})
	if err != nil {
		return connFailure("send-status", err)
	}
	s.lastStatus = time.Now()
	s.statusDue = false
	return nil
}

// endOfCopyReceiver is the slice of *pgconn.PgConn that handleEndOfCopy
// needs; tests substitute a fake fed from a canned message sequence
// instead of a real replication connection.
type endOfCopyReceiver interface {
	ReceiveMessage(ctx context.Context) (pgproto3.BackendMessage, error)
}

// handleEndOfCopy reads the result set the server sends after CopyDone.
// A plain CommandComplete/ReadyForQuery pair means the stream simply
// ended; a RowDescription/DataRow carrying (next_tli, next_tli_startpos)
// ahead of it means the stream ended on a timeline switch, and the new
// timeline/position are latched onto s.cfg for the next startReplication.
func (s *Streamer) handleEndOfCopy(ctx context.Context) error {
	return s.readEndOfCopy(ctx, s.conn)
}

func (s *Streamer) readEndOfCopy(ctx context.Context, recv endOfCopyReceiver) error {
	msg, err := recv.ReceiveMessage(ctx)
	if err != nil {
		return connFailure("end-of-copy", err)
	}

	switching := false
	var nextTimeline int32
	var nextPos xlog.Pos

	if _, ok := msg.(*pgproto3.RowDescription); ok {
		row, err := recv.ReceiveMessage(ctx)
		if err != nil {
			return connFailure("end-of-copy", err)
		}
		dataRow, ok := row.(*pgproto3.DataRow)
		if !ok {
			return protoFailure("end-of-copy", fmt.Errorf("expected DataRow after RowDescription, got %T", row))
		}
		if len(dataRow.Values) != 2 {
			return protoFailure("end-of-copy", fmt.Errorf("timeline switch result has %d columns, want 2", len(dataRow.Values)))
		}
		tli, err := strconv.ParseUint(string(dataRow.Values[0]), 10, 32)
		if err != nil {
			return protoFailure("end-of-copy", fmt.Errorf("malformed next timeline %q: %w", dataRow.Values[0], err))
		}
		pos, err := xlog.Parse(string(dataRow.Values[1]))
		if err != nil {
			return protoFailure("end-of-copy", fmt.Errorf("malformed next timeline start position %q: %w", dataRow.Values[1], err))
		}
		switching = true
		nextTimeline = int32(tli)
		nextPos = pos

		if msg, err = recv.ReceiveMessage(ctx); err != nil {
			return connFailure("end-of-copy", err)
		}
	}

	if _, ok := msg.(*pgproto3.CommandComplete); ok {
		if msg, err = recv.ReceiveMessage(ctx); err != nil {
			return connFailure("end-of-copy", err)
		}
	}

	if _, ok := msg.(*pgproto3.ReadyForQuery); !ok {
		return protoFailure("end-of-copy", fmt.Errorf("expected ReadyForQuery, got %T", msg))
	}

	if !switching {
		s.state = StateShutdown
		return nil
	}

	if err := s.sink.CloseSegment(); err != nil {
		return connFailure("close-segment", err)
	}
	s.segmentOpen = false
	s.timeline = nextTimeline
	s.writePos = nextPos
	s.cfg.Timeline = nextTimeline
	s.cfg.StartPos = nextPos
	s.flushPos.Store(uint64(nextPos))
	s.state = StateTimelineSwitch
	return nil
}

func (s *Streamer) shutdown(ctx context.Context) error {
	s.conn.Frontend().Send(&pgproto3.CopyDone{})
	if err := s.conn.Frontend().Flush(); err != nil {
		slog.Debug("walstream: best-effort copy-done flush failed", "error", err)
	}
	if err := s.sink.CloseSegment(); err != nil {
		slog.Warn("walstream: closing in-progress segment on shutdown", "error", err)
	}
	s.state = StateShutdown
	return nil
}
