// Package basebackup drives the server-side `BASE_BACKUP` command and
// materializes its per-tablespace tarball stream plus optional
// manifest into one streaming backup directory. It speaks to the
// server directly through pgconn's frontend: BASE_BACKUP's
// multiplexed per-tablespace CopyData framing has no high-level
// driver support to reuse.
package basebackup

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/pgbckctl/pgbckctl/internal/archive"
)

// State is one node of the base-backup pipeline's state machine.
type State string

const (
	StateInit                    State = "INIT"
	StateStarted                 State = "STARTED"
	StateStartPosition           State = "START_POSITION"
	StateTablespaceMeta          State = "TABLESPACE_META"
	StateTablespaceReady         State = "TABLESPACE_READY"
	StateStepTablespace          State = "STEP_TABLESPACE"
	StateStepTablespaceBase      State = "STEP_TABLESPACE_BASE"
	StateStepTablespaceInterrupt State = "STEP_TABLESPACE_INTERRUPTED"
	StateManifestInterrupted     State = "MANIFEST_INTERRUPTED"
	StateEOB                     State = "EOB"
)

// StopToken is polled between tablespaces and within the drain loop.
type StopToken interface {
	Stopped() bool
}

type neverStop struct{}

func (neverStop) Stopped() bool { return false }

// Tablespace describes one tablespace queued for receipt.
type Tablespace struct {
	OID       uint32
	Location  string
	IsDefault bool
	SizeBytes int64
}

// Options configures one BASE_BACKUP invocation, mirroring the
// backup-profile fields that affect the command text.
type Options struct {
	Label             string
	FastCheckpoint    bool
	IncludeWAL        bool
	VerifyChecksums   bool
	Manifest          bool
	ManifestChecksums string
	MaxRateKBPerSec   int64
	Compress          bool
}

// BuildCommand renders the SQL-like BASE_BACKUP command text per the
// replication protocol grammar (PostgreSQL 15+, which always uses the
// tar format over the framed CopyData subprotocol).
func (o Options) BuildCommand() string {
	cmd := fmt.Sprintf("BASE_BACKUP (LABEL '%s', TABLESPACE_MAP", o.Label)
	if o.FastCheckpoint {
		cmd += ", FAST"
	}
	if o.IncludeWAL {
		cmd += ", WAL"
	}
	if o.VerifyChecksums {
		cmd += ", VERIFY_CHECKSUMS"
	} else {
		cmd += ", NOVERIFY_CHECKSUMS"
	}
	if o.Manifest {
		cmd += ", MANIFEST 'yes'"
		if o.ManifestChecksums != "" {
			cmd += fmt.Sprintf(", MANIFEST_CHECKSUMS '%s'", o.ManifestChecksums)
		}
	} else {
		cmd += ", MANIFEST 'no'"
	}
	if o.MaxRateKBPerSec > 0 {
		cmd += fmt.Sprintf(", MAX_RATE %d", o.MaxRateKBPerSec)
	}
	cmd += ")"
	return cmd
}

// pgConnLike is the slice of *pgconn.PgConn the pipeline drives;
// tests substitute a fake fed from a canned message sequence instead
// of a real replication connection.
type pgConnLike interface {
	ReceiveMessage(ctx context.Context) (pgproto3.BackendMessage, error)
	Frontend() *pgproto3.Frontend
}

// Pipeline drives one BASE_BACKUP session to completion.
type Pipeline struct {
	conn      pgConnLike
	outputDir string
	opts      Options
	stop      StopToken

	state       State
	tablespaces []Tablespace
	done        []Tablespace
	manifestReq bool

	startPos string
	stopPos  string
	timeline uint32

	current     *Tablespace
	currentFile archive.File
	manifest    archive.File
	synced      int

	// pendingOpen is set once a tablespace's closing `n`/`m` frame has
	// been consumed: that frame doubles as the next archive's own
	// opening marker, so the next drainOneArchive call must not wait
	// for a second one.
	pendingOpen bool
}

// New constructs a Pipeline bound to an already-connected replication
// connection. outputDir must exist (the caller creates it via
// archive.Archive.NewStreamingBackupDir before calling Run).
func New(conn *pgconn.PgConn, outputDir string, opts Options, stop StopToken) *Pipeline {
	if stop == nil {
		stop = neverStop{}
	}
	return &Pipeline{conn: conn, outputDir: outputDir, opts: opts, stop: stop, state: StateInit}
}

// State returns the pipeline's current state-machine node.
func (p *Pipeline) State() State { return p.state }

// SyncedCount returns the number of tarballs (plus manifest) fully
// drained and fsynced so far.
func (p *Pipeline) SyncedCount() int { return p.synced }

// Tablespaces returns every tablespace descriptor drained so far, in
// receipt order, for the caller to record as backup_tablespaces rows.
func (p *Pipeline) Tablespaces() []Tablespace { return p.done }

// StartPos returns the backup's start WAL position as reported by the
// server's first result set, in "hi/lo" text form.
func (p *Pipeline) StartPos() string { return p.startPos }

// StopPos returns the backup's stop WAL position from the result set
// the server sends after the copy stream ends. Empty until Run has
// reached EOB.
func (p *Pipeline) StopPos() string { return p.stopPos }

// Timeline returns the timeline id reported alongside the start
// position.
func (p *Pipeline) Timeline() uint32 { return p.timeline }

// Run executes BASE_BACKUP and drains every tablespace plus the
// optional manifest into outputDir, honoring the stop token between
// tablespaces.
func (p *Pipeline) Run(ctx context.Context) error {
	p.state = StateStarted
	p.conn.Frontend().Send(&pgproto3.Query{String: p.opts.BuildCommand()})
	if err := p.conn.Frontend().Flush(); err != nil {
		return connFailure("send-basebackup", err)
	}
	p.state = StateStartPosition

	if err := p.readTablespaceMeta(ctx); err != nil {
		return err
	}
	p.state = StateTablespaceReady

	for len(p.tablespaces) > 0 {
		if p.stop.Stopped() {
			p.state = StateStepTablespaceInterrupt
			return nil
		}
		ts := p.tablespaces[0]
		p.tablespaces = p.tablespaces[1:]
		if ts.IsDefault {
			p.state = StateStepTablespaceBase
		} else {
			p.state = StateStepTablespace
		}
		if err := p.drainOneArchive(ctx, &ts); err != nil {
			return err
		}
		if p.state == StateStepTablespaceInterrupt {
			return nil
		}
		p.done = append(p.done, ts)
	}

	if p.manifestReq {
		if p.stop.Stopped() {
			p.state = StateManifestInterrupted
			return nil
		}
		if err := p.drainManifest(ctx); err != nil {
			return err
		}
	}

	if err := p.readStopPosition(ctx); err != nil {
		return err
	}
	p.state = StateEOB
	return nil
}

// readTablespaceMeta consumes the two result sets BASE_BACKUP sends
// ahead of the copy stream: first a single row carrying the start WAL
// position and timeline, then one row per tablespace naming its OID,
// location and estimated size. Returns once the CopyOutResponse that
// opens the data stream arrives.
func (p *Pipeline) readTablespaceMeta(ctx context.Context) error {
	resultSet := 0
	for {
		msg, err := p.conn.ReceiveMessage(ctx)
		if err != nil {
			return connFailure("read-tablespace-meta", err)
		}
		switch m := msg.(type) {
		case *pgproto3.RowDescription:
			resultSet++
		case *pgproto3.DataRow:
			if resultSet <= 1 {
				pos, tli, err := parsePositionRow(m)
				if err != nil {
					return protoFailure("read-tablespace-meta", err)
				}
				p.startPos, p.timeline = pos, tli
				continue
			}
			ts, err := parseTablespaceRow(m)
			if err != nil {
				return protoFailure("read-tablespace-meta", err)
			}
			p.tablespaces = append(p.tablespaces, ts)
		case *pgproto3.CommandComplete:
			continue
		case *pgproto3.CopyOutResponse, *pgproto3.CopyBothResponse:
			return nil
		case *pgproto3.ErrorResponse:
			return protoFailure("read-tablespace-meta", fmt.Errorf("%s", m.Message))
		default:
			return protoFailure("read-tablespace-meta", fmt.Errorf("unexpected message %T", m))
		}
	}
}

// parsePositionRow decodes a (recptr, tli) result row, the shape of
// both the start-position and stop-position result sets.
func parsePositionRow(row *pgproto3.DataRow) (string, uint32, error) {
	if len(row.Values) < 2 {
		return "", 0, fmt.Errorf("position row has %d columns, want 2", len(row.Values))
	}
	tli, err := strconv.ParseUint(string(row.Values[1]), 10, 32)
	if err != nil {
		return "", 0, fmt.Errorf("position row has malformed timeline %q: %w", row.Values[1], err)
	}
	return string(row.Values[0]), uint32(tli), nil
}

// readStopPosition drains the result set the server sends after the
// copy stream ends — one (recptr, tli) row carrying the backup's stop
// WAL position — through the terminating ReadyForQuery, leaving the
// connection ready for the caller's next command.
func (p *Pipeline) readStopPosition(ctx context.Context) error {
	for {
		msg, err := p.conn.ReceiveMessage(ctx)
		if err != nil {
			return connFailure("read-stop-position", err)
		}
		switch m := msg.(type) {
		case *pgproto3.RowDescription, *pgproto3.CommandComplete:
			continue
		case *pgproto3.DataRow:
			pos, _, err := parsePositionRow(m)
			if err != nil {
				return protoFailure("read-stop-position", err)
			}
			p.stopPos = pos
		case *pgproto3.ReadyForQuery:
			return nil
		case *pgproto3.ErrorResponse:
			return protoFailure("read-stop-position", fmt.Errorf("%s", m.Message))
		default:
			return protoFailure("read-stop-position", fmt.Errorf("unexpected message %T", m))
		}
	}
}

func parseTablespaceRow(row *pgproto3.DataRow) (Tablespace, error) {
	if len(row.Values) < 2 {
		return Tablespace{}, fmt.Errorf("tablespace row has %d columns, want >= 2", len(row.Values))
	}
	loc := string(row.Values[1])
	ts := Tablespace{Location: loc, IsDefault: loc == ""}
	if oidText := string(row.Values[0]); oidText != "" {
		oid, err := strconv.ParseUint(oidText, 10, 32)
		if err != nil {
			return Tablespace{}, fmt.Errorf("tablespace row has malformed oid %q: %w", oidText, err)
		}
		ts.OID = uint32(oid)
	}
	if len(row.Values) >= 3 && len(row.Values[2]) > 0 {
		if sz, err := strconv.ParseInt(string(row.Values[2]), 10, 64); err == nil {
			ts.SizeBytes = sz
		}
	}
	return ts, nil
}

// drainOneArchive reads CopyData frames until the next `n`/`m` tag or
// CopyDone, demultiplexing by the PG15 framed subprotocol kind byte.
// The `n`/`m` frame that announces this archive was already consumed
// as the previous archive's closing boundary, except for the very
// first tablespace, whose own opening marker is read up front.
func (p *Pipeline) drainOneArchive(ctx context.Context, ts *Tablespace) error {
	if p.currentFile != nil {
		return outOfOrder("drain-archive")
	}
	if !p.pendingOpen {
		if err := p.consumeArchiveOpen(ctx); err != nil {
			return err
		}
	}
	p.pendingOpen = false

	name := filepath.Join(p.outputDir, archive.TablespaceArchiveName(ts.OID, p.opts.Compress))
	f, err := archive.Open(name, archive.WriteOnly, archive.Options{Compressed: p.opts.Compress})
	if err != nil {
		return connFailure("open-tablespace-file", err)
	}
	p.currentFile = f

	for {
		if p.stop.Stopped() {
			// Partial file stays on disk for retry; only the handle is
			// released.
			_ = p.currentFile.Close()
			p.currentFile = nil
			p.state = StateStepTablespaceInterrupt
			return nil
		}
		msg, err := p.conn.ReceiveMessage(ctx)
		if err != nil {
			return connFailure("drain-archive", err)
		}
		switch m := msg.(type) {
		case *pgproto3.CopyData:
			boundary, err := p.handleFramedPayload(m.Data)
			if err != nil {
				return err
			}
			if boundary {
				// This frame both ends the archive just drained and
				// announces the next one; leave it consumed for the
				// following drainOneArchive/drainManifest call.
				p.pendingOpen = true
				return p.finishCurrent()
			}
		case *pgproto3.CopyDone:
			return p.finishCurrent()
		case *pgproto3.ErrorResponse:
			return protoFailure("drain-archive", fmt.Errorf("%s", m.Message))
		default:
			return protoFailure("drain-archive", fmt.Errorf("unexpected message %T", m))
		}
	}
}

// consumeArchiveOpen reads the lone `n`/`m` frame that announces the
// archive about to be drained, for the one case drainOneArchive can't
// infer it from a prior boundary: the very first tablespace.
func (p *Pipeline) consumeArchiveOpen(ctx context.Context) error {
	msg, err := p.conn.ReceiveMessage(ctx)
	if err != nil {
		return connFailure("drain-archive", err)
	}
	cd, ok := msg.(*pgproto3.CopyData)
	if !ok {
		return protoFailure("drain-archive", fmt.Errorf("expected archive-open frame, got %T", msg))
	}
	boundary, err := p.handleFramedPayload(cd.Data)
	if err != nil {
		return err
	}
	if !boundary {
		return protoFailure("drain-archive", fmt.Errorf("expected archive-open frame, got kind %q", string(cd.Data[0])))
	}
	return nil
}

// handleFramedPayload processes one PG15 framed CopyData payload: `n`
// new-archive, `m` manifest-start, `d` data, `p` progress. Unknown
// kinds are fatal. Returns boundary=true for an `n` or `m` frame: the
// caller decides whether that's the archive it just opened finishing,
// or the archive it's about to open starting.
func (p *Pipeline) handleFramedPayload(data []byte) (bool, error) {
	if len(data) == 0 {
		return false, &Failure{Op: "framed-payload", Kind: "protocol", Err: fmt.Errorf("empty frame")}
	}
	switch data[0] {
	case 'n':
		return true, nil
	case 'm':
		p.manifestReq = true
		return true, nil
	case 'd':
		if p.currentFile == nil {
			return false, &Failure{Op: "framed-payload", Kind: "protocol", Err: fmt.Errorf("data frame with no open archive")}
		}
		if _, err := p.currentFile.Write(data[1:]); err != nil {
			return false, connFailure("write-archive", err)
		}
		return false, nil
	case 'p':
		return false, nil
	default:
		return false, &Failure{Op: "framed-payload", Kind: "protocol", Err: fmt.Errorf("unknown frame kind %q", string(data[0]))}
	}
}

// finishCurrent appends the two 512-byte zero blocks PostgreSQL omits
// at the end of each tar stream, fsyncs, and closes.
func (p *Pipeline) finishCurrent() error {
	if p.currentFile == nil {
		return nil
	}
	zero := make([]byte, 1024)
	if _, err := p.currentFile.Write(zero); err != nil {
		return connFailure("write-trailer", err)
	}
	if err := p.currentFile.Fsync(); err != nil {
		return connFailure("fsync-archive", err)
	}
	if err := p.currentFile.Close(); err != nil {
		return connFailure("close-archive", err)
	}
	p.currentFile = nil
	p.synced++
	return nil
}

func (p *Pipeline) drainManifest(ctx context.Context) error {
	f, err := archive.Open(filepath.Join(p.outputDir, archive.ManifestFileName), archive.WriteOnly, archive.Options{})
	if err != nil {
		return connFailure("open-manifest", err)
	}
	p.currentFile = f
	for {
		msg, err := p.conn.ReceiveMessage(ctx)
		if err != nil {
			return connFailure("drain-manifest", err)
		}
		switch m := msg.(type) {
		case *pgproto3.CopyData:
			if len(m.Data) == 0 {
				continue
			}
			if m.Data[0] == 'd' {
				if _, err := p.currentFile.Write(m.Data[1:]); err != nil {
					return connFailure("write-manifest", err)
				}
			}
		case *pgproto3.CopyDone:
			if err := p.currentFile.Fsync(); err != nil {
				return connFailure("fsync-manifest", err)
			}
			err := p.currentFile.Close()
			p.currentFile = nil
			p.synced++
			return connFailure("close-manifest", err)
		case *pgproto3.ErrorResponse:
			return protoFailure("drain-manifest", fmt.Errorf("%s", m.Message))
		}
	}
}
