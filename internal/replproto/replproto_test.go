package replproto

import (
	"context"
	"net"
	"path/filepath"
	"testing"

	"github.com/jackc/pgproto3/v2"
	"github.com/stretchr/testify/require"

	"github.com/pgbckctl/pgbckctl/internal/catalog"
)

func openTestDB(t *testing.T) *catalog.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.db")
	db, err := catalog.Open(path, catalog.ReadWrite)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// startTestConn wires a Conn to one end of an in-memory pipe and runs
// its handshake and serve loop on a goroutine, returning the pgproto3
// frontend driving the other end plus a channel carrying Serve's
// eventual result.
func startTestConn(t *testing.T, db *catalog.DB, archiveID int64) (*pgproto3.Frontend, <-chan error) {
	t.Helper()
	clientSide, serverSide := net.Pipe()
	t.Cleanup(func() { clientSide.Close() })

	done := make(chan error, 1)
	go func() {
		defer serverSide.Close()
		c := NewConn(serverSide, db, archiveID)
		if err := c.Handshake(); err != nil {
			done <- err
			return
		}
		done <- c.Serve()
	}()

	fe := pgproto3.NewFrontend(clientSide, clientSide)
	require.NoError(t, fe.Send(&pgproto3.StartupMessage{
		ProtocolVersion: 196608, // 3.0, per the v3 wire format
		Parameters:      map[string]string{"user": "pgbckctl"},
	}))
	require.NoError(t, fe.Flush())

	for {
		msg, err := fe.Receive()
		require.NoError(t, err)
		if _, ok := msg.(*pgproto3.ReadyForQuery); ok {
			break
		}
	}
	return fe, done
}

// runQuery sends a simple-query command and collects the
// RowDescription/DataRow*/CommandComplete sequence up to the
// following ReadyForQuery.
func runQuery(t *testing.T, fe *pgproto3.Frontend, query string) (*pgproto3.RowDescription, [][][]byte, *pgproto3.CommandComplete) {
	t.Helper()
	require.NoError(t, fe.Send(&pgproto3.Query{String: query}))
	require.NoError(t, fe.Flush())

	var rowDesc *pgproto3.RowDescription
	var rows [][][]byte
	var complete *pgproto3.CommandComplete
	for {
		msg, err := fe.Receive()
		require.NoError(t, err)
		switch m := msg.(type) {
		case *pgproto3.RowDescription:
			rowDesc = m
		case *pgproto3.DataRow:
			rows = append(rows, m.Values)
		case *pgproto3.CommandComplete:
			complete = m
		case *pgproto3.ReadyForQuery:
			return rowDesc, rows, complete
		case *pgproto3.ErrorResponse:
			t.Fatalf("replproto: unexpected error response: %s", m.Message)
		}
	}
}

func TestConn_IdentifySystem(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	archiveID, err := db.CreateArchive(ctx, catalog.Archive{Name: "main", Directory: "/archive/main"})
	require.NoError(t, err)

	_, err = db.RegisterStream(ctx, catalog.Stream{
		ArchiveID: archiveID,
		SType:     "physical",
		SystemID:  "6900000000000000000",
		Timeline:  1,
		XLogPos:   "0/3000000",
		DBName:    "postgres",
	})
	require.NoError(t, err)

	fe, done := startTestConn(t, db, archiveID)

	rowDesc, rows, complete := runQuery(t, fe, "IDENTIFY_SYSTEM;")
	require.NotNil(t, rowDesc)
	require.Len(t, rowDesc.Fields, 4)
	require.Equal(t, "systemid", string(rowDesc.Fields[0].Name))
	require.Len(t, rows, 1)
	require.Equal(t, "6900000000000000000", string(rows[0][0]))
	require.Equal(t, "1", string(rows[0][1]))
	require.Equal(t, "0/3000000", string(rows[0][2]))
	require.Equal(t, "postgres", string(rows[0][3]))
	require.Equal(t, "IDENTIFY_SYSTEM", string(complete.CommandTag))

	require.NoError(t, fe.Send(&pgproto3.Terminate{}))
	require.NoError(t, fe.Flush())
	require.NoError(t, <-done)
}

func TestConn_ListBaseBackups(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	archiveID, err := db.CreateArchive(ctx, catalog.Archive{Name: "main", Directory: "/archive/main"})
	require.NoError(t, err)

	backupID, err := db.CreateBackup(ctx, catalog.Backup{
		ArchiveID:      archiveID,
		Label:          "nightly",
		XLogPos:        "0/2000000",
		Timeline:       1,
		SystemID:       "123",
		WALSegmentSize: 16 << 20,
		FSEntry:        "/archive/main/base/streambackup-20260729120000",
	})
	require.NoError(t, err)
	require.NoError(t, db.SetBackupReady(ctx, backupID, "0/3000000", "/archive/main/base/streambackup-20260729120000"))
	require.NoError(t, db.PinBackup(ctx, backupID))

	fe, done := startTestConn(t, db, archiveID)

	rowDesc, rows, complete := runQuery(t, fe, "list_basebackups;")
	require.NotNil(t, rowDesc)
	require.Len(t, rows, 1)
	require.Equal(t, "nightly", string(rows[0][0]))
	require.Equal(t, "ready", string(rows[0][3]))
	require.Equal(t, "t", string(rows[0][4]))
	require.Equal(t, "SELECT 1", string(complete.CommandTag))

	require.NoError(t, fe.Send(&pgproto3.Terminate{}))
	require.NoError(t, fe.Flush())
	require.NoError(t, <-done)
}

func TestConn_TimelineHistory(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	archiveID, err := db.CreateArchive(ctx, catalog.Archive{Name: "main", Directory: "/archive/main"})
	require.NoError(t, err)

	fe, done := startTestConn(t, db, archiveID)

	rowDesc, rows, complete := runQuery(t, fe, "TIMELINE_HISTORY 7;")
	require.NotNil(t, rowDesc)
	require.Len(t, rows, 1)
	require.Equal(t, "00000007.history", string(rows[0][0]))
	require.Equal(t, "TIMELINE_HISTORY", string(complete.CommandTag))

	require.NoError(t, fe.Send(&pgproto3.Terminate{}))
	require.NoError(t, fe.Flush())
	require.NoError(t, <-done)
}

func TestConn_UnrecognizedCommandSendsErrorThenReady(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	archiveID, err := db.CreateArchive(ctx, catalog.Archive{Name: "main", Directory: "/archive/main"})
	require.NoError(t, err)

	fe, done := startTestConn(t, db, archiveID)

	require.NoError(t, fe.Send(&pgproto3.Query{String: "SELECT 1;"}))
	require.NoError(t, fe.Flush())

	msg, err := fe.Receive()
	require.NoError(t, err)
	_, ok := msg.(*pgproto3.ErrorResponse)
	require.True(t, ok, "expected ErrorResponse, got %T", msg)

	msg, err = fe.Receive()
	require.NoError(t, err)
	_, ok = msg.(*pgproto3.ReadyForQuery)
	require.True(t, ok, "expected ReadyForQuery, got %T", msg)

	require.NoError(t, fe.Send(&pgproto3.Terminate{}))
	require.NoError(t, fe.Flush())
	require.NoError(t, <-done)
}

func TestParseCommand(t *testing.T) {
	cmd, err := ParseCommand("identify_system")
	require.NoError(t, err)
	require.Equal(t, CmdIdentifySystem, cmd.Kind)

	cmd, err = ParseCommand("  LIST_BASEBACKUPS; ")
	require.NoError(t, err)
	require.Equal(t, CmdListBaseBackups, cmd.Kind)

	cmd, err = ParseCommand("TIMELINE_HISTORY 42;")
	require.NoError(t, err)
	require.Equal(t, CmdTimelineHistory, cmd.Kind)
	require.Equal(t, uint32(42), cmd.Timeline)

	_, err = ParseCommand("TIMELINE_HISTORY;")
	require.Error(t, err)

	_, err = ParseCommand("TIMELINE_HISTORY abc;")
	require.Error(t, err)

	_, err = ParseCommand("DROP TABLE foo;")
	require.Error(t, err)
}

func TestCopyStateTransitions(t *testing.T) {
	to, ok := CopyInit.transition(CopyBoth)
	require.True(t, ok)
	require.Equal(t, CopyBoth, to)

	to, ok = CopyBoth.transition(CopyIn)
	require.True(t, ok)
	require.Equal(t, CopyIn, to)

	to, ok = CopyIn.transition(CopyOut)
	require.False(t, ok)
	require.Equal(t, CopyIn, to)

	to, ok = CopyIn.transition(CopyDone)
	require.True(t, ok)
	require.Equal(t, CopyDone, to)

	to, ok = CopyDone.transition(CopyFail)
	require.True(t, ok)
	require.Equal(t, CopyFail, to)

	require.Equal(t, "Both", CopyBoth.String())
	require.Equal(t, "Unknown", CopyState(99).String())
}
