package replproto

import (
	"context"
	"fmt"

	"github.com/pgbckctl/pgbckctl/internal/catalog"
)

// handleQuery parses and dispatches one simple-query command, writing
// its RowDescription/DataRow*/CommandComplete sequence directly to the
// wire via c (no intermediate slice of rows).
func (c *Conn) handleQuery(text string) error {
	cmd, err := ParseCommand(text)
	if err != nil {
		return err
	}
	ctx := context.Background()
	switch cmd.Kind {
	case CmdIdentifySystem:
		return c.runIdentifySystem(ctx)
	case CmdListBaseBackups:
		return c.runListBaseBackups(ctx)
	case CmdTimelineHistory:
		return c.runTimelineHistory(ctx, cmd.Timeline)
	default:
		return fmt.Errorf("replproto: unhandled command kind %d", cmd.Kind)
	}
}

var identifySystemCols = []ColumnDescriptor{
	{Name: "systemid", TypeOID: 25, TypeSize: -1},
	{Name: "timeline", TypeOID: 23, TypeSize: 4},
	{Name: "xlogpos", TypeOID: 25, TypeSize: -1},
	{Name: "dbname", TypeOID: 25, TypeSize: -1},
}

// runIdentifySystem answers from the archive's most recently
// registered stream.
func (c *Conn) runIdentifySystem(ctx context.Context) error {
	if err := c.sendRowDescription(identifySystemCols); err != nil {
		return err
	}
	streams, err := c.db.ListStreams(ctx, c.archiveID)
	if err != nil {
		return err
	}
	var latest catalog.Stream
	for _, s := range streams {
		if s.RegisterDate.After(latest.RegisterDate) {
			latest = s
		}
	}
	if err := c.SendRow(
		TextColumn(latest.SystemID),
		Uint32Column(latest.Timeline),
		TextColumn(latest.XLogPos),
		TextColumn(latest.DBName),
	); err != nil {
		return err
	}
	return c.sendCommandComplete("IDENTIFY_SYSTEM")
}

var listBaseBackupsCols = []ColumnDescriptor{
	{Name: "label", TypeOID: 25, TypeSize: -1},
	{Name: "started", TypeOID: 25, TypeSize: -1},
	{Name: "stopped", TypeOID: 25, TypeSize: -1},
	{Name: "status", TypeOID: 25, TypeSize: -1},
	{Name: "pinned", TypeOID: 16, TypeSize: 1},
}

// runListBaseBackups streams every backup registered for this
// connection's archive, one DataRow at a time.
func (c *Conn) runListBaseBackups(ctx context.Context) error {
	if err := c.sendRowDescription(listBaseBackupsCols); err != nil {
		return err
	}
	backups, err := c.db.GetBackupList(ctx, c.archiveID)
	if err != nil {
		return err
	}
	n := 0
	for _, b := range backups {
		pinned := []byte("f")
		if b.Pinned {
			pinned = []byte("t")
		}
		if err := c.SendRow(
			TextColumn(b.Label),
			TextColumn(b.Started.Format("2006-01-02T15:04:05Z")),
			TextColumn(b.Stopped.Format("2006-01-02T15:04:05Z")),
			TextColumn(string(b.Status)),
			pinned,
		); err != nil {
			return err
		}
		n++
	}
	return c.sendCommandComplete(fmt.Sprintf("SELECT %d", n))
}

var timelineHistoryCols = []ColumnDescriptor{
	{Name: "filename", TypeOID: 25, TypeSize: -1},
	{Name: "content", TypeOID: 17, TypeSize: -1},
}

// runTimelineHistory answers with the synthesized ".history" file name
// for tli; PostgreSQL's own content format (one line per parent
// timeline switch-point) is out of scope here since this archiver
// never performs a timeline switch of its own — the archive only
// relays what the upstream server reports.
func (c *Conn) runTimelineHistory(ctx context.Context, tli uint32) error {
	if err := c.sendRowDescription(timelineHistoryCols); err != nil {
		return err
	}
	name := fmt.Sprintf("%08X.history", tli)
	if err := c.SendRow(TextColumn(name), TextColumn("")); err != nil {
		return err
	}
	return c.sendCommandComplete("TIMELINE_HISTORY")
}
