// Package replproto implements the server side of the replication
// wire protocol: the v3 message framing, the Copy subprotocol state
// machine, a small command grammar for IDENTIFY_SYSTEM /
// LIST_BASEBACKUPS / TIMELINE_HISTORY, and a streaming result-set
// encoder. It answers read-only catalog queries over the same framing
// internal/walstream and internal/basebackup consume from the other
// side of the wire.
package replproto

import (
	"fmt"
	"net"

	"github.com/jackc/pgproto3/v2"

	"github.com/pgbckctl/pgbckctl/internal/catalog"
)

// Conn is one accepted replication-protocol connection: a minimal
// read-only handshake followed by a loop over simple-query commands.
type Conn struct {
	nc        net.Conn
	backend   *pgproto3.Backend
	db        *catalog.DB
	archiveID int64
	copy      CopyState
}

// NewConn wraps an accepted network connection, scoped to one
// archive the same way a real walsender connection is scoped to one
// cluster.
func NewConn(nc net.Conn, db *catalog.DB, archiveID int64) *Conn {
	return &Conn{
		nc:        nc,
		backend:   pgproto3.NewBackend(nc, nc),
		db:        db,
		archiveID: archiveID,
		copy:      CopyInit,
	}
}

// Handshake performs the minimal startup exchange: consume the
// unframed StartupMessage, answer with AuthOk, a couple of
// ParameterStatus lines, BackendKeyData, and ReadyForQuery.
func (c *Conn) Handshake() error {
	msg, err := c.backend.ReceiveStartupMessage()
	if err != nil {
		return fmt.Errorf("replproto: receive startup: %w", err)
	}
	if _, ok := msg.(*pgproto3.StartupMessage); !ok {
		return fmt.Errorf("replproto: unsupported startup message %T", msg)
	}

	sends := []pgproto3.BackendMessage{
		&pgproto3.AuthenticationOk{},
		&pgproto3.ParameterStatus{Name: "server_version", Value: "pgbckctl-replproto"},
		&pgproto3.ParameterStatus{Name: "integer_datetimes", Value: "on"},
		&pgproto3.BackendKeyData{ProcessID: 0, SecretKey: 0},
		&pgproto3.ReadyForQuery{TxStatus: 'I'},
	}
	for _, m := range sends {
		if err := c.backend.Send(m); err != nil {
			return fmt.Errorf("replproto: handshake send: %w", err)
		}
	}
	return nil
}

// Serve loops reading simple-query commands until the client
// terminates the connection or sends an unrecognized message.
func (c *Conn) Serve() error {
	for {
		msg, err := c.backend.Receive()
		if err != nil {
			return fmt.Errorf("replproto: receive: %w", err)
		}
		switch m := msg.(type) {
		case *pgproto3.Query:
			if err := c.handleQuery(m.String); err != nil {
				if sendErr := c.sendError(err); sendErr != nil {
					return sendErr
				}
			}
			if err := c.backend.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'}); err != nil {
				return fmt.Errorf("replproto: send ready: %w", err)
			}
		case *pgproto3.Terminate:
			return nil
		default:
			return fmt.Errorf("replproto: unexpected message %T", m)
		}
	}
}

// SendRow streams one DataRow immediately, so large answers never
// materialize as a slice of rows in memory.
func (c *Conn) SendRow(values ...[]byte) error {
	return c.backend.Send(&pgproto3.DataRow{Values: values})
}

func (c *Conn) sendRowDescription(cols []ColumnDescriptor) error {
	return c.backend.Send(RowDescription(cols))
}

func (c *Conn) sendCommandComplete(tag string) error {
	return c.backend.Send(&pgproto3.CommandComplete{CommandTag: []byte(tag)})
}

func (c *Conn) sendError(err error) error {
	return c.backend.Send(&pgproto3.ErrorResponse{Severity: "ERROR", Code: "XX000", Message: err.Error()})
}
