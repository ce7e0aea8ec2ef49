package replproto

import (
	"context"
	"errors"
	"log/slog"
	"net"

	"github.com/pgbckctl/pgbckctl/internal/catalog"
)

// ListenAndServe accepts replication-protocol connections on addr
// until ctx is canceled, handling each on its own goroutine. This is
// the idiomatic Go stand-in for a process-per-connection walsender:
// the accept loop forks a goroutine instead of a child process, since
// every Conn here is already independent, stackless-cheap state
// rather than a full postmaster backend.
func ListenAndServe(ctx context.Context, addr string, db *catalog.DB, archiveID int64) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	slog.Info("replproto: listening", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go serveOne(nc, db, archiveID)
	}
}

func serveOne(nc net.Conn, db *catalog.DB, archiveID int64) {
	defer nc.Close()
	c := NewConn(nc, db, archiveID)
	if err := c.Handshake(); err != nil {
		slog.Warn("replproto: handshake failed", "remote", nc.RemoteAddr(), "err", err)
		return
	}
	if err := c.Serve(); err != nil {
		slog.Debug("replproto: connection ended", "remote", nc.RemoteAddr(), "err", err)
	}
}
