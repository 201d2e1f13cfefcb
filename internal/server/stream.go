package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"github.com/lmwright/cpapdash/internal/connection"
)

// handleStatusStream pushes connection snapshots to the dashboard
// over a WebSocket: one on connect, then one per state change.
func handleStatusStream(m *connection.Manager, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			logger.Warn("websocket accept failed", slog.String("error", err.Error()))
			return
		}
		defer conn.Close(websocket.StatusInternalError, "stream closed")

		updates := m.Subscribe()
		defer m.Unsubscribe(updates)

		ctx := r.Context()

		if err := writeSnapshot(ctx, conn, m.Status()); err != nil {
			return
		}

		for {
			select {
			case <-ctx.Done():
				conn.Close(websocket.StatusNormalClosure, "")
				return

			case snap, ok := <-updates:
				if !ok {
					conn.Close(websocket.StatusNormalClosure, "")
					return
				}

				if err := writeSnapshot(ctx, conn, snap); err != nil {
					logger.Debug("status stream write failed", slog.String("error", err.Error()))
					return
				}
			}
		}
	}
}

func writeSnapshot(ctx context.Context, conn *websocket.Conn, snap connection.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}

	return conn.Write(ctx, websocket.MessageText, data)
}
