package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const streamWriteTimeout = 5 * time.Second

// snapshotStream upgrades to a websocket and pushes a snapshot every interval
// until the client goes away.
func (s *Server) snapshotStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("snapshot stream upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The client never sends data; reading detects the close.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s.logger.Debug("snapshot stream opened", "remote", r.RemoteAddr, "interval", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
		if err := conn.WriteJSON(s.engine.Snapshot(ctx)); err != nil {
			s.logger.Debug("snapshot stream closed", "error", err)
			return
		}

		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		case <-ticker.C:
		}
	}
}
