package httpapi

import (
	"context"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type liveMessage struct {
	Type       string    `json:"type"`
	UserID     string    `json:"userId,omitempty"`
	ServerTime time.Time `json:"serverTime"`
}

// handleSyncLive holds a websocket open so clients can tell that the server
// is reachable. It sends a hello and then a ping every LivePingInterval.
func (s *Server) handleSyncLive(w http.ResponseWriter, r *http.Request, claims tokenClaims) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.LiveOriginPatterns,
	})
	if err != nil {
		s.logger.Debug("live handshake failed", "user_id", claims.UserID, "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	// Incoming frames are ignored; CloseRead cancels ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	if err := s.writeLive(ctx, conn, liveMessage{Type: "hello", UserID: claims.UserID}); err != nil {
		return
	}

	ticker := time.NewTicker(s.cfg.LivePingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-ticker.C:
			if err := s.writeLive(ctx, conn, liveMessage{Type: "ping"}); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeLive(ctx context.Context, conn *websocket.Conn, msg liveMessage) error {
	msg.ServerTime = s.cfg.Now().UTC()
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return wsjson.Write(writeCtx, conn, msg)
}
