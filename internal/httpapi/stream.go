package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// streamUpgrader mirrors the teacher's realtime-transport websocket
// clients: permissive origin check (the orchestrator's HTTP API is not
// served cross-origin to untrusted browser clients the way a public
// product API would be), generous buffers for bursty event pages.
var streamUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const streamPollInterval = 500 * time.Millisecond

// handleStream upgrades to a websocket and pushes newly appended Event
// Store rows for the session as they arrive, giving a live feed on top of
// the one-shot GET /sessions/:id/events page fetch.
func (s *Server) handleStream(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.deps.Registry.Get(id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	conn, err := streamUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err), zap.String("session_id", id))
		return
	}
	defer func() { _ = conn.Close() }()

	ctx := c.Request.Context()
	var sinceSeq *int64

	ticker := time.NewTicker(streamPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			page, err := s.deps.Events.GetEvents(id, sinceSeq, 200)
			if err != nil {
				s.log.Warn("stream poll failed", zap.Error(err), zap.String("session_id", id))
				continue
			}
			for _, ev := range page.Events {
				if err := conn.WriteJSON(ev); err != nil {
					return
				}
				if ev.Seq != nil {
					sinceSeq = ev.Seq
				}
			}
		}
	}
}
