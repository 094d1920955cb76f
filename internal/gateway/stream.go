package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/basket/go-diary/internal/bus"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"
)

const wsWriteTimeout = 5 * time.Second

// wsEvent is one bus event as sent to websocket clients.
type wsEvent struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
	SentAt  string `json:"sent_at"`
}

// handleEvents upgrades to a websocket and forwards bus events matching the
// topic prefix, item_id, provider and run_id query parameters. Client
// messages are ignored.
func (s *Server) handleEvents(c *gin.Context) {
	if s.cfg.Bus == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": errorBody{Code: "unavailable", Message: "event bus not configured"}})
		return
	}
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	filter := bus.Filter{
		Topic:    c.Query("topic"),
		ItemID:   c.Query("item_id"),
		Provider: c.Query("provider"),
		RunID:    c.Query("run_id"),
	}
	sub := s.cfg.Bus.SubscribeFilter(filter)
	defer s.cfg.Bus.Unsubscribe(sub)

	ctx := conn.CloseRead(c.Request.Context())
	s.logger.InfoContext(ctx, "ws: client connected", "topic", filter.Topic, "item_id", filter.ItemID, "provider", filter.Provider)
	defer func() {
		s.logger.InfoContext(ctx, "ws: client disconnected", "topic", filter.Topic, "dropped", sub.Dropped())
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := wsjson.Write(wctx, conn, wsEvent{
				Topic:   ev.Topic,
				Payload: ev.Payload,
				SentAt:  time.Now().UTC().Format(time.RFC3339Nano),
			})
			cancel()
			if err != nil {
				s.logger.DebugContext(ctx, "ws: write failed, closing", "error", err)
				return
			}
		}
	}
}
