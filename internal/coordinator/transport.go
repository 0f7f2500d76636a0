package coordinator

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// upgrader is shared across all robot connections. Origin checking is left
// to the HTTP layer's CORS/auth middleware in front of this handler, since
// robot clients are not browsers.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsSender adapts a *websocket.Conn to the Sender interface, serializing
// concurrent writers with a mutex since gorilla/websocket connections are
// not safe for concurrent writes.
type wsSender struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSender) Send(env Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteMessage(websocket.TextMessage, raw)
}

func (s *wsSender) Close() error {
	return s.conn.Close()
}

func (s *wsSender) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

// ServeWS upgrades an incoming HTTP request to a WebSocket and runs the
// robot's read loop until the socket closes or ctx is cancelled. The
// ambient HTTP router mounts it at the robot-facing endpoint
// "/v1/robots/ws".
func (c *Coordinator) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.log.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	sender := &wsSender{conn: conn}
	ctx := r.Context()

	var robotID string
	defer func() {
		_ = conn.Close()
		if robotID != "" {
			c.Disconnect(context.Background(), robotID)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			_ = sender.Send(newEnvelope(TypeError, "", ErrorPayload{Code: ErrCodeMalformed, Message: "invalid JSON envelope"}))
			continue
		}
		newID, err := c.HandleMessage(ctx, robotID, sender, env)
		if err != nil {
			c.log.Debug("coordinator message handling error", "robot_id", robotID, "type", env.Type, "error", err)
			continue
		}
		robotID = newID
	}
}
