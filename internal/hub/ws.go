package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
)

const (
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS upgrades GET /api/v1/ws. The client identifies itself with a
// user_id query parameter; a new connection for the same user supersedes
// the old one.
func (h *Hub) HandleWS(dispatcher *Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
		if err != nil || userID <= 0 {
			http.Error(w, "user_id is required", http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Error("ws upgrade failed", "err", err)
			return
		}

		// The hub loop sends the connected frame once it applies the
		// registration; enqueuing it here would race the Run loop.
		c := newClient(userID, conn)
		h.Register(c)

		go c.writePump(conn)
		// Not r.Context(): the request context dies when this handler
		// returns, and dispatched work (feed subscriptions) must outlive it.
		go c.readPump(context.Background(), h, dispatcher, conn)
	}
}

// readPump decodes inbound control messages until the connection dies.
// Any read error tears the connection down.
func (c *Client) readPump(ctx context.Context, h *Hub, dispatcher *Dispatcher, conn *websocket.Conn) {
	defer h.Unregister(c)

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.SendToUser(c.UserID, errorMsg{Type: "error", Message: "malformed message"})
			continue
		}
		dispatcher.Dispatch(ctx, c, msg)
	}
}

// writePump drains the client's send channel onto the wire and keeps the
// connection alive through proxies with periodic pings. Exits when the
// send channel closes or a write fails.
func (c *Client) writePump(conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
