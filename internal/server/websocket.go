package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // deployed behind an authenticating proxy
	},
}

// wsIncoming is a message from the client.
type wsIncoming struct {
	Type   string `json:"type"` // "run" or "cancel"
	Script string `json:"script"`
}

// wsOutgoing is a message to the client.
type wsOutgoing struct {
	Type   string       `json:"type"` // "started", "result", "error"
	ID     string       `json:"id,omitempty"`
	Result *runResponse `json:"result,omitempty"`
	Error  string       `json:"error,omitempty"`
}

// wsConn serializes writes; gorilla connections allow one writer at a time.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) send(v wsOutgoing) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("websocket marshal error", "error", err)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		slog.Debug("websocket write error", "error", err)
	}
}

// handleWebSocket runs each {"type":"run"} message as an independent
// invocation. One script runs per connection at a time; {"type":"cancel"}
// stops it. Closing the connection cancels whatever is running.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade error", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxScriptBytes)
	c := &wsConn{conn: conn}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu       sync.Mutex
		running  bool
		activeID string
		wg       sync.WaitGroup
	)
	defer wg.Wait()

	// Read loop
	for {
		var msg wsIncoming
		if err := conn.ReadJSON(&msg); err != nil {
			cancel()
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("websocket read error", "error", err)
			}
			return
		}

		switch msg.Type {
		case "run":
			mu.Lock()
			busy := running
			running = true
			mu.Unlock()
			if busy {
				c.send(wsOutgoing{Type: "error", Error: "a script is already running"})
				continue
			}

			wg.Add(1)
			go func(script string) {
				defer wg.Done()
				defer func() {
					mu.Lock()
					running, activeID = false, ""
					mu.Unlock()
				}()

				o, err := s.execute(ctx, script, "ws", func(id string) {
					mu.Lock()
					activeID = id
					mu.Unlock()
					c.send(wsOutgoing{Type: "started", ID: id})
				})
				if err != nil {
					c.send(wsOutgoing{Type: "error", Error: err.Error()})
					return
				}
				resp := newRunResponse(o)
				c.send(wsOutgoing{Type: "result", ID: o.ID, Result: &resp})
			}(msg.Script)

		case "cancel":
			mu.Lock()
			id := activeID
			mu.Unlock()
			if id == "" || !s.active.Cancel(id) {
				c.send(wsOutgoing{Type: "error", Error: "nothing to cancel"})
			}

		default:
			c.send(wsOutgoing{Type: "error", Error: "invalid message"})
		}
	}
}
