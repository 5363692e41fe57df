package service

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"beltlab.ai/internal/protocol"
)

// Hub fans lifecycle events out to websocket subscribers. Slow consumers
// lose events rather than slowing the facade down; the seq field makes
// the loss visible.
type Hub struct {
	log      *log.Logger
	upgrader websocket.Upgrader

	seq atomic.Uint64

	mu   sync.Mutex
	subs map[chan []byte]struct{}
}

func NewHub(logger *log.Logger) *Hub {
	return &Hub{
		log: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		subs: make(map[chan []byte]struct{}),
	}
}

// Publish broadcasts one event to every subscriber.
func (h *Hub) Publish(kind, evaluatorID, state string, score *int64, detail string) {
	msg := protocol.EventMsg{
		Type:            protocol.TypeEvent,
		ProtocolVersion: protocol.Version,
		Seq:             h.seq.Add(1),
		At:              time.Now().UTC().Format(time.RFC3339Nano),
		Kind:            kind,
		EvaluatorID:     evaluatorID,
		State:           state,
		Score:           score,
		Detail:          detail,
	}
	b, err := json.Marshal(msg)
	if err != nil {
		if h.log != nil {
			h.log.Printf("events: marshal: %v", err)
		}
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for out := range h.subs {
		select {
		case out <- b:
		default:
			// Consumer is behind; it sees the seq gap on the next read.
		}
	}
}

// Handler upgrades the connection and streams events until the client
// goes away.
func (h *Hub) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		out := make(chan []byte, 256)
		h.mu.Lock()
		h.subs[out] = struct{}{}
		h.mu.Unlock()
		defer func() {
			h.mu.Lock()
			delete(h.subs, out)
			h.mu.Unlock()
		}()

		// Writer goroutine.
		done := make(chan struct{})
		writeErr := make(chan error, 1)
		go func() {
			for {
				select {
				case <-done:
					writeErr <- nil
					return
				case b := <-out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						writeErr <- err
						return
					}
				}
			}
		}()

		// Reader loop: the stream is one-way, but reading keeps control
		// frames flowing and detects disconnects.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}

		close(done)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}
