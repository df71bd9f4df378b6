// Package transport adapts the Attachment Coordinator's Sink contract
// onto gorilla/websocket connections. It is deliberately thin: HTTP
// routing, origin checks, and auth are external collaborators per spec
// §1, not part of the Terminal Multiplexer core.
//
// Grounded in the teacher's main.go WebSocketClientImpl (buffered send
// channel, deadline on a blocking send) and its ClientMessage shape
// (terminal/types.go), generalized to speak the coordinator's
// muxcore.Chunk contract instead of raw bytes only.
package transport

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mobileforge/termbroker/internal/coordinator"
	"github.com/mobileforge/termbroker/internal/muxcore"
)

// sendDeadline bounds how long a single outbound frame write may block,
// matching the teacher's 2-second deadline on WebSocketClientImpl.Send.
const sendDeadline = 2 * time.Second

// Upgrader is shared across attach requests. Origin checking is left to
// the HTTP layer embedding this package.
var Upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// controlMessage is the wire shape for a ChunkWindowExited or
// ChunkSlowConsumerEvicted control event, sent as a text frame so
// clients can distinguish it from the binary byte-chunk frames.
type controlMessage struct {
	Type         string `json:"type"`
	ExitCode     int    `json:"exit_code,omitempty"`
	ExitSignal   string `json:"signal,omitempty"`
	DroppedBytes int64  `json:"dropped_bytes,omitempty"`
}

// inboundMessage mirrors the teacher's terminal.ClientMessage: a client
// sends either an "input" or "resize" frame as JSON text.
type inboundMessage struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
	Cols int    `json:"cols,omitempty"`
	Rows int    `json:"rows,omitempty"`
}

// WSSink turns a websocket connection into a muxcore.Sink with a
// buffered writer goroutine, so a slow client blocks only its own
// sender task (per fanout's per-subscriber sender model) and never the
// reader that calls Deliver.
type WSSink struct {
	conn *websocket.Conn

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

// NewWSSink wraps conn and starts its writer goroutine.
func NewWSSink(conn *websocket.Conn) *WSSink {
	s := &WSSink{conn: conn, send: make(chan []byte, 256)}
	go s.writeLoop()
	return s
}

func (s *WSSink) writeLoop() {
	for frame := range s.send {
		_ = s.conn.SetWriteDeadline(time.Now().Add(sendDeadline))
		if err := s.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			log.Printf("transport: websocket write failed: %v", err)
			s.Close()
			return
		}
	}
}

// Deliver implements the muxcore.Sink signature used by
// coordinator.Attach. Byte chunks go out as binary frames; control
// events are JSON-encoded text frames.
func (s *WSSink) Deliver(c muxcore.Chunk) error {
	switch c.Kind {
	case muxcore.ChunkBytes:
		return s.enqueue(c.Bytes)
	case muxcore.ChunkWindowExited:
		return s.sendControl(controlMessage{Type: "window_exited", ExitCode: c.ExitCode, ExitSignal: c.ExitSignal})
	case muxcore.ChunkSlowConsumerEvicted:
		return s.sendControl(controlMessage{Type: "slow_consumer_evicted", DroppedBytes: c.DroppedBytes})
	default:
		return nil
	}
}

func (s *WSSink) sendControl(m controlMessage) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return websocket.ErrCloseSent
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(sendDeadline))
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *WSSink) enqueue(b []byte) error {
	cp := make([]byte, len(b))
	copy(cp, b)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return websocket.ErrCloseSent
	}
	select {
	case s.send <- cp:
		return nil
	case <-time.After(sendDeadline):
		return websocket.ErrCloseSent
	}
}

// Close shuts down the sink; idempotent.
func (s *WSSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.send)
	_ = s.conn.Close()
}

// ReadInput runs the inbound pump: reads JSON "input"/"resize" frames
// from the client and applies them through the coordinator, until a read
// from the connection fails. It returns when the client disconnects;
// Detach does not stop it.
func ReadInput(conn *websocket.Conn, coord *coordinator.Coordinator, winID string) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "input":
			if _, err := coord.Write(winID, []byte(msg.Data)); err != nil {
				log.Printf("transport: write to %s failed: %v", winID, err)
			}
		case "resize":
			if err := coord.Resize(winID, msg.Cols, msg.Rows); err != nil {
				log.Printf("transport: resize %s failed: %v", winID, err)
			}
		}
	}
}
