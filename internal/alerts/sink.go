package alerts

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// SSESink writes frames as text/event-stream records.
type SSESink struct {
	w       io.Writer
	flusher http.Flusher
}

// NewSSESink prepares w for streaming. It fails when w cannot flush.
func NewSSESink(w http.ResponseWriter) (*SSESink, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("alerts: streaming unsupported")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream; charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &SSESink{w: w, flusher: flusher}, nil
}

func (s *SSESink) WriteFrame(f Frame) error {
	if err := WriteSSE(s.w, f); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// WriteSSE encodes one frame. Multi-line data becomes several data lines.
func WriteSSE(w io.Writer, f Frame) error {
	bw := bufio.NewWriter(w)
	if f.ID != "" {
		bw.WriteString("id: " + f.ID + "\n")
	}
	if f.Event != "" {
		bw.WriteString("event: " + f.Event + "\n")
	}
	for _, line := range strings.Split(string(f.Data), "\n") {
		bw.WriteString("data: " + strings.TrimSuffix(line, "\r") + "\n")
	}
	bw.WriteString("\n")
	return bw.Flush()
}

const wsWriteTimeout = 10 * time.Second

// WebSocketSink writes frames as JSON text messages.
type WebSocketSink struct {
	conn *websocket.Conn
	now  func() time.Time
}

// NewWebSocketSink wraps an upgraded connection.
func NewWebSocketSink(conn *websocket.Conn) *WebSocketSink {
	return &WebSocketSink{conn: conn, now: time.Now}
}

type wsMessage struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

func (s *WebSocketSink) WriteFrame(f Frame) error {
	msg := wsMessage{Type: f.Event, ID: f.ID, Timestamp: s.now().UTC()}
	if json.Valid(f.Data) {
		msg.Data = f.Data
	}
	if err := s.conn.SetWriteDeadline(s.now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return s.conn.WriteJSON(msg)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Frame) error

func (f SinkFunc) WriteFrame(fr Frame) error { return f(fr) }
