package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AdrianFeng10086/RuralCareAI/internal/crisis"
	"github.com/AdrianFeng10086/RuralCareAI/pkg/logging"
)

type chanSink struct {
	frames chan Frame
	fail   func(Frame) error
}

func newChanSink() *chanSink {
	return &chanSink{frames: make(chan Frame, 64)}
}

func (s *chanSink) WriteFrame(f Frame) error {
	if s.fail != nil {
		if err := s.fail(f); err != nil {
			return err
		}
	}
	s.frames <- f
	return nil
}

func nextFrame(t *testing.T, frames <-chan Frame, event string) Frame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case f := <-frames:
			if f.Event == event {
				return f
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s frame", event)
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestBroadcaster_StreamsReadyAlertAndHeartbeat(t *testing.T) {
	bus := newTestBus()
	b := NewBroadcaster(bus, 15*time.Millisecond, logging.Discard())
	sink := newChanSink()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- b.Serve(ctx, sink) }()

	ready := nextFrame(t, sink.frames, "ready")
	var rp readyPayload
	require.NoError(t, json.Unmarshal(ready.Data, &rp))
	assert.NotEmpty(t, rp.SubscriberID)
	assert.Equal(t, 1, bus.SubscriberCount())

	bus.Publish(alertN(1))
	alertFrame := nextFrame(t, sink.frames, "alert")
	assert.Equal(t, "1", alertFrame.ID)
	var got crisis.Alert
	require.NoError(t, json.Unmarshal(alertFrame.Data, &got))
	assert.Equal(t, "a1", got.ID)

	ping := nextFrame(t, sink.frames, "ping")
	assert.Contains(t, string(ping.Data), `"ts"`)

	cancel()
	require.NoError(t, <-errCh)
	assert.Equal(t, 0, bus.SubscriberCount())
}

func TestBroadcaster_WriteFailureUnsubscribes(t *testing.T) {
	bus := newTestBus()
	b := NewBroadcaster(bus, time.Hour, logging.Discard())
	sink := newChanSink()
	sink.fail = func(f Frame) error {
		if f.Event == "alert" {
			return errors.New("broken pipe")
		}
		return nil
	}

	errCh := make(chan error, 1)
	go func() { errCh <- b.Serve(context.Background(), sink) }()
	nextFrame(t, sink.frames, "ready")

	bus.Publish(alertN(1))
	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "broken pipe")
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not stop after write failure")
	}
	assert.Equal(t, 0, bus.SubscriberCount())
}

func TestBroadcaster_SlowViewerGetsGapFrame(t *testing.T) {
	bus := newTestBus(WithQueueSize(2))
	b := NewBroadcaster(bus, time.Hour, logging.Discard())

	writing := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	sink := newChanSink()
	sink.fail = func(f Frame) error {
		if f.Event == "alert" {
			once.Do(func() {
				close(writing)
				<-release
			})
		}
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- b.Serve(ctx, sink) }()
	nextFrame(t, sink.frames, "ready")

	fast, err := bus.Subscribe()
	require.NoError(t, err)

	bus.Publish(alertN(1))
	<-writing
	for i := 2; i <= 4; i++ {
		bus.Publish(alertN(i))
	}
	assert.Len(t, drainAll(t, fast), 4, "fast subscriber is not held up")
	close(release)

	assert.Equal(t, "1", nextFrame(t, sink.frames, "alert").ID)
	gap := nextFrame(t, sink.frames, "gap")
	assert.JSONEq(t, `{"missed":1}`, string(gap.Data))
	assert.Equal(t, "3", nextFrame(t, sink.frames, "alert").ID)
	assert.Equal(t, "4", nextFrame(t, sink.frames, "alert").ID)

	cancel()
	require.NoError(t, <-errCh)
	bus.Unsubscribe(fast)
}

func TestBroadcaster_BusCloseEndsServe(t *testing.T) {
	bus := newTestBus()
	b := NewBroadcaster(bus, time.Hour, logging.Discard())
	sink := newChanSink()

	errCh := make(chan error, 1)
	go func() { errCh <- b.Serve(context.Background(), sink) }()
	nextFrame(t, sink.frames, "ready")

	bus.Close()
	assert.ErrorIs(t, <-errCh, ErrSubscriptionClosed)
}

func TestWriteSSE_MultiLineData(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteSSE(&buf, Frame{Event: "alert", ID: "7", Data: []byte("line one\nline two")}))
	assert.Equal(t, "id: 7\nevent: alert\ndata: line one\ndata: line two\n\n", buf.String())
}

func TestSSESink_SetsHeadersAndFlushes(t *testing.T) {
	rec := httptest.NewRecorder()
	sink, err := NewSSESink(rec)
	require.NoError(t, err)
	require.NoError(t, sink.WriteFrame(Frame{Event: "ping", Data: []byte(`{"ts":1}`)}))

	assert.Equal(t, "text/event-stream; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.True(t, rec.Flushed)
	assert.Contains(t, rec.Body.String(), "event: ping\ndata: {\"ts\":1}\n\n")
}

func TestEncodeEventRejectsUnknownKind(t *testing.T) {
	_, err := EncodeEvent(Event{Kind: EventHeartbeat})
	assert.Error(t, err)
}

func TestWebSocketSink_DeliversJSONFrames(t *testing.T) {
	bus := newTestBus()
	b := NewBroadcaster(bus, time.Hour, logging.Discard())
	upgrader := websocket.Upgrader{}
	served := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(served)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		go func() {
			defer cancel()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
		_ = b.Serve(ctx, NewWebSocketSink(conn))
	}))
	defer srv.Close()

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)

	var msg wsMessage
	require.NoError(t, client.ReadJSON(&msg))
	assert.Equal(t, "ready", msg.Type)

	waitFor(t, func() bool { return bus.SubscriberCount() == 1 })
	bus.Publish(alertN(9))
	require.NoError(t, client.ReadJSON(&msg))
	assert.Equal(t, "alert", msg.Type)
	assert.Equal(t, "1", msg.ID)
	assert.Contains(t, string(msg.Data), `"a9"`)

	require.NoError(t, client.Close())
	select {
	case <-served:
	case <-time.After(2 * time.Second):
		t.Fatal("server did not notice disconnect")
	}
	assert.Equal(t, 0, bus.SubscriberCount())
}
