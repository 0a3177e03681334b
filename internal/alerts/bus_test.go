package alerts

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/AdrianFeng10086/RuralCareAI/internal/crisis"
	"github.com/AdrianFeng10086/RuralCareAI/internal/observability/metrics"
	"github.com/AdrianFeng10086/RuralCareAI/pkg/logging"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func alertN(n int) crisis.Alert {
	return crisis.Alert{ID: fmt.Sprintf("a%d", n), SessionID: "s1", Category: crisis.CategorySelfHarm, Severity: crisis.SeverityCritical}
}

func newTestBus(opts ...BusOption) *Bus {
	return NewBus(logging.Discard(), opts...)
}

func drainAll(t *testing.T, sub *Subscription) []Event {
	t.Helper()
	var out []Event
	for {
		ev, ok := sub.TryNext()
		if !ok {
			return out
		}
		out = append(out, ev)
	}
}

func TestBus_SubscriberReceivesAllInPublishOrder(t *testing.T) {
	bus := newTestBus()
	sub, err := bus.Subscribe()
	require.NoError(t, err)

	const n = 20
	for i := 1; i <= n; i++ {
		bus.Publish(alertN(i))
	}

	events := drainAll(t, sub)
	require.Len(t, events, n)
	for i, ev := range events {
		assert.Equal(t, EventAlert, ev.Kind)
		assert.Equal(t, uint64(i+1), ev.Seq)
		assert.Equal(t, fmt.Sprintf("a%d", i+1), ev.Alert.ID)
	}
}

func TestBus_LateSubscriberGetsNoHistory(t *testing.T) {
	bus := newTestBus()
	for i := 1; i <= 3; i++ {
		bus.Publish(alertN(i))
	}
	sub, err := bus.Subscribe()
	require.NoError(t, err)

	assert.Empty(t, drainAll(t, sub))
}

func TestBus_PublishWithoutSubscribersThenSubscribe(t *testing.T) {
	bus := newTestBus()
	bus.Publish(alertN(1)) // A, nobody listening

	sub, err := bus.Subscribe()
	require.NoError(t, err)
	bus.Publish(alertN(2)) // B

	events := drainAll(t, sub)
	require.Len(t, events, 1)
	assert.Equal(t, "a2", events[0].Alert.ID)
}

func TestBus_UnsubscribeTwiceIsNoop(t *testing.T) {
	bus := newTestBus()
	sub, err := bus.Subscribe()
	require.NoError(t, err)
	require.Equal(t, 1, bus.SubscriberCount())

	bus.Unsubscribe(sub)
	bus.Unsubscribe(sub)
	bus.Unsubscribe(nil)

	assert.Equal(t, 0, bus.SubscriberCount())
	assert.False(t, sub.Alive())

	bus.Publish(alertN(1))
	_, err = sub.Next(context.Background())
	assert.ErrorIs(t, err, ErrSubscriptionClosed)
}

func TestBus_SlowSubscriberGetsGapWithoutBlockingFastOne(t *testing.T) {
	reg := prometheus.NewRegistry()
	bus := newTestBus(WithQueueSize(2), WithMetrics(metrics.NewDialogueMetrics(reg)))
	slow, err := bus.Subscribe()
	require.NoError(t, err)
	fast, err := bus.Subscribe()
	require.NoError(t, err)

	var fastSeen []string
	for i := 1; i <= 5; i++ {
		bus.Publish(alertN(i))
		for _, ev := range drainAll(t, fast) {
			require.Equal(t, EventAlert, ev.Kind)
			fastSeen = append(fastSeen, ev.Alert.ID)
		}
	}
	assert.Equal(t, []string{"a1", "a2", "a3", "a4", "a5"}, fastSeen)

	events := drainAll(t, slow)
	require.Len(t, events, 3)
	assert.Equal(t, EventGap, events[0].Kind)
	assert.Equal(t, 3, events[0].Missed)
	assert.Equal(t, "a4", events[1].Alert.ID)
	assert.Equal(t, "a5", events[2].Alert.ID)
	assert.Equal(t, uint64(3), slow.Dropped())
	assert.Equal(t, uint64(0), fast.Dropped())
}

func TestBus_PublishNeverBlocks(t *testing.T) {
	bus := newTestBus(WithQueueSize(4))
	sub, err := bus.Subscribe()
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			bus.Publish(alertN(i))
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on an unread subscriber")
	}
	assert.Equal(t, uint64(996), sub.Dropped())
}

func TestBus_ConcurrentSubscribeAndPublish(t *testing.T) {
	bus := newTestBus(WithQueueSize(1000))
	var wg sync.WaitGroup
	subs := make(chan *Subscription, 10)

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub, err := bus.Subscribe()
			if err == nil {
				subs <- sub
			}
		}()
	}
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				bus.Publish(alertN(base*100 + j))
			}
		}(i)
	}
	wg.Wait()
	close(subs)

	for sub := range subs {
		var last uint64
		for _, ev := range drainAll(t, sub) {
			assert.Greater(t, ev.Seq, last, "sequence must increase per subscriber")
			last = ev.Seq
		}
		bus.Unsubscribe(sub)
	}
	assert.Equal(t, 0, bus.SubscriberCount())
}

func TestBus_NextBlocksUntilPublish(t *testing.T) {
	bus := newTestBus()
	sub, err := bus.Subscribe()
	require.NoError(t, err)

	got := make(chan Event, 1)
	go func() {
		ev, err := sub.Next(context.Background())
		if err == nil {
			got <- ev
		}
		close(got)
	}()

	bus.Publish(alertN(7))
	select {
	case ev := <-got:
		assert.Equal(t, "a7", ev.Alert.ID)
	case <-time.After(time.Second):
		t.Fatal("Next did not wake up")
	}
}

func TestBus_NextHonoursContext(t *testing.T) {
	bus := newTestBus()
	sub, err := bus.Subscribe()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = sub.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBus_CloseEndsSubscriptions(t *testing.T) {
	bus := newTestBus()
	sub, err := bus.Subscribe()
	require.NoError(t, err)

	bus.Close()
	bus.Close()

	assert.False(t, sub.Alive())
	_, err = bus.Subscribe()
	assert.ErrorIs(t, err, ErrBusClosed)
	assert.Equal(t, uint64(0), bus.Publish(alertN(1)))
}
