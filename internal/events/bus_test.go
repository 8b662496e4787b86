package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type usageCollector struct {
	mu     sync.Mutex
	events []UsageEvent
	err    error
}

func (c *usageCollector) ConsumeUsage(_ context.Context, ev UsageEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return c.err
}

func (c *usageCollector) snapshot() []UsageEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]UsageEvent(nil), c.events...)
}

type alertCollector struct {
	mu     sync.Mutex
	events []AlertEvent
}

func (c *alertCollector) ConsumeAlert(_ context.Context, ev AlertEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *alertCollector) snapshot() []AlertEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]AlertEvent(nil), c.events...)
}

func closeBus(t *testing.T, b *Bus) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, b.Close(ctx))
}

func TestBus_DeliversUsageInOrder(t *testing.T) {
	sink := &usageCollector{}
	b := NewBus(16, nil)
	b.AddUsageSink(sink)
	b.Start()

	for i := 0; i < 5; i++ {
		assert.True(t, b.PublishUsage(UsageEvent{RequestID: string(rune('a' + i))}))
	}
	closeBus(t, b)

	got := sink.snapshot()
	require.Len(t, got, 5)
	for i, ev := range got {
		assert.Equal(t, string(rune('a'+i)), ev.RequestID)
		assert.False(t, ev.Timestamp.IsZero(), "timestamp is stamped on publish")
	}
}

func TestBus_DeliversAlertsToAllSinks(t *testing.T) {
	first := &alertCollector{}
	second := &alertCollector{}
	b := NewBus(16, nil)
	b.AddAlertSink(first)
	b.AddAlertSink(second)
	b.Start()

	assert.True(t, b.PublishAlert(AlertEvent{Kind: AlertCircuitOpened}))
	closeBus(t, b)

	require.Len(t, first.snapshot(), 1)
	require.Len(t, second.snapshot(), 1)
	assert.Equal(t, AlertCircuitOpened, first.snapshot()[0].Kind)
}

func TestBus_FullBufferDropsInsteadOfBlocking(t *testing.T) {
	// Never started: nothing drains the buffer.
	b := NewBus(2, nil)

	assert.True(t, b.PublishUsage(UsageEvent{}))
	assert.True(t, b.PublishUsage(UsageEvent{}))

	done := make(chan bool, 1)
	go func() {
		done <- b.PublishUsage(UsageEvent{})
	}()
	select {
	case accepted := <-done:
		assert.False(t, accepted)
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full buffer")
	}

	usage, alerts := b.Dropped()
	assert.Equal(t, uint64(1), usage)
	assert.Equal(t, uint64(0), alerts)
}

func TestBus_SinkErrorDoesNotStopDelivery(t *testing.T) {
	failing := &usageCollector{err: errors.New("insert failed")}
	healthy := &usageCollector{}
	b := NewBus(16, nil)
	b.AddUsageSink(failing)
	b.AddUsageSink(healthy)
	b.Start()

	b.PublishUsage(UsageEvent{RequestID: "r1"})
	b.PublishUsage(UsageEvent{RequestID: "r2"})
	closeBus(t, b)

	assert.Len(t, healthy.snapshot(), 2)
}

func TestBus_CloseDrainsBufferedEvents(t *testing.T) {
	sink := &usageCollector{}
	b := NewBus(64, nil)
	b.AddUsageSink(sink)

	// Publish before the workers start so everything sits in the buffer.
	for i := 0; i < 10; i++ {
		b.PublishUsage(UsageEvent{})
	}
	b.Start()
	closeBus(t, b)

	assert.Len(t, sink.snapshot(), 10)
}

func TestBus_NilPublisherDropsAlerts(t *testing.T) {
	var b *Bus
	assert.False(t, b.PublishAlert(AlertEvent{Kind: AlertBudgetWarning}))
}
