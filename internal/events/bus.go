// Package events carries usage and alert events from the router core to
// external collaborators (usage persistence, notification delivery) without
// blocking the request path.
package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/routeguard/routeguard/internal/logger"
	"github.com/routeguard/routeguard/internal/monitoring"
)

// UsageEvent is emitted after every completed pipeline run.
type UsageEvent struct {
	RequestID  string    `json:"request_id"`
	Provider   string    `json:"provider"`
	Endpoint   string    `json:"endpoint"`
	Model      string    `json:"model"`
	LatencyMs  int64     `json:"latency_ms"`
	Success    bool      `json:"success"`
	TokensIn   int64     `json:"tokens_in"`
	TokensOut  int64     `json:"tokens_out"`
	Cost       float64   `json:"cost"`
	APIKey     string    `json:"api_key,omitempty"`
	Team       string    `json:"team,omitempty"`
	Department string    `json:"department,omitempty"`
	User       string    `json:"user,omitempty"`
	Tenant     string    `json:"tenant,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// AlertKind classifies alert events.
type AlertKind string

const (
	AlertCircuitOpened  AlertKind = "circuit_opened"
	AlertCircuitClosed  AlertKind = "circuit_closed"
	AlertBudgetWarning  AlertKind = "budget_warning"
	AlertBudgetExceeded AlertKind = "budget_exceeded"
)

// AlertEvent is emitted on circuit transitions and budget decisions.
type AlertEvent struct {
	Kind      AlertKind         `json:"kind"`
	Context   map[string]string `json:"context"`
	Timestamp time.Time         `json:"timestamp"`
}

// UsageSink consumes usage events, typically persisting them.
type UsageSink interface {
	ConsumeUsage(ctx context.Context, ev UsageEvent) error
}

// AlertSink consumes alert events, typically forwarding them to a notifier.
type AlertSink interface {
	ConsumeAlert(ctx context.Context, ev AlertEvent) error
}

// AlertPublisher is the narrow interface components use to emit alerts.
// *Bus implements it; a nil publisher is valid and drops everything.
type AlertPublisher interface {
	PublishAlert(ev AlertEvent) bool
}

// Bus is a buffered asynchronous event dispatcher.
//
// Publishing never blocks: when a buffer is full the event is dropped and
// counted. Workers drain the buffers into the registered sinks until Close.
type Bus struct {
	usage  chan UsageEvent
	alerts chan AlertEvent

	mu         sync.Mutex
	usageSinks []UsageSink
	alertSinks []AlertSink
	started    bool

	droppedUsage  uint64
	droppedAlerts uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

// NewBus creates a bus with the given buffer size per event type.
func NewBus(bufferSize int, log *slog.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Bus{
		usage:  make(chan UsageEvent, bufferSize),
		alerts: make(chan AlertEvent, bufferSize),
		logger: log,
	}
}

// AddUsageSink registers a usage consumer. Must be called before Start.
func (b *Bus) AddUsageSink(s UsageSink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.usageSinks = append(b.usageSinks, s)
}

// AddAlertSink registers an alert consumer. Must be called before Start.
func (b *Bus) AddAlertSink(s AlertSink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.alertSinks = append(b.alertSinks, s)
}

// Start launches the dispatcher workers. Must be called once.
func (b *Bus) Start() {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel

	b.wg.Add(2)
	go b.usageWorker(ctx)
	go b.alertWorker(ctx)

	b.logger.Info("Event bus started",
		"buffer_size", cap(b.usage),
		"usage_sinks", len(b.usageSinks),
		"alert_sinks", len(b.alertSinks),
	)
}

// PublishUsage enqueues a usage event. Returns false if the event was
// dropped because the buffer is full.
func (b *Bus) PublishUsage(ev UsageEvent) bool {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	select {
	case b.usage <- ev:
		return true
	default:
		atomic.AddUint64(&b.droppedUsage, 1)
		monitoring.EventsDropped.WithLabelValues("usage").Inc()
		return false
	}
}

// PublishAlert enqueues an alert event. Returns false if the event was
// dropped because the buffer is full.
func (b *Bus) PublishAlert(ev AlertEvent) bool {
	if b == nil {
		return false
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	select {
	case b.alerts <- ev:
		return true
	default:
		atomic.AddUint64(&b.droppedAlerts, 1)
		monitoring.EventsDropped.WithLabelValues("alert").Inc()
		return false
	}
}

// Dropped returns how many usage and alert events were dropped so far.
func (b *Bus) Dropped() (usage, alerts uint64) {
	return atomic.LoadUint64(&b.droppedUsage), atomic.LoadUint64(&b.droppedAlerts)
}

// Close stops accepting new events, drains what is buffered and waits for
// the workers, bounded by ctx.
func (b *Bus) Close(ctx context.Context) error {
	close(b.usage)
	close(b.alerts)

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if b.cancel != nil {
			b.cancel()
		}
		return nil
	case <-ctx.Done():
		if b.cancel != nil {
			b.cancel()
		}
		return ctx.Err()
	}
}

func (b *Bus) usageWorker(ctx context.Context) {
	defer b.wg.Done()
	for ev := range b.usage {
		for _, sink := range b.usageSinks {
			if err := sink.ConsumeUsage(ctx, ev); err != nil {
				b.logger.Error("Usage sink failed",
					"request_id", ev.RequestID,
					"provider", ev.Provider,
					"error", err,
				)
			}
		}
	}
}

func (b *Bus) alertWorker(ctx context.Context) {
	defer b.wg.Done()
	for ev := range b.alerts {
		for _, sink := range b.alertSinks {
			if err := sink.ConsumeAlert(ctx, ev); err != nil {
				b.logger.Error("Alert sink failed",
					"kind", ev.Kind,
					"error", err,
				)
			}
		}
	}
}
