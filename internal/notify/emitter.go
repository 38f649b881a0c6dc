package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// RetryPolicy controls redelivery of an event to a failing sink.
type RetryPolicy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier int
}

// Observer receives delivery outcomes, typically a metrics registry.
type Observer interface {
	IncPublish(result string)
	SetDLQDepth(depth int)
}

// NamedSink labels a sink for logs and DLQ entries.
type NamedSink struct {
	Name string
	Sink Sink
}

// DefaultQueueSize bounds the events waiting for delivery.
const DefaultQueueSize = 1024

var (
	errQueueFull = errors.New("delivery queue full")
	errClosed    = errors.New("emitter closed")
)

// Emitter fans events out to sinks. Emit only enqueues; a single worker
// delivers in emission order, so retry backoff never runs on the caller's
// goroutine. A sink that keeps failing after the retry policy is exhausted
// gets the event written to the dead letter directory, as does any event that
// finds the queue full or the emitter closed.
type Emitter struct {
	sinks    []NamedSink
	retry    RetryPolicy
	dlqPath  string
	log      *logrus.Entry
	observer Observer
	now      func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan Event
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

type EmitterConfig struct {
	Retry     RetryPolicy
	DLQPath   string
	QueueSize int
	Logger    *logrus.Logger
	Observer  Observer
}

// NewEmitter starts the delivery worker; Close stops it.
func NewEmitter(cfg EmitterConfig, sinks ...NamedSink) *Emitter {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Emitter{
		sinks:    sinks,
		retry:    cfg.Retry,
		dlqPath:  cfg.DLQPath,
		log:      logger.WithField("component", "notify"),
		observer: cfg.Observer,
		now:      time.Now,
		queue:    make(chan Event, size),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go e.run()
	return e
}

// Emit queues ev and returns without waiting on any sink.
func (e *Emitter) Emit(_ context.Context, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now().UTC()
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		e.deadLetter("emitter", ev, errClosed)
		return
	}
	select {
	case e.queue <- ev:
	default:
		e.deadLetter("emitter", ev, errQueueFull)
	}
}

// Close stops accepting events and waits for the queue to drain. When ctx
// ends first, pending retries are abandoned and their events dead-lettered.
func (e *Emitter) Close(ctx context.Context) error {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.queue)
	}
	e.mu.Unlock()

	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		e.cancel()
		<-e.done
		return ctx.Err()
	}
}

func (e *Emitter) run() {
	defer close(e.done)
	defer e.cancel()
	for ev := range e.queue {
		e.deliver(e.ctx, ev)
	}
}

func (e *Emitter) deliver(ctx context.Context, ev Event) {
	for _, s := range e.sinks {
		if err := e.publishWithRetry(ctx, s.Sink, ev); err != nil {
			e.deadLetter(s.Name, ev, err)
		}
	}
}

func (e *Emitter) deadLetter(sinkName string, ev Event, err error) {
	e.log.WithFields(logrus.Fields{
		"sink":     sinkName,
		"kind":     ev.Kind,
		"intentId": ev.IntentID,
	}).WithError(err).Warn("event delivery failed")
	if errors.Is(err, errQueueFull) || errors.Is(err, errClosed) {
		e.observe("dropped")
	}
	e.writeDLQ(sinkName, ev, err)
}

func (e *Emitter) publishWithRetry(ctx context.Context, sink Sink, ev Event) error {
	attempts := e.retry.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	backoff := e.retry.InitialBackoff
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}

	for i := 1; i <= attempts; i++ {
		err := sink.Publish(ctx, ev)
		if err == nil {
			e.observe("success")
			return nil
		}
		if i == attempts {
			e.observe("failed")
			return err
		}

		e.observe("retry")
		sleep := backoff
		if e.retry.MaxBackoff > 0 && sleep > e.retry.MaxBackoff {
			sleep = e.retry.MaxBackoff
		}
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return ctx.Err()
		}

		if e.retry.BackoffMultiplier > 1 {
			backoff = backoff * time.Duration(e.retry.BackoffMultiplier)
		}
	}

	return errors.New("exhausted retries")
}

func (e *Emitter) observe(result string) {
	if e.observer != nil {
		e.observer.IncPublish(result)
	}
}

func (e *Emitter) writeDLQ(sinkName string, ev Event, deliveryErr error) {
	if e.dlqPath == "" {
		return
	}

	entry := struct {
		Timestamp time.Time `json:"timestamp"`
		Sink      string    `json:"sink"`
		Event     Event     `json:"event"`
		Error     string    `json:"error"`
	}{
		Timestamp: e.now().UTC(),
		Sink:      sinkName,
		Event:     ev,
		Error:     deliveryErr.Error(),
	}

	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		e.log.WithError(err).Error("dlq marshal")
		return
	}

	if err := os.MkdirAll(e.dlqPath, 0o755); err != nil {
		e.log.WithError(err).Error("dlq mkdir")
		return
	}

	filename := fmt.Sprintf("%d-%s-%s-%d.json", e.now().UnixNano(), sinkName, ev.Kind, ev.IntentID)
	if err := os.WriteFile(filepath.Join(e.dlqPath, filename), data, 0o600); err != nil {
		e.log.WithError(err).Error("dlq write")
	}

	e.UpdateDLQDepth()
}

// UpdateDLQDepth refreshes and returns the number of dead-lettered events.
func (e *Emitter) UpdateDLQDepth() int {
	depth := e.currentDLQDepth()
	if e.observer != nil {
		e.observer.SetDLQDepth(depth)
	}
	return depth
}

func (e *Emitter) currentDLQDepth() int {
	if e.dlqPath == "" {
		return 0
	}
	entries, err := os.ReadDir(e.dlqPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			e.log.WithError(err).Error("dlq read")
		}
		return 0
	}
	return len(entries)
}
