package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakySink struct {
	failures int
	calls    int
	got      []Event
}

func (f *flakySink) Publish(_ context.Context, ev Event) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("broker unavailable")
	}
	f.got = append(f.got, ev)
	return nil
}

type countingObserver struct {
	results map[string]int
	depth   int
}

func (c *countingObserver) IncPublish(result string) {
	if c.results == nil {
		c.results = make(map[string]int)
	}
	c.results[result]++
}

func (c *countingObserver) SetDLQDepth(depth int) { c.depth = depth }

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(&bytes.Buffer{})
	return l
}

func TestEmitterRetriesThenDelivers(t *testing.T) {
	sink := &flakySink{failures: 1}
	obs := &countingObserver{}
	em := NewEmitter(EmitterConfig{
		Retry:    RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, BackoffMultiplier: 2},
		Logger:   quietLogger(),
		Observer: obs,
	}, NamedSink{Name: "flaky", Sink: sink})

	em.Emit(context.Background(), Event{Kind: KindPaused, Source: SourceExecutor})
	require.NoError(t, em.Close(context.Background()))

	require.Len(t, sink.got, 1)
	assert.Equal(t, 2, sink.calls)
	assert.False(t, sink.got[0].Timestamp.IsZero(), "emitter stamps events without a timestamp")
	assert.Equal(t, 1, obs.results["retry"])
	assert.Equal(t, 1, obs.results["success"])
}

func TestEmitterDeadLettersAfterExhaustingRetries(t *testing.T) {
	dlq := t.TempDir()
	sink := &flakySink{failures: 10}
	journal := NewJournal()
	obs := &countingObserver{}
	em := NewEmitter(EmitterConfig{
		Retry:    RetryPolicy{MaxAttempts: 2, InitialBackoff: time.Millisecond},
		DLQPath:  dlq,
		Logger:   quietLogger(),
		Observer: obs,
	}, NamedSink{Name: "nats", Sink: sink}, NamedSink{Name: "journal", Sink: journal})

	em.Emit(context.Background(), Event{Kind: KindRefundInitiated, Source: SourceSettlement, IntentID: 9})
	require.NoError(t, em.Close(context.Background()))

	entries, err := os.ReadDir(dlq)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 1, obs.depth)
	assert.Len(t, journal.Events(), 1, "a failing sink must not block the others")

	raw, err := os.ReadFile(filepath.Join(dlq, entries[0].Name()))
	require.NoError(t, err)
	var entry struct {
		Sink  string `json:"sink"`
		Event Event  `json:"event"`
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(raw, &entry))
	assert.Equal(t, "nats", entry.Sink)
	assert.Equal(t, uint64(9), entry.Event.IntentID)
	assert.Equal(t, "broker unavailable", entry.Error)
}

type blockingSink struct {
	release chan struct{}
	got     chan Event
}

func (b *blockingSink) Publish(ctx context.Context, ev Event) error {
	select {
	case <-b.release:
		b.got <- ev
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestEmitDoesNotWaitOnSinks(t *testing.T) {
	dlq := t.TempDir()
	sink := &blockingSink{release: make(chan struct{}), got: make(chan Event, 4)}
	em := NewEmitter(EmitterConfig{
		Retry:     RetryPolicy{MaxAttempts: 5, InitialBackoff: time.Hour},
		DLQPath:   dlq,
		QueueSize: 1,
		Logger:    quietLogger(),
	}, NamedSink{Name: "slow", Sink: sink})

	returned := make(chan struct{})
	go func() {
		// The worker holds the first event, the queue the second, the third overflows.
		em.Emit(context.Background(), Event{Kind: KindIntentExecuted, IntentID: 1})
		em.Emit(context.Background(), Event{Kind: KindIntentExecuted, IntentID: 2})
		em.Emit(context.Background(), Event{Kind: KindIntentExecuted, IntentID: 3})
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked on a stalled sink")
	}

	close(sink.release)
	require.NoError(t, em.Close(context.Background()))
	close(sink.got)

	var delivered []uint64
	for ev := range sink.got {
		delivered = append(delivered, ev.IntentID)
	}
	entries, err := os.ReadDir(dlq)
	require.NoError(t, err)
	assert.Equal(t, 3, len(delivered)+len(entries), "every event is delivered or dead-lettered")
	assert.IsIncreasing(t, delivered)
}

func TestEmitterCloseAbandonsRetries(t *testing.T) {
	dlq := t.TempDir()
	sink := &flakySink{failures: 100}
	em := NewEmitter(EmitterConfig{
		Retry:   RetryPolicy{MaxAttempts: 5, InitialBackoff: time.Hour},
		DLQPath: dlq,
		Logger:  quietLogger(),
	}, NamedSink{Name: "nats", Sink: sink})

	em.Emit(context.Background(), Event{Kind: KindBridgeInitiated, IntentID: 4})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, em.Close(ctx), context.DeadlineExceeded)

	em.Emit(context.Background(), Event{Kind: KindBridgeInitiated, IntentID: 5})
	entries, err := os.ReadDir(dlq)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "the abandoned event and the late one are both dead-lettered")
	assert.NoError(t, em.Close(context.Background()), "closing twice is harmless")
}

func TestJournalFiltersBySource(t *testing.T) {
	j := NewJournal()
	ctx := context.Background()
	j.Emit(ctx, Event{Kind: KindIntentValidated, Source: SourceValidator})
	j.Emit(ctx, Event{Kind: KindBridgeInitiated, Source: SourceExecutor})
	j.Emit(ctx, Event{Kind: KindIntentExecuted, Source: SourceExecutor})

	assert.Equal(t, []Kind{KindBridgeInitiated, KindIntentExecuted}, j.Kinds(SourceExecutor))
	assert.Len(t, j.Filter(SourceValidator), 1)
	assert.Len(t, j.Events(), 3)
}

func TestNATSSinkSubject(t *testing.T) {
	s := NewNATSSink(nil, "")
	ev := Event{Kind: KindSettlementConfirmed, Source: SourceSettlement, Principal: common.HexToAddress("0x1")}
	assert.Equal(t, "intents.settlement.SettlementConfirmed", s.Subject(ev))
}
