// Package sweeper periodically fails and refunds bridged intents whose
// settlement window elapsed without a delivery confirmation.
package sweeper

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"intentrails/internal/executor"
	"intentrails/internal/lifecycle"
	"intentrails/internal/settlement"
)

// Intents is the executor-side view the sweeper walks.
type Intents interface {
	IntentCount() uint64
	Intent(id uint64) (executor.Intent, bool)
}

// Settlements is the verifier-side view the sweeper acts on.
type Settlements interface {
	GetSettlementStatus(intentID uint64) lifecycle.SettlementStatus
	HasTimedOut(intentID uint64) bool
	HandleFailure(ctx context.Context, caller common.Address, req settlement.FailureRequest) error
}

// Observer receives per-pass totals.
type Observer interface {
	ObserveSweep(refunded, failed int)
}

type Config struct {
	Intents     Intents
	Settlements Settlements
	// Caller is the principal HandleFailure runs as, normally the executor's.
	Caller   common.Address
	Interval time.Duration
	Logger   *logrus.Logger
	Observer Observer
}

type Sweeper struct {
	intents     Intents
	settlements Settlements
	caller      common.Address
	interval    time.Duration
	log         *logrus.Entry
	observer    Observer

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	// closed holds ids whose settlement left Pending; they are never revisited.
	closed map[uint64]struct{}
}

func New(cfg Config) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Sweeper{
		intents:     cfg.Intents,
		settlements: cfg.Settlements,
		caller:      cfg.Caller,
		interval:    cfg.Interval,
		log:         cfg.Logger.WithField("component", "settlement-sweeper"),
		observer:    cfg.Observer,
		closed:      make(map[uint64]struct{}),
	}
}

// Start runs an initial pass and then one per interval until Stop.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	s.log.WithField("interval", s.interval).Info("starting settlement sweeper")
	go s.loop(s.stopCh, s.doneCh)
}

// Stop halts the loop and waits for an in-progress pass to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	done := s.doneCh
	s.mu.Unlock()

	<-done
	s.log.Info("settlement sweeper stopped")
}

func (s *Sweeper) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	s.Sweep(ctx)
	for {
		select {
		case <-ticker.C:
			s.Sweep(ctx)
		case <-stop:
			return
		}
	}
}

// Sweep makes one pass over every completed intent and returns how many were refunded.
func (s *Sweeper) Sweep(ctx context.Context) int {
	count := s.intents.IntentCount()
	refunded, failed := 0, 0

	for id := uint64(1); id <= count; id++ {
		if ctx.Err() != nil {
			break
		}
		if s.isClosed(id) {
			continue
		}
		intent, ok := s.intents.Intent(id)
		if !ok {
			continue
		}
		if intent.Status == lifecycle.IntentFailed {
			s.close(id)
			continue
		}
		if intent.Status != lifecycle.IntentCompleted {
			continue
		}
		if s.settlements.GetSettlementStatus(id) != lifecycle.SettlementPending {
			s.close(id)
			continue
		}
		if !s.settlements.HasTimedOut(id) {
			continue
		}

		entry := s.log.WithFields(logrus.Fields{"intentId": id, "user": intent.User.Hex()})
		err := s.settlements.HandleFailure(ctx, s.caller, settlement.FailureRequest{
			IntentID: id,
			User:     intent.User,
			Token:    intent.Token,
			Amount:   intent.Amount,
			Reason:   "settlement timeout",
		})
		switch {
		case err == nil && s.settlements.GetSettlementStatus(id) == lifecycle.SettlementRefunded:
			entry.Warn("settlement timed out, refund initiated")
			refunded++
			s.close(id)
		case err == nil:
			entry.Debug("settlement resolved concurrently")
			s.close(id)
		default:
			entry.WithError(err).Error("timeout refund failed, will retry")
			failed++
		}
	}

	if refunded > 0 || failed > 0 {
		s.log.WithFields(logrus.Fields{"refunded": refunded, "failed": failed}).Info("sweep finished")
	}
	if s.observer != nil {
		s.observer.ObserveSweep(refunded, failed)
	}
	return refunded
}

func (s *Sweeper) isClosed(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.closed[id]
	return ok
}

func (s *Sweeper) close(id uint64) {
	s.mu.Lock()
	s.closed[id] = struct{}{}
	s.mu.Unlock()
}
