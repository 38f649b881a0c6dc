// Package settlement tracks destination-side delivery of bridged intents and
// refunds those whose confirmation never arrives within the timeout window.
package settlement

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"intentrails/internal/bridge"
	"intentrails/internal/lifecycle"
	"intentrails/internal/notify"
)

// DefaultTimeout is the settlement window applied until the owner changes it.
const DefaultTimeout = 1800 * time.Second

type Config struct {
	Owner           common.Address
	ExecutorAddress common.Address
	BridgeAddress   common.Address
	// Refunder moves the assets back. When nil a refund is a pure state transition.
	Refunder bridge.Refunder
	Notifier notify.Notifier
	Timeout  time.Duration
	Now      func() time.Time
}

// Record is the settlement state of one intent. A zero Timestamp means "never tracked".
type Record struct {
	IntentID  uint64                     `json:"intentId"`
	Status    lifecycle.SettlementStatus `json:"status"`
	Timestamp time.Time                  `json:"timestamp"`
	MessageID common.Hash                `json:"messageId"`
	Reason    string                     `json:"reason,omitempty"`
	RefundTx  string                     `json:"refundTx,omitempty"`
}

type FailureRequest struct {
	IntentID uint64
	User     common.Address
	Token    common.Address
	Amount   *big.Int
	Reason   string
}

type RefundRequest struct {
	IntentID uint64
	User     common.Address
	Token    common.Address
	Amount   *big.Int
}

type Verifier struct {
	// calls serialises mutating operations, including the refund call-out.
	calls sync.Mutex

	mu      sync.RWMutex
	records map[uint64]*Record
	timeout time.Duration

	acl      lifecycle.ACL
	refunder bridge.Refunder
	notifier notify.Notifier
	now      func() time.Time
}

func New(cfg Config) (*Verifier, error) {
	if lifecycle.IsNull(cfg.ExecutorAddress) || lifecycle.IsNull(cfg.BridgeAddress) || lifecycle.IsNull(cfg.Owner) {
		return nil, lifecycle.ErrInvalidAddress
	}
	v := &Verifier{
		records: make(map[uint64]*Record),
		timeout: cfg.Timeout,
		acl: lifecycle.NewACL(map[lifecycle.Role]common.Address{
			lifecycle.RoleOwner:    cfg.Owner,
			lifecycle.RoleExecutor: cfg.ExecutorAddress,
			lifecycle.RoleBridge:   cfg.BridgeAddress,
		}),
		refunder: cfg.Refunder,
		notifier: cfg.Notifier,
		now:      cfg.Now,
	}
	if v.timeout <= 0 {
		v.timeout = DefaultTimeout
	}
	if v.notifier == nil {
		v.notifier = notify.Discard{}
	}
	if v.now == nil {
		v.now = time.Now
	}
	return v, nil
}

// record returns the settlement for id, creating a Pending one on first write.
// Callers hold v.mu.
func (v *Verifier) record(id uint64) *Record {
	rec, ok := v.records[id]
	if !ok {
		rec = &Record{IntentID: id, Status: lifecycle.SettlementPending}
		v.records[id] = rec
	}
	return rec
}

func (v *Verifier) status(id uint64) lifecycle.SettlementStatus {
	if rec, ok := v.records[id]; ok {
		return rec.Status
	}
	return lifecycle.SettlementPending
}

// VerifyDelivery confirms a bridged transfer at most once per intent.
func (v *Verifier) VerifyDelivery(ctx context.Context, caller common.Address, messageID common.Hash, intentID uint64) error {
	if err := v.acl.Require(caller, lifecycle.RoleBridge); err != nil {
		return err
	}
	if intentID == 0 {
		return lifecycle.ErrInvalidIntentID
	}
	if messageID == (common.Hash{}) {
		return lifecycle.ErrInvalidMessageID
	}

	v.calls.Lock()
	defer v.calls.Unlock()

	now := v.now()
	v.mu.Lock()
	if v.status(intentID) != lifecycle.SettlementPending {
		v.mu.Unlock()
		return lifecycle.ErrAlreadyProcessed
	}
	rec := v.record(intentID)
	rec.Timestamp = now
	rec.MessageID = messageID
	rec.Status = lifecycle.SettlementConfirmed
	v.mu.Unlock()

	v.notifier.Emit(ctx, notify.Event{
		Kind:      notify.KindSettlementConfirmed,
		Source:    notify.SourceSettlement,
		IntentID:  intentID,
		Principal: caller,
		MessageID: messageID,
		Timestamp: now,
	})
	return nil
}

// ConfirmSettlement sets Confirmed without looking at the prior status, so it
// will overwrite Failed or Refunded. VerifyDelivery is the guarded path.
func (v *Verifier) ConfirmSettlement(ctx context.Context, caller common.Address, intentID uint64) error {
	if err := v.acl.Require(caller, lifecycle.RoleOwner, lifecycle.RoleBridge); err != nil {
		return err
	}
	if intentID == 0 {
		return lifecycle.ErrInvalidIntentID
	}

	v.calls.Lock()
	defer v.calls.Unlock()

	v.mu.Lock()
	v.record(intentID).Status = lifecycle.SettlementConfirmed
	v.mu.Unlock()

	v.notifier.Emit(ctx, notify.Event{
		Kind:      notify.KindSettlementConfirmed,
		Source:    notify.SourceSettlement,
		IntentID:  intentID,
		Principal: caller,
		Timestamp: v.now(),
	})
	return nil
}

// Track starts the timeout window for a bridged intent. Re-tracking keeps the
// first timestamp, and a settlement that already left Pending is left alone.
func (v *Verifier) Track(ctx context.Context, caller common.Address, intentID uint64) error {
	if err := v.acl.Require(caller, lifecycle.RoleOwner, lifecycle.RoleExecutor); err != nil {
		return err
	}
	if intentID == 0 {
		return lifecycle.ErrInvalidIntentID
	}

	v.calls.Lock()
	defer v.calls.Unlock()

	now := v.now()
	v.mu.Lock()
	rec := v.record(intentID)
	if rec.Status != lifecycle.SettlementPending || !rec.Timestamp.IsZero() {
		v.mu.Unlock()
		return nil
	}
	rec.Timestamp = now
	v.mu.Unlock()

	v.notifier.Emit(ctx, notify.Event{
		Kind:      notify.KindSettlementTracked,
		Source:    notify.SourceSettlement,
		IntentID:  intentID,
		Principal: caller,
		Timestamp: now,
	})
	return nil
}

// HandleFailure fails and refunds a Pending settlement whose window has
// elapsed. Before the window elapses it succeeds without doing anything, and a
// settlement that already left Pending (Confirmed, Failed, Refunded) is left
// alone without error: Confirmed is terminal and a refund never runs twice.
func (v *Verifier) HandleFailure(ctx context.Context, caller common.Address, req FailureRequest) error {
	if err := v.acl.Require(caller, lifecycle.RoleOwner, lifecycle.RoleExecutor); err != nil {
		return err
	}
	if req.IntentID == 0 {
		return lifecycle.ErrInvalidIntentID
	}

	v.calls.Lock()
	defer v.calls.Unlock()

	now := v.now()
	v.mu.RLock()
	status := v.status(req.IntentID)
	expired := v.expired(req.IntentID, now)
	v.mu.RUnlock()

	if !expired || status != lifecycle.SettlementPending {
		return nil
	}

	refundTx, err := v.refund(ctx, RefundRequest{IntentID: req.IntentID, User: req.User, Token: req.Token, Amount: req.Amount})
	if err != nil {
		return err
	}

	v.mu.Lock()
	rec := v.record(req.IntentID)
	rec.Status = lifecycle.SettlementFailed
	rec.Reason = req.Reason
	v.mu.Unlock()

	v.notifier.Emit(ctx, notify.Event{
		Kind:      notify.KindSettlementFailed,
		Source:    notify.SourceSettlement,
		IntentID:  req.IntentID,
		Principal: caller,
		Reason:    req.Reason,
		Timestamp: now,
	})

	v.markRefunded(ctx, caller, RefundRequest{IntentID: req.IntentID, User: req.User, Token: req.Token, Amount: req.Amount}, refundTx, now)
	return nil
}

// InitiateRefund refunds a settlement that is still Pending or already Failed.
func (v *Verifier) InitiateRefund(ctx context.Context, caller common.Address, req RefundRequest) error {
	if err := v.acl.Require(caller, lifecycle.RoleOwner, lifecycle.RoleExecutor); err != nil {
		return err
	}
	if req.IntentID == 0 {
		return lifecycle.ErrInvalidIntentID
	}

	v.calls.Lock()
	defer v.calls.Unlock()

	v.mu.RLock()
	status := v.status(req.IntentID)
	v.mu.RUnlock()
	if status == lifecycle.SettlementConfirmed || status == lifecycle.SettlementRefunded {
		return lifecycle.ErrAlreadyProcessed
	}

	refundTx, err := v.refund(ctx, req)
	if err != nil {
		return err
	}
	v.markRefunded(ctx, caller, req, refundTx, v.now())
	return nil
}

func (v *Verifier) refund(ctx context.Context, req RefundRequest) (string, error) {
	if v.refunder == nil {
		return "", nil
	}
	tx, err := v.refunder.Refund(ctx, bridge.RefundRequest{
		IntentID: req.IntentID,
		User:     req.User,
		Token:    req.Token,
		Amount:   req.Amount,
	})
	if err != nil {
		return "", lifecycle.Wrap(lifecycle.KindRefundFailed, fmt.Sprintf("refund intent %d", req.IntentID), err)
	}
	return tx, nil
}

func (v *Verifier) markRefunded(ctx context.Context, caller common.Address, req RefundRequest, refundTx string, now time.Time) {
	v.mu.Lock()
	rec := v.record(req.IntentID)
	rec.Status = lifecycle.SettlementRefunded
	rec.RefundTx = refundTx
	v.mu.Unlock()

	ev := notify.Event{
		Kind:      notify.KindRefundInitiated,
		Source:    notify.SourceSettlement,
		IntentID:  req.IntentID,
		Principal: caller,
		Recipient: req.User,
		Token:     req.Token,
		Timestamp: now,
	}
	if req.Amount != nil {
		ev.Amount = new(big.Int).Set(req.Amount)
	}
	v.notifier.Emit(ctx, ev)
}

// expired reports whether a tracked window has elapsed. Callers hold v.mu.
func (v *Verifier) expired(id uint64, now time.Time) bool {
	rec, ok := v.records[id]
	if !ok || rec.Timestamp.IsZero() {
		return false
	}
	return now.Sub(rec.Timestamp) > v.timeout
}

func (v *Verifier) HasTimedOut(intentID uint64) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.expired(intentID, v.now())
}

// GetSettlementStatus reads as Pending for ids that were never written.
// Use Settlement to tell the two apart.
func (v *Verifier) GetSettlementStatus(intentID uint64) lifecycle.SettlementStatus {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.status(intentID)
}

func (v *Verifier) GetSettlementTimestamp(intentID uint64) time.Time {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if rec, ok := v.records[intentID]; ok {
		return rec.Timestamp
	}
	return time.Time{}
}

func (v *Verifier) Settlement(intentID uint64) (Record, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	rec, ok := v.records[intentID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

func (v *Verifier) TimeoutPeriod() time.Duration {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.timeout
}

// SetTimeoutPeriod is owner-only and accepts any value, zero included.
func (v *Verifier) SetTimeoutPeriod(ctx context.Context, caller common.Address, timeout time.Duration) error {
	if err := v.acl.Require(caller, lifecycle.RoleOwner); err != nil {
		return err
	}
	v.mu.Lock()
	v.timeout = timeout
	v.mu.Unlock()

	v.notifier.Emit(ctx, notify.Event{
		Kind:      notify.KindTimeoutUpdated,
		Source:    notify.SourceSettlement,
		Principal: caller,
		Timeout:   timeout,
		Timestamp: v.now(),
	})
	return nil
}

func (v *Verifier) Owner() common.Address {
	return v.acl.Principal(lifecycle.RoleOwner)
}

func (v *Verifier) ExecutorAddress() common.Address {
	return v.acl.Principal(lifecycle.RoleExecutor)
}

func (v *Verifier) BridgeAddress() common.Address {
	return v.acl.Principal(lifecycle.RoleBridge)
}
