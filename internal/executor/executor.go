// Package executor owns the intent lifecycle: it validates a route request, runs
// the optional swap step and the bridge step, and moves the intent through
// Executing to Completed or Failed.
//
// A single reentrancy lock covers the whole executor. Independent callers are
// served one at a time; a nested ExecuteRoute issued from inside the swap or
// bridge step fails with ReentrancyGuard. A nested call that carries the
// in-flight context fails at once. One that arrived with a fresh context (a
// callback over HTTP or NATS) queues like any other caller, and every queued
// caller gives up with ReentrancyGuard after QueueTimeout or when its context
// ends, so a nested call can never wedge the executor.
package executor

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
	"intentrails/internal/validator"
)

// Validator is the intent gatekeeper consulted before any state is committed.
type Validator interface {
	Validate(ctx context.Context, req validator.Request) (bool, error)
}

// Tracker starts the settlement timeout window once a transfer is bridged.
type Tracker interface {
	Track(ctx context.Context, caller common.Address, intentID uint64) error
}

type Config struct {
	Owner            common.Address
	Self             common.Address
	ValidatorAddress common.Address
	BridgeAddress    common.Address
	Validator        Validator
	Bridge           bridge.Client
	Swapper          bridge.Swapper
	Tracker          Tracker
	Notifier         notify.Notifier
	Now              func() time.Time
	// QueueTimeout bounds how long a caller waits for a running route.
	// Zero means DefaultQueueTimeout.
	QueueTimeout time.Duration
}

const DefaultQueueTimeout = 30 * time.Second

type RouteRequest struct {
	TokenIn          common.Address
	Amount           *big.Int
	DestinationChain uint64
	Recipient        common.Address
	SwapPayload      []byte
}

// Intent is the executor's record of one route execution.
type Intent struct {
	ID               uint64                 `json:"id"`
	User             common.Address         `json:"user"`
	Token            common.Address         `json:"token"`
	Amount           *big.Int               `json:"amount"`
	BridgedToken     common.Address         `json:"bridgedToken"`
	BridgedAmount    *big.Int               `json:"bridgedAmount,omitempty"`
	DestinationChain uint64                 `json:"destinationChain"`
	Recipient        common.Address         `json:"recipient"`
	Status           lifecycle.IntentStatus `json:"status"`
	MessageID        common.Hash            `json:"messageId"`
	FailureReason    string                 `json:"failureReason,omitempty"`
	CreatedAt        time.Time              `json:"createdAt"`
	UpdatedAt        time.Time              `json:"updatedAt"`
}

func (i Intent) clone() Intent {
	out := i
	if i.Amount != nil {
		out.Amount = new(big.Int).Set(i.Amount)
	}
	if i.BridgedAmount != nil {
		out.BridgedAmount = new(big.Int).Set(i.BridgedAmount)
	}
	return out
}

type Executor struct {
	// slot admits one route at a time; a buffered channel so waiters can give up.
	slot         chan struct{}
	queueTimeout time.Duration

	mu      sync.Mutex
	counter uint64
	intents map[uint64]*Intent
	paused  bool
	locked  bool

	acl           lifecycle.ACL
	self          common.Address
	validatorAddr common.Address
	validator     Validator
	bridge        bridge.Client
	swapper       bridge.Swapper
	tracker       Tracker
	notifier      notify.Notifier
	now           func() time.Time
}

func New(cfg Config) (*Executor, error) {
	if lifecycle.IsNull(cfg.ValidatorAddress) || lifecycle.IsNull(cfg.BridgeAddress) {
		return nil, lifecycle.ErrInvalidAddress
	}
	if lifecycle.IsNull(cfg.Owner) || lifecycle.IsNull(cfg.Self) {
		return nil, lifecycle.ErrInvalidAddress
	}
	if cfg.Validator == nil || cfg.Bridge == nil {
		return nil, fmt.Errorf("validator and bridge are required: %w", lifecycle.ErrInvalidAddress)
	}

	e := &Executor{
		slot:         make(chan struct{}, 1),
		queueTimeout: cfg.QueueTimeout,
		intents:      make(map[uint64]*Intent),
		acl: lifecycle.NewACL(map[lifecycle.Role]common.Address{
			lifecycle.RoleOwner:  cfg.Owner,
			lifecycle.RoleBridge: cfg.BridgeAddress,
		}),
		self:          cfg.Self,
		validatorAddr: cfg.ValidatorAddress,
		validator:     cfg.Validator,
		bridge:        cfg.Bridge,
		swapper:       cfg.Swapper,
		tracker:       cfg.Tracker,
		notifier:      cfg.Notifier,
		now:           cfg.Now,
	}
	if e.swapper == nil {
		e.swapper = bridge.PassThrough{}
	}
	if e.notifier == nil {
		e.notifier = notify.Discard{}
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.queueTimeout <= 0 {
		e.queueTimeout = DefaultQueueTimeout
	}
	return e, nil
}

// ExecuteRoute runs a route for caller and returns the new intent id.
//
// Input and validation failures leave no trace and consume no id. A failed swap
// or bridge step moves the intent to Failed; its id is consumed and never reused.
func (e *Executor) ExecuteRoute(ctx context.Context, caller common.Address, req RouteRequest) (uint64, error) {
	if !inFlight(ctx, e) {
		leave, err := e.acquire(ctx)
		if err != nil {
			return 0, err
		}
		defer leave()
	}

	if e.Paused() {
		return 0, lifecycle.ErrContractPaused
	}

	release, err := e.enter()
	if err != nil {
		return 0, err
	}
	defer release()
	ctx = withInFlight(ctx, e)

	id := e.begin(caller, req)

	if lifecycle.IsNull(req.TokenIn) || lifecycle.IsNull(req.Recipient) {
		e.discard(id)
		return 0, lifecycle.ErrInvalidAddress
	}
	if !lifecycle.ValidAmount(req.Amount) {
		e.discard(id)
		return 0, lifecycle.ErrInvalidAmount
	}

	if _, err := e.validator.Validate(ctx, validator.Request{
		User:             caller,
		Token:            req.TokenIn,
		Amount:           req.Amount,
		DestinationChain: req.DestinationChain,
		Spender:          e.self,
	}); err != nil {
		e.discard(id)
		return 0, lifecycle.Wrap(lifecycle.KindValidationFailed, "validate intent", err)
	}

	tokenOut := req.TokenIn
	amount := new(big.Int).Set(req.Amount)
	if len(req.SwapPayload) > 0 {
		res, err := e.swapper.Swap(ctx, bridge.SwapRequest{
			IntentID: id,
			TokenIn:  req.TokenIn,
			Amount:   amount,
			Payload:  req.SwapPayload,
		})
		if err == nil && !lifecycle.ValidAmount(res.AmountOut) {
			err = fmt.Errorf("swap returned no output")
		}
		if err != nil {
			return 0, e.fail(ctx, id, caller, lifecycle.Wrap(lifecycle.KindSwapFailed, "swap", err))
		}
		if !lifecycle.IsNull(res.TokenOut) {
			tokenOut = res.TokenOut
		}
		e.notifier.Emit(ctx, notify.Event{
			Kind:      notify.KindSwapExecuted,
			Source:    notify.SourceExecutor,
			IntentID:  id,
			Principal: caller,
			Token:     req.TokenIn,
			TokenOut:  tokenOut,
			Amount:    new(big.Int).Set(amount),
			AmountOut: new(big.Int).Set(res.AmountOut),
			Timestamp: e.now(),
		})
		amount = new(big.Int).Set(res.AmountOut)
	}

	receipt, err := e.bridge.Initiate(ctx, bridge.Request{
		IntentID:         id,
		Token:            tokenOut,
		Amount:           amount,
		DestinationChain: req.DestinationChain,
		Recipient:        req.Recipient,
	})
	if err != nil {
		return 0, e.fail(ctx, id, caller, lifecycle.Wrap(lifecycle.KindBridgeFailed, "bridge", err))
	}
	e.notifier.Emit(ctx, notify.Event{
		Kind:      notify.KindBridgeInitiated,
		Source:    notify.SourceExecutor,
		IntentID:  id,
		Principal: caller,
		Recipient: req.Recipient,
		Token:     tokenOut,
		Amount:    new(big.Int).Set(amount),
		ChainID:   req.DestinationChain,
		MessageID: receipt.MessageID,
		Timestamp: e.now(),
	})

	if e.tracker != nil {
		if err := e.tracker.Track(ctx, e.self, id); err != nil {
			return 0, e.fail(ctx, id, caller, lifecycle.Wrap(lifecycle.KindBridgeFailed, "track settlement", err))
		}
	}

	e.complete(id, tokenOut, amount, receipt.MessageID)
	e.notifier.Emit(ctx, notify.Event{
		Kind:      notify.KindIntentExecuted,
		Source:    notify.SourceExecutor,
		IntentID:  id,
		Principal: caller,
		Timestamp: e.now(),
	})
	return id, nil
}

// begin allocates the next id and records it as Executing before any external call.
func (e *Executor) begin(caller common.Address, req RouteRequest) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.counter + 1
	now := e.now()
	intent := &Intent{
		ID:               id,
		User:             caller,
		Token:            req.TokenIn,
		DestinationChain: req.DestinationChain,
		Recipient:        req.Recipient,
		Status:           lifecycle.IntentExecuting,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if req.Amount != nil {
		intent.Amount = new(big.Int).Set(req.Amount)
	}
	e.intents[id] = intent
	return id
}

func (e *Executor) discard(id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.intents, id)
}

func (e *Executor) fail(ctx context.Context, id uint64, caller common.Address, cause error) error {
	e.mu.Lock()
	intent := e.intents[id]
	intent.Status = lifecycle.IntentFailed
	intent.FailureReason = cause.Error()
	intent.UpdatedAt = e.now()
	e.counter = id
	e.mu.Unlock()

	e.notifier.Emit(ctx, notify.Event{
		Kind:      notify.KindIntentFailed,
		Source:    notify.SourceExecutor,
		IntentID:  id,
		Principal: caller,
		Reason:    cause.Error(),
		Timestamp: e.now(),
	})
	return cause
}

func (e *Executor) complete(id uint64, token common.Address, amount *big.Int, messageID common.Hash) {
	e.mu.Lock()
	defer e.mu.Unlock()
	intent := e.intents[id]
	intent.Status = lifecycle.IntentCompleted
	intent.BridgedToken = token
	intent.BridgedAmount = new(big.Int).Set(amount)
	intent.MessageID = messageID
	intent.UpdatedAt = e.now()
	e.counter = id
}

// GetIntentStatus reads as Pending for ids that were never created.
// Use Intent to tell the two apart.
func (e *Executor) GetIntentStatus(id uint64) lifecycle.IntentStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	if intent, ok := e.intents[id]; ok {
		return intent.Status
	}
	return lifecycle.IntentPending
}

func (e *Executor) Intent(id uint64) (Intent, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	intent, ok := e.intents[id]
	if !ok {
		return Intent{}, false
	}
	return intent.clone(), true
}

// IntentCount is the highest id consumed so far.
func (e *Executor) IntentCount() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counter
}

func (e *Executor) Pause(ctx context.Context, caller common.Address) error {
	return e.setPaused(ctx, caller, true)
}

func (e *Executor) Unpause(ctx context.Context, caller common.Address) error {
	return e.setPaused(ctx, caller, false)
}

func (e *Executor) setPaused(ctx context.Context, caller common.Address, paused bool) error {
	if err := e.acl.Require(caller, lifecycle.RoleOwner); err != nil {
		return err
	}
	e.mu.Lock()
	e.paused = paused
	e.mu.Unlock()

	kind := notify.KindUnpaused
	if paused {
		kind = notify.KindPaused
	}
	e.notifier.Emit(ctx, notify.Event{
		Kind:      kind,
		Source:    notify.SourceExecutor,
		Principal: caller,
		Timestamp: e.now(),
	})
	return nil
}

func (e *Executor) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// Locked reports whether a route execution currently holds the reentrancy lock.
func (e *Executor) Locked() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.locked
}

func (e *Executor) Owner() common.Address {
	return e.acl.Principal(lifecycle.RoleOwner)
}

// Self is the principal users approve as spender.
func (e *Executor) Self() common.Address {
	return e.self
}

func (e *Executor) ValidatorAddress() common.Address {
	return e.validatorAddr
}

func (e *Executor) BridgeAddress() common.Address {
	return e.acl.Principal(lifecycle.RoleBridge)
}
