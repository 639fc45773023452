package services

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ruralpay/equb/internal/models"
	"github.com/ruralpay/equb/internal/store"
)

// Rand picks the winner of rounds without a bid.
type Rand interface {
	Intn(n int) int
}

type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func NewRand(seed int64) Rand {
	return &lockedRand{r: rand.New(rand.NewSource(seed))}
}

func (l *lockedRand) Intn(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Intn(n)
}

// Scheduler arms the winner selection of a pool's round. Arming a pool again
// replaces its pending trigger.
type Scheduler interface {
	Schedule(poolID string, round int, at time.Time) error
	Cancel(poolID string)
}

type nopScheduler struct{}

func (nopScheduler) Schedule(string, int, time.Time) error { return nil }
func (nopScheduler) Cancel(string) {}

// earlyFireTolerance absorbs timer jitter before a trigger counts as early.
const earlyFireTolerance = time.Second

type arm struct {
	poolID string
	round  int
	at     time.Time
}

// effects collects what a transaction wants to happen once it has committed.
type effects struct {
	audits  []AuditEvent
	events  []Event
	arms    []arm
	cancels []string
	failure error
}

func (fx *effects) emit(ev Event) { fx.events = append(fx.events, ev) }

func (fx *effects) record(a AuditEvent) { fx.audits = append(fx.audits, a) }

func (fx *effects) schedule(poolID string, round int, at time.Time) {
	fx.arms = append(fx.arms, arm{poolID: poolID, round: round, at: at})
}

func (fx *effects) cancel(poolID string) { fx.cancels = append(fx.cancels, poolID) }

// fail reports an error to the caller without rolling back the transaction.
func (fx *effects) fail(err error) { fx.failure = err }

type Option func(*Engine)

func WithRand(r Rand) Option { return func(e *Engine) { e.rand = r } }

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func WithIDGenerator(newID func() string) Option { return func(e *Engine) { e.newID = newID } }

func WithDispatcher(d *Dispatcher) Option { return func(e *Engine) { e.events = d } }

func WithScheduler(s Scheduler) Option { return func(e *Engine) { e.scheduler = s } }

func WithAuditLogger(a *AuditLogger) Option { return func(e *Engine) { e.audit = a } }

// Engine is the round-settlement engine. Every operation runs in one store
// transaction scoped to a pool; events and timers are released after commit.
type Engine struct {
	store     store.Store
	events    *Dispatcher
	scheduler Scheduler
	rand      Rand
	now       func() time.Time
	newID     func() string
	logger    *zap.Logger
	audit     *AuditLogger
	validator *ValidationHelper

	ledger    *BidLedger
	rounds    *RoundManager
	gate      *PaymentGate
	acceptors map[models.RequestKind]requestAcceptor
}

func NewEngine(st store.Store, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		store:     st,
		scheduler: nopScheduler{},
		now:       time.Now,
		newID:     uuid.NewString,
		logger:    logger,
		validator: NewValidationHelper(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.rand == nil {
		e.rand = NewRand(time.Now().UnixNano())
	}
	if e.events == nil {
		e.events = NewDispatcher(logger)
	}
	if e.audit == nil {
		e.audit = NewAuditLogger(logger)
	}

	e.ledger = &BidLedger{now: e.now, newID: e.newID}
	e.rounds = &RoundManager{ledger: e.ledger, rand: e.rand, now: e.now, logger: logger}
	e.gate = &PaymentGate{rounds: e.rounds, now: e.now, newID: e.newID, logger: logger}
	e.acceptors = map[models.RequestKind]requestAcceptor{
		models.RequestJoin:   joinAcceptor{e},
		models.RequestInvite: inviteAcceptor{e},
		models.RequestFriend: friendAcceptor{e},
	}
	return e
}

// SetScheduler wires the trigger after construction; the scheduler itself
// calls back into the engine.
func (e *Engine) SetScheduler(s Scheduler) { e.scheduler = s }

func (e *Engine) Events() *Dispatcher { return e.events }

func (e *Engine) run(ctx context.Context, fn func(tx store.Tx, fx *effects) error) error {
	var fx *effects
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		fx = &effects{}
		return fn(tx, fx)
	})
	if err != nil {
		return translate(err)
	}

	for _, a := range fx.audits {
		e.audit.Record(a)
	}
	for _, poolID := range fx.cancels {
		e.scheduler.Cancel(poolID)
	}
	for _, a := range fx.arms {
		if err := e.scheduler.Schedule(a.poolID, a.round, a.at); err != nil {
			e.logger.Error("failed to arm winner selection",
				zap.String("pool_id", a.poolID),
				zap.Int("round", a.round),
				zap.Error(err))
		}
	}
	for _, ev := range fx.events {
		e.events.Dispatch(ctx, ev)
	}
	return fx.failure
}

func translate(err error) error {
	var e *Error
	switch {
	case errors.As(err, &e):
		return err
	case errors.Is(err, store.ErrNotFound):
		return ErrNotFound.withMessage("%v", err)
	case errors.Is(err, store.ErrStaleState):
		return ErrStateConflict.withMessage("%v", err)
	}
	return fmt.Errorf("equb engine: %w", err)
}

func lockPool(ctx context.Context, tx store.Tx, poolID string) (*models.Pool, *models.RoundState, error) {
	pool, err := tx.LockPool(ctx, poolID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, ErrPoolNotFound.withMessage("pool %s not found", poolID)
	}
	if err != nil {
		return nil, nil, err
	}
	rs, err := tx.RoundState(ctx, poolID)
	if err != nil {
		return nil, nil, err
	}
	return pool, rs, nil
}

// PlaceBid bids on the pool's current round and returns the bid ID.
func (e *Engine) PlaceBid(ctx context.Context, poolID, memberID string, amount decimal.Decimal) (string, error) {
	return e.PlaceBidForRound(ctx, poolID, memberID, amount, 0)
}

// PlaceBidForRound fails with ErrInvalidRound unless round is the current one.
func (e *Engine) PlaceBidForRound(ctx context.Context, poolID, memberID string, amount decimal.Decimal, round int) (string, error) {
	var bidID string
	err := e.run(ctx, func(tx store.Tx, fx *effects) error {
		pool, rs, err := lockPool(ctx, tx, poolID)
		if err != nil {
			return err
		}
		placed, err := e.ledger.Place(ctx, tx, pool, rs, memberID, amount, round)
		if err != nil {
			return err
		}
		bidID = placed.Bid.ID
		if placed.Highest {
			members, err := tx.Members(ctx, poolID)
			if err != nil {
				return err
			}
			fx.emit(Event{
				Type:        EventOutbid,
				PoolID:      poolID,
				Round:       placed.Bid.Round,
				MemberID:    memberID,
				Recipients:  memberIDs(members),
				Bid:         placed.Bid,
				PreviousBid: placed.Previous,
				OccurredAt:  placed.Bid.CreatedAt,
			})
		}
		return nil
	})
	return bidID, err
}

// SelectWinner is the scheduler's entry point. Triggers for missing, inactive,
// completed or already settling pools and for stale rounds are skipped; a
// trigger that fires before the round is due is re-armed.
func (e *Engine) SelectWinner(ctx context.Context, poolID string, round int) error {
	return e.run(ctx, func(tx store.Tx, fx *effects) error {
		pool, rs, err := lockPool(ctx, tx, poolID)
		if errors.Is(err, ErrPoolNotFound) {
			e.logger.Warn("winner selection skipped, pool not found", zap.String("pool_id", poolID))
			return nil
		}
		if err != nil {
			return err
		}

		skip := func(reason string) error {
			e.logger.Info("winner selection skipped",
				zap.String("pool_id", poolID),
				zap.Int("round", round),
				zap.String("reason", reason))
			return nil
		}
		switch {
		case pool.IsCompleted:
			return skip("pool completed")
		case !pool.IsActive:
			return skip("pool not active")
		case pool.IsInPaymentStage:
			return skip("pool already in payment stage")
		}

		current := rs.CurrentRound(pool.MaxMembers)
		if round != 0 && round != current {
			return skip(fmt.Sprintf("stale round, current is %d", current))
		}
		if due, ok := rs.DueAt(pool.Cycle); ok && e.now().Add(earlyFireTolerance).Before(due) {
			fx.schedule(poolID, current, due)
			return skip("fired before due time, re-armed")
		}

		_, err = e.rounds.SelectWinner(ctx, tx, fx, pool, rs, current)
		return err
	})
}

// SetupNextRound advances a pool whose payments are all confirmed. It fails
// with a state conflict, changing nothing, when the round is not settled.
func (e *Engine) SetupNextRound(ctx context.Context, poolID string) error {
	return e.run(ctx, func(tx store.Tx, fx *effects) error {
		pool, rs, err := lockPool(ctx, tx, poolID)
		if err != nil {
			return err
		}
		return e.rounds.SetupNextRound(ctx, tx, fx, pool, rs)
	})
}

// SubmitPaymentConfirmation returns the new request ID. round zero means the
// current round.
func (e *Engine) SubmitPaymentConfirmation(ctx context.Context, poolID, memberID string, round int, method, message string) (string, error) {
	var id string
	err := e.run(ctx, func(tx store.Tx, fx *effects) error {
		pool, rs, err := lockPool(ctx, tx, poolID)
		if err != nil {
			return err
		}
		req, err := e.gate.Submit(ctx, tx, fx, pool, rs, memberID, round, method, message)
		if err != nil {
			return err
		}
		id = req.ID
		return nil
	})
	return id, err
}

func (e *Engine) AcceptPaymentConfirmation(ctx context.Context, requestID string) error {
	return e.run(ctx, func(tx store.Tx, fx *effects) error {
		_, err := e.gate.Address(ctx, tx, fx, requestID, true)
		return err
	})
}

func (e *Engine) RejectPaymentConfirmation(ctx context.Context, requestID string) error {
	return e.run(ctx, func(tx store.Tx, fx *effects) error {
		_, err := e.gate.Address(ctx, tx, fx, requestID, false)
		return err
	})
}

func (e *Engine) PaymentConfirmation(ctx context.Context, requestID string) (*models.PaymentConfirmationRequest, error) {
	var out *models.PaymentConfirmationRequest
	err := e.run(ctx, func(tx store.Tx, _ *effects) error {
		req, err := tx.Confirmation(ctx, requestID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrRequestNotFound.withMessage("payment confirmation %s not found", requestID)
		}
		out = req
		return err
	})
	return out, err
}

// PaymentInstruction describes what memberID owes the current round winner.
type PaymentInstruction struct {
	PoolID     string          `json:"pool_id"`
	PoolName   string          `json:"pool_name"`
	Round      int             `json:"round"`
	SenderID   string          `json:"sender"`
	ReceiverID string          `json:"receiver"`
	Amount     decimal.Decimal `json:"amount"`
}

func (e *Engine) PaymentInstruction(ctx context.Context, poolID, memberID string) (*PaymentInstruction, error) {
	var out *PaymentInstruction
	err := e.run(ctx, func(tx store.Tx, _ *effects) error {
		pool, rs, err := lockPool(ctx, tx, poolID)
		if err != nil {
			return err
		}
		o, err := e.gate.amountOwed(ctx, tx, pool, rs, memberID, 0)
		if err != nil {
			return err
		}
		out = &PaymentInstruction{
			PoolID:     pool.ID,
			PoolName:   pool.Name,
			Round:      o.Round,
			SenderID:   memberID,
			ReceiverID: o.WinnerID,
			Amount:     o.Amount,
		}
		return nil
	})
	return out, err
}

func (e *Engine) Balances(ctx context.Context, poolID string) ([]models.MemberBalance, error) {
	var out []models.MemberBalance
	err := e.run(ctx, func(tx store.Tx, _ *effects) error {
		var err error
		out, err = tx.Balances(ctx, poolID)
		return err
	})
	return out, err
}

func (e *Engine) LedgerEntries(ctx context.Context, poolID string) ([]models.LedgerEntry, error) {
	var out []models.LedgerEntry
	err := e.run(ctx, func(tx store.Tx, _ *effects) error {
		var err error
		out, err = tx.LedgerEntries(ctx, poolID)
		return err
	})
	return out, err
}

// RecoverSchedules re-arms the pending winner selection of every running pool
// from its persisted round start, returning how many were armed.
func (e *Engine) RecoverSchedules(ctx context.Context) (int, error) {
	var arms []arm
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		arms = arms[:0]
		pools, err := tx.RunningPools(ctx)
		if err != nil {
			return err
		}
		for _, p := range pools {
			if p.IsInPaymentStage {
				continue
			}
			rs, err := tx.RoundState(ctx, p.ID)
			if err != nil {
				return err
			}
			due, ok := rs.DueAt(p.Cycle)
			if !ok {
				e.logger.Warn("running pool has no round start", zap.String("pool_id", p.ID))
				continue
			}
			arms = append(arms, arm{poolID: p.ID, round: rs.CurrentRound(p.MaxMembers), at: due})
		}
		return nil
	})
	if err != nil {
		return 0, translate(err)
	}

	armed := 0
	for _, a := range arms {
		if err := e.scheduler.Schedule(a.poolID, a.round, a.at); err != nil {
			e.logger.Error("failed to recover winner selection", zap.String("pool_id", a.poolID), zap.Error(err))
			continue
		}
		armed++
	}
	e.logger.Info("winner selections recovered", zap.Int("armed", armed))
	return armed, nil
}
