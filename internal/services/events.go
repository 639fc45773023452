package services

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ruralpay/equb/internal/models"
)

type EventType string

const (
	EventNewPool                      EventType = "new_pool"
	EventNewMember                    EventType = "new_member"
	EventPoolActivated                EventType = "pool_activated"
	EventOutbid                       EventType = "outbid"
	EventWinnerSelected               EventType = "winner_selected"
	EventPaymentConfirmationRequested EventType = "payment_confirmation_requested"
	EventNewRound                     EventType = "new_round"
	EventPoolCompleted                EventType = "pool_completed"
	EventRequestReceived              EventType = "request_received"
)

// Event describes a committed state transition. Recipients are the members
// the notification layer should reach.
type Event struct {
	Type         EventType                          `json:"type"`
	PoolID       string                             `json:"pool_id,omitempty"`
	Round        int                                `json:"round,omitempty"`
	MemberID     string                             `json:"member_id,omitempty"`
	Recipients   []string                           `json:"recipients,omitempty"`
	Bid          *models.Bid                        `json:"bid,omitempty"`
	PreviousBid  *models.Bid                        `json:"previous_bid,omitempty"`
	Confirmation *models.PaymentConfirmationRequest `json:"confirmation,omitempty"`
	Request      *models.Request                    `json:"request,omitempty"`
	OccurredAt   time.Time                          `json:"occurred_at"`
}

type Listener interface {
	Handle(ctx context.Context, ev Event) error
}

type ListenerFunc func(ctx context.Context, ev Event) error

func (f ListenerFunc) Handle(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Dispatcher delivers events synchronously, global listeners first and then
// the listeners of the event's pool, each group in registration order. A
// failing listener is logged and does not stop delivery.
type Dispatcher struct {
	mu      sync.RWMutex
	global  []Listener
	perPool map[string][]Listener
	logger  *zap.Logger
}

func NewDispatcher(logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{perPool: map[string][]Listener{}, logger: logger}
}

func (d *Dispatcher) Subscribe(l Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.global = append(d.global, l)
}

func (d *Dispatcher) SubscribePool(poolID string, l Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.perPool[poolID] = append(d.perPool[poolID], l)
}

func (d *Dispatcher) on(t EventType, fn func(ctx context.Context, ev Event)) {
	d.Subscribe(ListenerFunc(func(ctx context.Context, ev Event) error {
		if ev.Type == t {
			fn(ctx, ev)
		}
		return nil
	}))
}

// OnOutbid receives the previous highest bid (nil for the first bid) and the new one.
func (d *Dispatcher) OnOutbid(fn func(ctx context.Context, ev Event)) { d.on(EventOutbid, fn) }

func (d *Dispatcher) OnNewRound(fn func(ctx context.Context, ev Event)) { d.on(EventNewRound, fn) }

func (d *Dispatcher) OnNewMember(fn func(ctx context.Context, ev Event)) { d.on(EventNewMember, fn) }

func (d *Dispatcher) OnPaymentConfirmationRequested(fn func(ctx context.Context, ev Event)) {
	d.on(EventPaymentConfirmationRequested, fn)
}

func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) {
	d.mu.RLock()
	listeners := make([]Listener, 0, len(d.global)+len(d.perPool[ev.PoolID]))
	listeners = append(listeners, d.global...)
	listeners = append(listeners, d.perPool[ev.PoolID]...)
	d.mu.RUnlock()

	for _, l := range listeners {
		if err := l.Handle(ctx, ev); err != nil {
			d.logger.Warn("event listener failed",
				zap.String("event", string(ev.Type)),
				zap.String("pool_id", ev.PoolID),
				zap.Error(err))
		}
	}
}

// LogListener writes every event to the log.
type LogListener struct {
	logger *zap.Logger
}

func NewLogListener(logger *zap.Logger) *LogListener {
	return &LogListener{logger: logger.Named("events")}
}

func (l *LogListener) Handle(_ context.Context, ev Event) error {
	fields := []zap.Field{
		zap.String("event", string(ev.Type)),
		zap.String("pool_id", ev.PoolID),
		zap.Int("round", ev.Round),
		zap.Strings("recipients", ev.Recipients),
	}
	if ev.MemberID != "" {
		fields = append(fields, zap.String("member_id", ev.MemberID))
	}
	if ev.Bid != nil {
		fields = append(fields, zap.String("bid", ev.Bid.Amount.String()), zap.String("bidder", ev.Bid.MemberID))
	}
	l.logger.Info("pool event", fields...)
	return nil
}
