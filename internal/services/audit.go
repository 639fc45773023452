package services

import (
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ruralpay/equb/internal/models"
)

type AuditEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	EventType string            `json:"event_type"`
	PoolID    string            `json:"pool_id"`
	Round     int               `json:"round,omitempty"`
	MemberID  string            `json:"member_id,omitempty"`
	Amount    string            `json:"amount,omitempty"`
	Status    string            `json:"status"`
	Details   map[string]string `json:"details,omitempty"`
}

// AuditLogger records money movements and round transitions as structured
// "audit" log entries. Records are built inside a transaction and written by
// the engine only once it has committed.
type AuditLogger struct {
	logger *zap.Logger
}

func NewAuditLogger(logger *zap.Logger) *AuditLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditLogger{logger: logger.Named("audit")}
}

func settlementAudit(poolID string, s Settlement) AuditEvent {
	details := make(map[string]string, len(s.Deductions)+1)
	details["bid"] = s.Bid.String()
	for memberID, d := range s.Deductions {
		details["deduction:"+memberID] = d.String()
	}
	return AuditEvent{
		Timestamp: time.Now(),
		EventType: "SETTLEMENT",
		PoolID:    poolID,
		Round:     s.Round,
		MemberID:  s.WinnerID,
		Amount:    s.Award.String(),
		Status:    "SUCCESS",
		Details:   details,
	}
}

func ledgerEntryAudit(e models.LedgerEntry) AuditEvent {
	return AuditEvent{
		Timestamp: e.CreatedAt,
		EventType: e.EntryType,
		PoolID:    e.PoolID,
		Round:     e.Round,
		MemberID:  e.MemberID,
		Amount:    e.Amount.String(),
		Status:    "SUCCESS",
		Details:   map[string]string{"balance": e.Balance.String()},
	}
}

func transitionAudit(poolID string, round int, from, to models.PoolPhase) AuditEvent {
	return AuditEvent{
		Timestamp: time.Now(),
		EventType: "TRANSITION",
		PoolID:    poolID,
		Round:     round,
		Status:    "SUCCESS",
		Details:   map[string]string{"from": string(from), "to": string(to)},
	}
}

func paymentAudit(p models.PaymentConfirmationRequest) AuditEvent {
	return AuditEvent{
		Timestamp: time.Now(),
		EventType: "PAYMENT_CONFIRMATION",
		PoolID:    p.PoolID,
		Round:     p.Round,
		MemberID:  p.SenderID,
		Amount:    p.Amount.String(),
		Status:    string(p.State),
		Details:   map[string]string{"receiver": p.ReceiverID, "method": p.Method},
	}
}

func errorAudit(poolID string, round int, err error) AuditEvent {
	return AuditEvent{
		Timestamp: time.Now(),
		EventType: "ERROR",
		PoolID:    poolID,
		Round:     round,
		Status:    "FAILED",
		Details:   map[string]string{"error": err.Error()},
	}
}

func (a *AuditLogger) Record(event AuditEvent) {
	a.logger.Info("audit",
		zap.Time("timestamp", event.Timestamp),
		zap.String("event_type", event.EventType),
		zap.String("pool_id", event.PoolID),
		zap.Int("round", event.Round),
		zap.String("member_id", event.MemberID),
		zap.String("amount", event.Amount),
		zap.String("status", event.Status),
		zap.Any("details", event.Details),
	)
}

func signedEntryType(amount decimal.Decimal) string {
	if amount.IsNegative() {
		return models.EntryDebit
	}
	return models.EntryCredit
}
