package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	EntryCredit = "CREDIT"
	EntryDebit  = "DEBIT"
)

// LedgerEntry is one balance movement of a member inside a pool.
type LedgerEntry struct {
	ID        int64           `json:"id" db:"id"`
	PoolID    string          `json:"pool_id" db:"pool_id"`
	MemberID  string          `json:"member_id" db:"member_id"`
	Round     int             `json:"round" db:"round"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	EntryType string          `json:"entry_type" db:"entry_type"` // DEBIT or CREDIT
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// MemberBalance is the running position of a member inside a pool.
type MemberBalance struct {
	PoolID    string          `json:"pool_id" db:"pool_id"`
	MemberID  string          `json:"member_id" db:"member_id"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	Version   int             `json:"version" db:"version"` // for optimistic locking
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}
