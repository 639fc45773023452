// Package store persists pool state. Every mutation runs inside InTx; the
// first call of a pool-scoped operation must be LockPool so that work on one
// pool is serialised while other pools proceed independently.
package store

import (
	"context"
	"errors"

	"github.com/ruralpay/equb/internal/models"
)

var (
	ErrNotFound = errors.New("store: not found")
	// ErrStaleState is returned when a compare-and-set or versioned update
	// finds the row changed underneath it.
	ErrStaleState = errors.New("store: stale state")
	ErrDuplicate  = errors.New("store: duplicate")
)

type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

type Tx interface {
	PoolTx
	RoundTx
	RequestTx
	LedgerTx
}

type PoolTx interface {
	CreatePool(ctx context.Context, p *models.Pool) error
	GetPool(ctx context.Context, poolID string) (*models.Pool, error)
	// LockPool loads the pool and holds it for the rest of the transaction.
	LockPool(ctx context.Context, poolID string) (*models.Pool, error)
	PoolByName(ctx context.Context, name string) (*models.Pool, error)
	UpdatePool(ctx context.Context, p *models.Pool) error
	// RunningPools lists active pools that are not completed.
	RunningPools(ctx context.Context) ([]models.Pool, error)

	Members(ctx context.Context, poolID string) ([]models.Membership, error)
	AddMember(ctx context.Context, m models.Membership) error
}

type RoundTx interface {
	// RoundState returns the round state with Wins and Received filled in.
	RoundState(ctx context.Context, poolID string) (*models.RoundState, error)
	SaveRoundState(ctx context.Context, rs *models.RoundState) error
	InsertWin(ctx context.Context, w models.Win) error

	InsertBid(ctx context.Context, b *models.Bid) error
	Bids(ctx context.Context, poolID string, round int) ([]models.Bid, error)
	HighestBid(ctx context.Context, poolID string, round int) (*models.HighestBid, error)
	CreateHighestBid(ctx context.Context, h *models.HighestBid) error
	SetHighestBid(ctx context.Context, highestBidID, bidID string) error

	InsertConfirmation(ctx context.Context, p *models.PaymentConfirmationRequest) error
	Confirmation(ctx context.Context, id string) (*models.PaymentConfirmationRequest, error)
	Confirmations(ctx context.Context, poolID string, round int) ([]models.PaymentConfirmationRequest, error)
	// SetConfirmationState moves a request from one state to another and
	// fails with ErrStaleState when it is no longer in from.
	SetConfirmationState(ctx context.Context, id string, from, to models.RequestState) error
}

type RequestTx interface {
	InsertRequest(ctx context.Context, r *models.Request) error
	Request(ctx context.Context, id string) (*models.Request, error)
	SetRequestState(ctx context.Context, id string, from, to models.RequestState) error
	// PendingRequests matches on kind and the non-empty filters among pool,
	// sender and receiver.
	PendingRequests(ctx context.Context, kind models.RequestKind, poolID, senderID, receiverID string) ([]models.Request, error)
	ExpirePoolRequests(ctx context.Context, poolID string) (int64, error)
	AddFriendship(ctx context.Context, f models.Friendship) error
	AreFriends(ctx context.Context, a, b string) (bool, error)
	// Friends lists memberID's friends in ascending order.
	Friends(ctx context.Context, memberID string) ([]string, error)
}

type LedgerTx interface {
	// ApplyLedgerEntry moves the member balance by the signed entry amount,
	// fills in the resulting Balance and appends the entry.
	ApplyLedgerEntry(ctx context.Context, e *models.LedgerEntry) error
	Balances(ctx context.Context, poolID string) ([]models.MemberBalance, error)
	LedgerEntries(ctx context.Context, poolID string) ([]models.LedgerEntry, error)
}
