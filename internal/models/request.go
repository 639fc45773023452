package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type RequestState string

const (
	RequestPending  RequestState = "pending"
	RequestAccepted RequestState = "accepted"
	RequestRejected RequestState = "rejected"
	RequestExpired  RequestState = "expired"
)

// Terminal states never transition again.
func (s RequestState) Terminal() bool {
	return s != RequestPending
}

type RequestKind string

const (
	RequestJoin   RequestKind = "join"
	RequestInvite RequestKind = "invite"
	RequestFriend RequestKind = "friend"
)

// Request is a join, invite or friend request. PoolID is empty for friend
// requests.
type Request struct {
	ID         string       `json:"id" db:"id"`
	Kind       RequestKind  `json:"kind" db:"kind"`
	SenderID   string       `json:"sender" db:"sender_id"`
	ReceiverID string       `json:"receiver" db:"receiver_id"`
	PoolID     string       `json:"pool_id,omitempty" db:"pool_id"`
	State      RequestState `json:"state" db:"state"`
	CreatedAt  time.Time    `json:"creation_date" db:"created_at"`
}

// PaymentConfirmationRequest is sent by a round's loser to its winner to
// acknowledge a peer-to-peer payment.
type PaymentConfirmationRequest struct {
	ID         string          `json:"id" db:"id"`
	PoolID     string          `json:"pool_id" db:"pool_id"`
	Round      int             `json:"round" db:"round"`
	SenderID   string          `json:"sender" db:"sender_id"`
	ReceiverID string          `json:"receiver" db:"receiver_id"`
	Amount     decimal.Decimal `json:"amount" db:"amount"`
	Method     string          `json:"payment_method" db:"payment_method"`
	Message    string          `json:"message,omitempty" db:"message"`
	State      RequestState    `json:"state" db:"state"`
	CreatedAt  time.Time       `json:"creation_date" db:"created_at"`
}

func (p *PaymentConfirmationRequest) IsAccepted() bool { return p.State == RequestAccepted }
func (p *PaymentConfirmationRequest) IsRejected() bool { return p.State == RequestRejected }

// Friendship is an accepted friend request.
type Friendship struct {
	MemberID string    `json:"member_id" db:"member_id"`
	FriendID string    `json:"friend_id" db:"friend_id"`
	Since    time.Time `json:"date_joined" db:"created_at"`
}
