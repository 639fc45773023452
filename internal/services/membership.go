package services

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ruralpay/equb/internal/models"
	"github.com/ruralpay/equb/internal/store"
)

type CreatePoolInput struct {
	Name       string          `json:"name" validate:"required,max=150"`
	Amount     decimal.Decimal `json:"amount"`
	MaxMembers int             `json:"max_members" validate:"gte=2,lte=20"`
	Cycle      time.Duration   `json:"cycle"`
	CreatorID  string          `json:"creator_id" validate:"required"`
	IsPrivate  bool            `json:"is_private"`
}

func (in CreatePoolInput) validate(v *ValidationHelper) error {
	if err := v.ValidateStruct(&in); err != nil {
		return ErrValidation.withMessage("%s", describeValidation(err))
	}
	switch {
	case !in.Amount.IsPositive():
		return ErrValidation.withMessage("amount must be positive")
	case !in.Amount.Equal(in.Amount.Round(2)):
		return ErrValidation.withMessage("amount must have at most two decimal places")
	case in.Cycle < models.MinCycle || in.Cycle > models.MaxCycle:
		return ErrValidation.withMessage("cycle must be between %s and %s", models.MinCycle, models.MaxCycle)
	}
	return nil
}

// CreatePool creates a pending pool with its creator as first member and
// opens round one.
func (e *Engine) CreatePool(ctx context.Context, in CreatePoolInput) (*models.Pool, error) {
	if err := in.validate(e.validator); err != nil {
		return nil, err
	}

	var out *models.Pool
	err := e.run(ctx, func(tx store.Tx, fx *effects) error {
		if _, err := tx.PoolByName(ctx, in.Name); err == nil {
			return ErrDuplicateName.withMessage("a pool named %q already exists", in.Name)
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		now := e.now()
		pool := &models.Pool{
			ID:         e.newID(),
			Name:       in.Name,
			Amount:     in.Amount,
			MaxMembers: in.MaxMembers,
			Cycle:      in.Cycle,
			CreatorID:  in.CreatorID,
			IsPrivate:  in.IsPrivate,
			CreatedAt:  now,
		}
		if err := tx.CreatePool(ctx, pool); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return ErrDuplicateName.withMessage("a pool named %q already exists", in.Name)
			}
			return err
		}
		if err := tx.AddMember(ctx, models.Membership{PoolID: pool.ID, MemberID: in.CreatorID, JoinedAt: now}); err != nil {
			return err
		}
		if err := e.ledger.OpenRound(ctx, tx, pool.ID, 1); err != nil {
			return err
		}

		if !pool.IsPrivate {
			friends, err := tx.Friends(ctx, in.CreatorID)
			if err != nil {
				return err
			}
			fx.emit(Event{Type: EventNewPool, PoolID: pool.ID, MemberID: in.CreatorID, Recipients: friends, OccurredAt: now})
		}
		out = pool
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("pool created", zap.String("pool_id", out.ID), zap.String("name", out.Name), zap.Int("max_members", out.MaxMembers))
	return out, nil
}

// AddMember joins memberID to a pending pool and activates the pool when the
// membership becomes full.
func (e *Engine) AddMember(ctx context.Context, poolID, memberID string) error {
	return e.run(ctx, func(tx store.Tx, fx *effects) error {
		pool, rs, err := lockPool(ctx, tx, poolID)
		if err != nil {
			return err
		}
		return e.addMember(ctx, tx, fx, pool, rs, memberID)
	})
}

func (e *Engine) addMember(ctx context.Context, tx store.Tx, fx *effects, pool *models.Pool, rs *models.RoundState, memberID string) error {
	if pool.IsActive || pool.IsCompleted {
		return ErrPoolAlreadyStarted.withMessage("%s has already began", pool.Name)
	}
	members, err := tx.Members(ctx, pool.ID)
	if err != nil {
		return err
	}
	existing := memberIDs(members)
	if slices.Contains(existing, memberID) {
		return ErrAlreadyMember.withMessage("%s is already a member of %s", memberID, pool.Name)
	}
	if len(existing) >= pool.MaxMembers {
		return ErrPoolFull.withMessage("%s already has %d members", pool.Name, pool.MaxMembers)
	}

	now := e.now()
	if err := tx.AddMember(ctx, models.Membership{PoolID: pool.ID, MemberID: memberID, JoinedAt: now}); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return ErrAlreadyMember
		}
		return err
	}
	fx.emit(Event{Type: EventNewMember, PoolID: pool.ID, MemberID: memberID, Recipients: existing, OccurredAt: now})

	if len(existing)+1 == pool.MaxMembers {
		return e.rounds.Activate(ctx, tx, fx, pool, rs)
	}
	return nil
}

// requestAcceptor applies the effect of accepting one kind of request.
type requestAcceptor interface {
	accept(ctx context.Context, tx store.Tx, fx *effects, r *models.Request) error
}

type joinAcceptor struct{ e *Engine }

func (a joinAcceptor) accept(ctx context.Context, tx store.Tx, fx *effects, r *models.Request) error {
	pool, rs, err := lockPool(ctx, tx, r.PoolID)
	if err != nil {
		return err
	}
	return a.e.addMember(ctx, tx, fx, pool, rs, r.SenderID)
}

type inviteAcceptor struct{ e *Engine }

func (a inviteAcceptor) accept(ctx context.Context, tx store.Tx, fx *effects, r *models.Request) error {
	pool, rs, err := lockPool(ctx, tx, r.PoolID)
	if err != nil {
		return err
	}
	return a.e.addMember(ctx, tx, fx, pool, rs, r.ReceiverID)
}

type friendAcceptor struct{ e *Engine }

func (a friendAcceptor) accept(ctx context.Context, tx store.Tx, _ *effects, r *models.Request) error {
	err := tx.AddFriendship(ctx, models.Friendship{MemberID: r.ReceiverID, FriendID: r.SenderID, Since: a.e.now()})
	if errors.Is(err, store.ErrDuplicate) {
		return ErrAlreadyFriends
	}
	return err
}

// SendJoinRequest asks the pool creator to let senderID in.
func (e *Engine) SendJoinRequest(ctx context.Context, poolID, senderID string) (*models.Request, error) {
	var out *models.Request
	err := e.run(ctx, func(tx store.Tx, fx *effects) error {
		pool, _, err := lockPool(ctx, tx, poolID)
		if err != nil {
			return err
		}
		members, err := tx.Members(ctx, poolID)
		if err != nil {
			return err
		}
		switch {
		case slices.Contains(memberIDs(members), senderID):
			return ErrAlreadyMember.withMessage("you are already a member of %s", pool.Name)
		case pool.IsActive || pool.IsCompleted:
			return ErrPoolAlreadyStarted.withMessage("you can no longer request to join %s", pool.Name)
		}
		pending, err := tx.PendingRequests(ctx, models.RequestJoin, poolID, senderID, "")
		if err != nil {
			return err
		}
		if len(pending) > 0 {
			return ErrDuplicateRequest.withMessage("you already asked to join %s", pool.Name)
		}

		out, err = e.insertRequest(ctx, tx, fx, models.RequestJoin, senderID, pool.CreatorID, poolID)
		return err
	})
	return out, err
}

// SendInvite lets a member invite receiverID. Only one pending invite per
// receiver and pool is allowed, whoever sent it.
func (e *Engine) SendInvite(ctx context.Context, poolID, senderID, receiverID string) (*models.Request, error) {
	var out *models.Request
	err := e.run(ctx, func(tx store.Tx, fx *effects) error {
		pool, _, err := lockPool(ctx, tx, poolID)
		if err != nil {
			return err
		}
		pending, err := tx.PendingRequests(ctx, models.RequestInvite, poolID, "", receiverID)
		if err != nil {
			return err
		}
		members, err := tx.Members(ctx, poolID)
		if err != nil {
			return err
		}
		ids := memberIDs(members)
		switch {
		case len(pending) > 0:
			return ErrDuplicateRequest.withMessage("you or another member of %s has already sent an invitation to %s", pool.Name, receiverID)
		case !slices.Contains(ids, senderID):
			return ErrNotMember.withMessage("only members of %s can send invitations", pool.Name)
		case slices.Contains(ids, receiverID):
			return ErrAlreadyMember.withMessage("%s is already a member of %s", receiverID, pool.Name)
		case pool.IsActive || pool.IsCompleted:
			return ErrPoolAlreadyStarted.withMessage("you can no longer invite others to join %s", pool.Name)
		}

		out, err = e.insertRequest(ctx, tx, fx, models.RequestInvite, senderID, receiverID, poolID)
		return err
	})
	return out, err
}

func (e *Engine) SendFriendRequest(ctx context.Context, senderID, receiverID string) (*models.Request, error) {
	if senderID == receiverID {
		return nil, ErrValidation.withMessage("you cannot send a friend request to yourself")
	}
	var out *models.Request
	err := e.run(ctx, func(tx store.Tx, fx *effects) error {
		friends, err := tx.AreFriends(ctx, senderID, receiverID)
		if err != nil {
			return err
		}
		if friends {
			return ErrAlreadyFriends.withMessage("%s is already your friend", receiverID)
		}
		pending, err := tx.PendingRequests(ctx, models.RequestFriend, "", senderID, receiverID)
		if err != nil {
			return err
		}
		if len(pending) > 0 {
			return ErrDuplicateRequest.withMessage("you have already sent a friend request to %s", receiverID)
		}

		out, err = e.insertRequest(ctx, tx, fx, models.RequestFriend, senderID, receiverID, "")
		return err
	})
	return out, err
}

func (e *Engine) insertRequest(ctx context.Context, tx store.Tx, fx *effects, kind models.RequestKind, senderID, receiverID, poolID string) (*models.Request, error) {
	r := &models.Request{
		ID:         e.newID(),
		Kind:       kind,
		SenderID:   senderID,
		ReceiverID: receiverID,
		PoolID:     poolID,
		State:      models.RequestPending,
		CreatedAt:  e.now(),
	}
	if err := tx.InsertRequest(ctx, r); err != nil {
		return nil, err
	}
	fx.emit(Event{Type: EventRequestReceived, PoolID: poolID, MemberID: senderID, Recipients: []string{receiverID}, Request: r, OccurredAt: r.CreatedAt})
	return r, nil
}

// AcceptRequest runs the accept handler of the request's kind. Only the
// receiver may answer a request and only once.
func (e *Engine) AcceptRequest(ctx context.Context, requestID, actorID string) error {
	return e.addressRequest(ctx, requestID, actorID, models.RequestAccepted)
}

func (e *Engine) RejectRequest(ctx context.Context, requestID, actorID string) error {
	return e.addressRequest(ctx, requestID, actorID, models.RequestRejected)
}

func (e *Engine) addressRequest(ctx context.Context, requestID, actorID string, to models.RequestState) error {
	return e.run(ctx, func(tx store.Tx, fx *effects) error {
		r, err := tx.Request(ctx, requestID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrRequestNotFound.withMessage("request %s not found", requestID)
		}
		if err != nil {
			return err
		}
		if r.ReceiverID != actorID {
			return ErrForbidden.withMessage("only the receiver can answer this request")
		}
		if r.State.Terminal() {
			return ErrAlreadyAddressed.withMessage("request was already %s", r.State)
		}
		if err := tx.SetRequestState(ctx, r.ID, models.RequestPending, to); err != nil {
			if errors.Is(err, store.ErrStaleState) {
				return ErrAlreadyAddressed
			}
			return err
		}
		r.State = to
		if to != models.RequestAccepted {
			return nil
		}

		acceptor, ok := e.acceptors[r.Kind]
		if !ok {
			return ErrValidation.withMessage("unknown request kind %q", r.Kind)
		}
		return acceptor.accept(ctx, tx, fx, r)
	})
}
