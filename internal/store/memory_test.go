package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ruralpay/equb/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedPool(t *testing.T, s *MemoryStore, id string) {
	t.Helper()
	err := s.InTx(context.Background(), func(tx Tx) error {
		return tx.CreatePool(context.Background(), &models.Pool{
			ID:         id,
			Name:       "pool-" + id,
			Amount:     decimal.NewFromInt(100),
			MaxMembers: 3,
			Cycle:      time.Hour,
			CreatorID:  "alice",
			CreatedAt:  time.Now(),
		})
	})
	require.NoError(t, err)
}

func TestMemoryStore_RollbackOnError(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedPool(t, s, "p1")

	boom := errors.New("boom")
	err := s.InTx(ctx, func(tx Tx) error {
		p, err := tx.LockPool(ctx, "p1")
		require.NoError(t, err)
		p.IsActive = true
		require.NoError(t, tx.UpdatePool(ctx, p))
		require.NoError(t, tx.AddMember(ctx, models.Membership{PoolID: "p1", MemberID: "bob", JoinedAt: time.Now()}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	err = s.InTx(ctx, func(tx Tx) error {
		p, err := tx.GetPool(ctx, "p1")
		require.NoError(t, err)
		assert.False(t, p.IsActive)
		members, err := tx.Members(ctx, "p1")
		require.NoError(t, err)
		assert.Empty(t, members)
		return nil
	})
	require.NoError(t, err)
}

func TestMemoryStore_Duplicates(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedPool(t, s, "p1")

	err := s.InTx(ctx, func(tx Tx) error {
		assert.ErrorIs(t, tx.CreatePool(ctx, &models.Pool{ID: "p2", Name: "pool-p1"}), ErrDuplicate)

		m := models.Membership{PoolID: "p1", MemberID: "bob", JoinedAt: time.Now()}
		require.NoError(t, tx.AddMember(ctx, m))
		assert.ErrorIs(t, tx.AddMember(ctx, m), ErrDuplicate)

		require.NoError(t, tx.InsertWin(ctx, models.Win{PoolID: "p1", MemberID: "bob", Round: 1}))
		assert.ErrorIs(t, tx.InsertWin(ctx, models.Win{PoolID: "p1", MemberID: "carol", Round: 1}), ErrDuplicate)
		assert.ErrorIs(t, tx.InsertWin(ctx, models.Win{PoolID: "p1", MemberID: "bob", Round: 2}), ErrDuplicate)

		require.NoError(t, tx.CreateHighestBid(ctx, &models.HighestBid{ID: "h1", PoolID: "p1", Round: 1}))
		assert.ErrorIs(t, tx.CreateHighestBid(ctx, &models.HighestBid{ID: "h2", PoolID: "p1", Round: 1}), ErrDuplicate)
		return nil
	})
	require.NoError(t, err)
}

func TestMemoryStore_HighestBidAndConfirmations(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedPool(t, s, "p1")

	err := s.InTx(ctx, func(tx Tx) error {
		require.NoError(t, tx.CreateHighestBid(ctx, &models.HighestBid{ID: "h1", PoolID: "p1", Round: 1}))
		h, err := tx.HighestBid(ctx, "p1", 1)
		require.NoError(t, err)
		assert.Nil(t, h.Bid)

		bid := &models.Bid{ID: "b1", PoolID: "p1", MemberID: "bob", Round: 1, Amount: decimal.RequireFromString("0.2")}
		require.NoError(t, tx.InsertBid(ctx, bid))
		require.NoError(t, tx.SetHighestBid(ctx, "h1", "b1"))

		h, err = tx.HighestBid(ctx, "p1", 1)
		require.NoError(t, err)
		require.NotNil(t, h.Bid)
		assert.Equal(t, "bob", h.Bid.MemberID)

		_, err = tx.HighestBid(ctx, "p1", 2)
		assert.ErrorIs(t, err, ErrNotFound)

		conf := &models.PaymentConfirmationRequest{ID: "c1", PoolID: "p1", Round: 1, SenderID: "carol", ReceiverID: "bob", State: models.RequestPending}
		require.NoError(t, tx.InsertConfirmation(ctx, conf))
		require.NoError(t, tx.SetConfirmationState(ctx, "c1", models.RequestPending, models.RequestAccepted))
		assert.ErrorIs(t, tx.SetConfirmationState(ctx, "c1", models.RequestPending, models.RequestRejected), ErrStaleState)
		return nil
	})
	require.NoError(t, err)
}

func TestMemoryStore_Ledger(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	err := s.InTx(ctx, func(tx Tx) error {
		credit := &models.LedgerEntry{PoolID: "p1", MemberID: "bob", Round: 1, Amount: decimal.NewFromInt(90), EntryType: models.EntryCredit}
		debit := &models.LedgerEntry{PoolID: "p1", MemberID: "bob", Round: 2, Amount: decimal.NewFromInt(-50), EntryType: models.EntryDebit}
		require.NoError(t, tx.ApplyLedgerEntry(ctx, credit))
		require.NoError(t, tx.ApplyLedgerEntry(ctx, debit))
		assert.Equal(t, int64(2), debit.ID)
		assert.True(t, debit.Balance.Equal(decimal.NewFromInt(40)))

		require.NoError(t, tx.ApplyLedgerEntry(ctx, &models.LedgerEntry{PoolID: "p1", MemberID: "alice", Round: 1, Amount: decimal.NewFromInt(-40), EntryType: models.EntryDebit}))

		balances, err := tx.Balances(ctx, "p1")
		require.NoError(t, err)
		require.Len(t, balances, 2)
		assert.Equal(t, "alice", balances[0].MemberID)
		assert.Equal(t, 2, balances[1].Version)

		entries, err := tx.LedgerEntries(ctx, "p1")
		require.NoError(t, err)
		assert.Len(t, entries, 3)
		return nil
	})
	require.NoError(t, err)
}

func TestMemoryStore_PendingRequests(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	err := s.InTx(ctx, func(tx Tx) error {
		require.NoError(t, tx.InsertRequest(ctx, &models.Request{ID: "r1", Kind: models.RequestInvite, SenderID: "alice", ReceiverID: "bob", PoolID: "p1", State: models.RequestPending}))
		require.NoError(t, tx.InsertRequest(ctx, &models.Request{ID: "r2", Kind: models.RequestJoin, SenderID: "carol", ReceiverID: "alice", PoolID: "p1", State: models.RequestPending}))
		require.NoError(t, tx.InsertRequest(ctx, &models.Request{ID: "r3", Kind: models.RequestFriend, SenderID: "bob", ReceiverID: "carol", State: models.RequestPending}))

		invites, err := tx.PendingRequests(ctx, models.RequestInvite, "p1", "", "bob")
		require.NoError(t, err)
		assert.Len(t, invites, 1)

		n, err := tx.ExpirePoolRequests(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		friends, err := tx.PendingRequests(ctx, models.RequestFriend, "", "", "")
		require.NoError(t, err)
		assert.Len(t, friends, 1)

		require.NoError(t, tx.AddFriendship(ctx, models.Friendship{MemberID: "carol", FriendID: "bob"}))
		ok, err := tx.AreFriends(ctx, "bob", "carol")
		require.NoError(t, err)
		assert.True(t, ok)

		require.NoError(t, tx.AddFriendship(ctx, models.Friendship{MemberID: "bob", FriendID: "alice"}))
		circle, err := tx.Friends(ctx, "bob")
		require.NoError(t, err)
		assert.Equal(t, []string{"alice", "carol"}, circle)
		circle, err = tx.Friends(ctx, "dave")
		require.NoError(t, err)
		assert.Empty(t, circle)
		return nil
	})
	require.NoError(t, err)
}
