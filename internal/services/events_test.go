package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ruralpay/equb/internal/models"
)

func TestDispatcher_Order(t *testing.T) {
	d := NewDispatcher(nil)
	var got []string
	record := func(name string) Listener {
		return ListenerFunc(func(context.Context, Event) error {
			got = append(got, name)
			return nil
		})
	}

	d.SubscribePool("pool-1", record("pool-a"))
	d.Subscribe(record("global-a"))
	d.SubscribePool("pool-2", record("other"))
	d.Subscribe(ListenerFunc(func(context.Context, Event) error {
		got = append(got, "failing")
		return errors.New("boom")
	}))
	d.SubscribePool("pool-1", record("pool-b"))

	d.Dispatch(context.Background(), Event{Type: EventNewRound, PoolID: "pool-1"})

	assert.Equal(t, []string{"global-a", "failing", "pool-a", "pool-b"}, got)
}

func TestDispatcher_TypedHooks(t *testing.T) {
	d := NewDispatcher(nil)
	var outbid, rounds, members, payments int
	d.OnOutbid(func(context.Context, Event) { outbid++ })
	d.OnNewRound(func(context.Context, Event) { rounds++ })
	d.OnNewMember(func(context.Context, Event) { members++ })
	d.OnPaymentConfirmationRequested(func(context.Context, Event) { payments++ })

	ctx := context.Background()
	for _, typ := range []EventType{EventOutbid, EventOutbid, EventNewRound, EventNewMember, EventPoolCompleted} {
		d.Dispatch(ctx, Event{Type: typ})
	}

	assert.Equal(t, 2, outbid)
	assert.Equal(t, 1, rounds)
	assert.Equal(t, 1, members)
	assert.Zero(t, payments)
}

func TestLogListener(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	l := NewLogListener(zap.New(core))

	err := l.Handle(context.Background(), Event{
		Type:     EventOutbid,
		PoolID:   "pool-1",
		Round:    2,
		MemberID: "bob",
		Bid:      &models.Bid{MemberID: "bob", Amount: decimal.RequireFromString("0.25")},
	})
	require.NoError(t, err)

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "outbid", fields["event"])
	assert.Equal(t, "0.25", fields["bid"])
	assert.Equal(t, "bob", fields["bidder"])
}

func TestRedisPublisher_Handle(t *testing.T) {
	client, redisMock := redismock.NewClientMock()
	p := NewRedisPublisher(client)
	ctx := context.Background()

	poolEvent := Event{Type: EventNewRound, PoolID: "pool-1", Round: 2, OccurredAt: time.Unix(1700000000, 0).UTC()}
	friendEvent := Event{Type: EventRequestReceived, MemberID: "alice", Recipients: []string{"bob"}}

	poolPayload, err := json.Marshal(poolEvent)
	require.NoError(t, err)
	friendPayload, err := json.Marshal(friendEvent)
	require.NoError(t, err)

	redisMock.ExpectPublish("equb:events:pool-1", poolPayload).SetVal(1)
	redisMock.ExpectPublish("equb:events:members", friendPayload).SetErr(errors.New("connection reset"))

	assert.NoError(t, p.Handle(ctx, poolEvent))
	err = p.Handle(ctx, friendEvent)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "publish request_received")

	assert.NoError(t, redisMock.ExpectationsWereMet())
}
