package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type selectorFunc func(ctx context.Context, poolID string, round int) error

func (f selectorFunc) SelectWinner(ctx context.Context, poolID string, round int) error {
	return f(ctx, poolID, round)
}

func TestOnceSchedule(t *testing.T) {
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	s := onceSchedule{at: at}

	assert.Equal(t, at, s.Next(at.Add(-time.Minute)))
	assert.True(t, s.Next(at).IsZero())
	assert.True(t, s.Next(at.Add(time.Second)).IsZero())
}

func TestCronScheduler_ScheduleAndCancel(t *testing.T) {
	s := NewCronScheduler(context.Background(), &MockWinnerSelector{}, nil, nil)
	at := time.Now().Add(time.Hour)

	require.NoError(t, s.Schedule("pool-1", 1, at))
	assert.True(t, s.Pending("pool-1"))
	first := s.entries["pool-1"]

	require.NoError(t, s.Schedule("pool-1", 2, at.Add(time.Hour)))
	assert.NotEqual(t, first, s.entries["pool-1"], "re-arming replaces the pending trigger")
	assert.Len(t, s.cron.Entries(), 1)

	s.Cancel("pool-1")
	assert.False(t, s.Pending("pool-1"))
	assert.Empty(t, s.cron.Entries())

	s.Cancel("pool-2")
}

func TestCronScheduler_Fire(t *testing.T) {
	tests := []struct {
		name     string
		acquired bool
		lockErr  error
		called   bool
	}{
		{"lock acquired", true, nil, true},
		{"lock held elsewhere", false, nil, false},
		{"lock unavailable", false, errors.New("connection refused"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			selector := &MockWinnerSelector{}
			lock := &MockTriggerLock{}
			lock.On("Acquire", mock.Anything, "pool-1", 3).Return(tt.acquired, tt.lockErr)
			if tt.called {
				selector.On("SelectWinner", mock.Anything, "pool-1", 3).Return(nil)
			}

			s := NewCronScheduler(context.Background(), selector, lock, nil)
			s.fire("pool-1", 3)

			lock.AssertExpectations(t)
			if tt.called {
				selector.AssertExpectations(t)
			} else {
				selector.AssertNotCalled(t, "SelectWinner", mock.Anything, mock.Anything, mock.Anything)
			}
		})
	}
}

func TestCronScheduler_FireReleasesRearmedRound(t *testing.T) {
	lock := &MockTriggerLock{}
	lock.On("Acquire", mock.Anything, "pool-1", 3).Return(true, nil)
	lock.On("Release", mock.Anything, "pool-1", 3).Return(nil)

	var s *CronScheduler
	selector := selectorFunc(func(_ context.Context, poolID string, round int) error {
		return s.Schedule(poolID, round, time.Now().Add(time.Minute))
	})
	s = NewCronScheduler(context.Background(), selector, lock, nil)

	s.fire("pool-1", 3)
	lock.AssertExpectations(t)
	assert.True(t, s.Pending("pool-1"))
}

// memoryTriggerLock is a single-process TriggerLock.
type memoryTriggerLock struct {
	mu   sync.Mutex
	held map[string]bool
}

func (l *memoryTriggerLock) Acquire(_ context.Context, poolID string, round int) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := triggerLockKey(poolID, round)
	if l.held[key] {
		return false, nil
	}
	l.held[key] = true
	return true, nil
}

func (l *memoryTriggerLock) Release(_ context.Context, poolID string, round int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, triggerLockKey(poolID, round))
	return nil
}

func TestCronScheduler_EarlyFireDoesNotStallRound(t *testing.T) {
	f := newEngineFixture(t)
	s := NewCronScheduler(context.Background(), f.engine, &memoryTriggerLock{held: map[string]bool{}}, nil)
	f.engine.SetScheduler(s)
	pool := f.newPool(t, "market", "200", "alice", "bob")

	fireArmed := func() {
		t.Helper()
		s.mu.Lock()
		p, ok := s.entries[pool.ID]
		s.mu.Unlock()
		require.True(t, ok, "round trigger armed")
		s.trigger(pool.ID, p.round, p.id)
	}

	// Fires half a cycle early, as on a replica whose clock runs ahead.
	f.clock.Advance(30 * time.Minute)
	fireArmed()
	_, rs := f.pool(t, pool.ID)
	assert.Empty(t, rs.Wins)

	f.clock.Advance(30 * time.Minute)
	fireArmed()
	got, rs := f.pool(t, pool.ID)
	assert.True(t, got.IsInPaymentStage)
	assert.Len(t, rs.Wins, 1)
}

func TestCronScheduler_FiresOverdueTrigger(t *testing.T) {
	fired := make(chan int, 1)
	selector := selectorFunc(func(_ context.Context, poolID string, round int) error {
		if poolID == "pool-1" {
			fired <- round
		}
		return nil
	})

	s := NewCronScheduler(context.Background(), selector, nil, nil)
	s.Start()
	defer s.Stop()

	require.NoError(t, s.Schedule("pool-1", 2, time.Now().Add(-time.Minute)))

	select {
	case round := <-fired:
		assert.Equal(t, 2, round)
	case <-time.After(3 * time.Second):
		t.Fatal("trigger did not fire")
	}
	assert.Eventually(t, func() bool { return !s.Pending("pool-1") }, time.Second, 10*time.Millisecond)
}

func TestRedisTriggerLock_Acquire(t *testing.T) {
	client, redisMock := redismock.NewClientMock()
	lock := NewRedisTriggerLock(client, "replica-a", 30*time.Second)
	ctx := context.Background()

	redisMock.ExpectSetNX("equb:trigger:pool-1:2", "replica-a", 30*time.Second).SetVal(true)
	redisMock.ExpectSetNX("equb:trigger:pool-1:2", "replica-a", 30*time.Second).SetVal(false)

	ok, err := lock.Acquire(ctx, "pool-1", 2)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = lock.Acquire(ctx, "pool-1", 2)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, redisMock.ExpectationsWereMet())
}

func TestRedisTriggerLock_Release(t *testing.T) {
	client, redisMock := redismock.NewClientMock()
	lock := NewRedisTriggerLock(client, "replica-a", 30*time.Second)

	redisMock.ExpectEval(releaseTriggerScript, []string{"equb:trigger:pool-1:2"}, "replica-a").SetVal(int64(1))

	require.NoError(t, lock.Release(context.Background(), "pool-1", 2))
	assert.NoError(t, redisMock.ExpectationsWereMet())
}
