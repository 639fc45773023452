package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"
)

type MockWinnerSelector struct {
	mock.Mock
}

func (m *MockWinnerSelector) SelectWinner(ctx context.Context, poolID string, round int) error {
	args := m.Called(ctx, poolID, round)
	return args.Error(0)
}

type MockTriggerLock struct {
	mock.Mock
}

func (m *MockTriggerLock) Acquire(ctx context.Context, poolID string, round int) (bool, error) {
	args := m.Called(ctx, poolID, round)
	return args.Bool(0), args.Error(1)
}

func (m *MockTriggerLock) Release(ctx context.Context, poolID string, round int) error {
	args := m.Called(ctx, poolID, round)
	return args.Error(0)
}

type MockInstructionSource struct {
	mock.Mock
}

func (m *MockInstructionSource) PaymentInstruction(ctx context.Context, poolID, memberID string) (*PaymentInstruction, error) {
	args := m.Called(ctx, poolID, memberID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*PaymentInstruction), args.Error(1)
}

// fakeScheduler records the latest trigger per pool.
type fakeScheduler struct {
	mu      sync.Mutex
	pending map[string]arm
	armed   int
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{pending: map[string]arm{}}
}

func (s *fakeScheduler) Schedule(poolID string, round int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[poolID] = arm{poolID: poolID, round: round, at: at}
	s.armed++
	return nil
}

func (s *fakeScheduler) Cancel(poolID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, poolID)
}

func (s *fakeScheduler) get(poolID string) (arm, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.pending[poolID]
	return a, ok
}

// fakeClock is advanced by hand.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fixedRand always picks index i, clamped to the candidate count.
type fixedRand struct{ i int }

func (r fixedRand) Intn(n int) int { return min(r.i, n-1) }

// sequentialIDs yields id-1, id-2, ...
func sequentialIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("id-%d", n)
	}
}
