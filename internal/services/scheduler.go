package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// WinnerSelector is what a fired trigger calls.
type WinnerSelector interface {
	SelectWinner(ctx context.Context, poolID string, round int) error
}

// TriggerLock lets exactly one replica run a pool round's trigger.
type TriggerLock interface {
	Acquire(ctx context.Context, poolID string, round int) (bool, error)
	Release(ctx context.Context, poolID string, round int) error
}

// onceSchedule fires a single time at at.
type onceSchedule struct {
	at time.Time
}

func (s onceSchedule) Next(t time.Time) time.Time {
	if t.Before(s.at) {
		return s.at
	}
	return time.Time{}
}

// minLead keeps overdue triggers in the future so cron still runs them.
const minLead = 100 * time.Millisecond

// CronScheduler keeps at most one pending winner-selection trigger per pool
// on a robfig/cron runner.
type CronScheduler struct {
	cron     *cron.Cron
	selector WinnerSelector
	lock     TriggerLock
	logger   *zap.Logger
	baseCtx  context.Context
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]pendingTrigger
}

type pendingTrigger struct {
	id    cron.EntryID
	round int
}

func NewCronScheduler(baseCtx context.Context, selector WinnerSelector, lock TriggerLock, logger *zap.Logger) *CronScheduler {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CronScheduler{
		cron:     cron.New(cron.WithSeconds()),
		selector: selector,
		lock:     lock,
		logger:   logger.Named("scheduler"),
		baseCtx:  baseCtx,
		now:      time.Now,
		entries:  map[string]pendingTrigger{},
	}
}

func (s *CronScheduler) Schedule(poolID string, round int, at time.Time) error {
	if earliest := s.now().Add(minLead); at.Before(earliest) {
		at = earliest
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.entries[poolID]; ok {
		s.cron.Remove(p.id)
		delete(s.entries, poolID)
	}

	var id cron.EntryID
	id = s.cron.Schedule(onceSchedule{at: at}, cron.FuncJob(func() { s.trigger(poolID, round, id) }))
	s.entries[poolID] = pendingTrigger{id: id, round: round}

	s.logger.Info("winner selection armed",
		zap.String("pool_id", poolID),
		zap.Int("round", round),
		zap.Time("at", at))
	return nil
}

func (s *CronScheduler) Cancel(poolID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.entries[poolID]; ok {
		s.cron.Remove(p.id)
		delete(s.entries, poolID)
	}
}

// Pending reports whether poolID has an armed trigger.
func (s *CronScheduler) Pending(poolID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[poolID]
	return ok
}

// trigger retires entry id and fires it.
func (s *CronScheduler) trigger(poolID string, round int, id cron.EntryID) {
	s.mu.Lock()
	if s.entries[poolID].id == id {
		delete(s.entries, poolID)
		s.cron.Remove(id)
	}
	s.mu.Unlock()
	s.fire(poolID, round)
}

// rearmed reports whether poolID has a pending trigger for round.
func (s *CronScheduler) rearmed(poolID string, round int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.entries[poolID]
	return ok && p.round == round
}

func (s *CronScheduler) fire(poolID string, round int) {
	ctx := s.baseCtx
	held := false
	if s.lock != nil {
		ok, err := s.lock.Acquire(ctx, poolID, round)
		switch {
		case err != nil:
			s.logger.Warn("trigger lock unavailable, firing anyway", zap.String("pool_id", poolID), zap.Error(err))
		case !ok:
			s.logger.Info("trigger already taken by another replica", zap.String("pool_id", poolID), zap.Int("round", round))
			return
		default:
			held = true
		}
	}

	if err := s.selector.SelectWinner(ctx, poolID, round); err != nil {
		s.logger.Error("winner selection failed",
			zap.String("pool_id", poolID),
			zap.Int("round", round),
			zap.Error(err))
	}

	// A trigger that re-armed its own round fired early. The re-armed fire
	// needs the round's lock.
	if held && s.rearmed(poolID, round) {
		if err := s.lock.Release(ctx, poolID, round); err != nil {
			s.logger.Warn("failed to release trigger lock", zap.String("pool_id", poolID), zap.Int("round", round), zap.Error(err))
		}
	}
}

func (s *CronScheduler) Start() {
	s.logger.Info("scheduler started")
	s.cron.Start()
}

func (s *CronScheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("scheduler stopped")
}

// RedisTriggerLock claims a pool round with SETNX. The key holds the name of
// the replica that won it.
type RedisTriggerLock struct {
	client *redis.Client
	holder string
	ttl    time.Duration
}

func NewRedisTriggerLock(client *redis.Client, holder string, ttl time.Duration) *RedisTriggerLock {
	return &RedisTriggerLock{client: client, holder: holder, ttl: ttl}
}

func triggerLockKey(poolID string, round int) string {
	return fmt.Sprintf("equb:trigger:%s:%d", poolID, round)
}

func (l *RedisTriggerLock) Acquire(ctx context.Context, poolID string, round int) (bool, error) {
	return l.client.SetNX(ctx, triggerLockKey(poolID, round), l.holder, l.ttl).Result()
}

const releaseTriggerScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// Release drops the claim on a pool round if this replica still holds it.
func (l *RedisTriggerLock) Release(ctx context.Context, poolID string, round int) error {
	return l.client.Eval(ctx, releaseTriggerScript, []string{triggerLockKey(poolID, round)}, l.holder).Err()
}
