package auth

import (
	"context"
	"sync"
	"time"
)

var (
	loginWindow      = 15 * time.Minute
	lockDuration     = 10 * time.Minute
	maxLoginAttempts = 5
	sweepInterval    = time.Minute
)

// AttemptStore はクライアントごとのログイン失敗回数を保持します。
type AttemptStore interface {
	// LockedFor はロック中であれば残り時間を返します。
	LockedFor(ctx context.Context, key string) (time.Duration, error)
	// RecordFailure は失敗を記録し、ロックまでの残り試行回数を返します。
	RecordFailure(ctx context.Context, key string) (int, error)
	// Reset は記録を消去します。
	Reset(ctx context.Context, key string) error
}

type attemptState struct {
	count        int
	firstAttempt time.Time
	lockedUntil  time.Time
}

// stale は記録が判定に使われなくなったかを返します。
func (st *attemptState) stale(now time.Time) bool {
	if now.Before(st.lockedUntil) {
		return false
	}
	return !st.lockedUntil.IsZero() || now.Sub(st.firstAttempt) > loginWindow
}

// MemoryAttemptStore はプロセス内メモリで試行回数を管理します。
type MemoryAttemptStore struct {
	lock     sync.Mutex
	attempts  map[string]*attemptState
	now       func() time.Time
	lastSweep time.Time
}

// NewMemoryAttemptStore は MemoryAttemptStore を作成します。
func NewMemoryAttemptStore() *MemoryAttemptStore {
	return &MemoryAttemptStore{
		attempts: make(map[string]*attemptState),
		now:      time.Now,
	}
}

func (s *MemoryAttemptStore) LockedFor(_ context.Context, key string) (time.Duration, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	state, ok := s.attempts[key]
	if !ok {
		return 0, nil
	}
	now := s.now()
	if !now.Before(state.lockedUntil) {
		return 0, nil
	}
	return state.lockedUntil.Sub(now), nil
}

func (s *MemoryAttemptStore) RecordFailure(_ context.Context, key string) (int, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	now := s.now()
	s.sweep(now)
	state, ok := s.attempts[key]
	expiredLock := ok && !state.lockedUntil.IsZero() && !now.Before(state.lockedUntil)
	if !ok || expiredLock || now.Sub(state.firstAttempt) > loginWindow {
		state = &attemptState{firstAttempt: now}
		s.attempts[key] = state
	}

	state.count++
	if state.count >= maxLoginAttempts {
		state.lockedUntil = now.Add(lockDuration)
		state.count = maxLoginAttempts
	}

	remaining := maxLoginAttempts - state.count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

func (s *MemoryAttemptStore) Reset(_ context.Context, key string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.attempts, key)
	return nil
}

// sweep は期限切れの記録を削除します。クライアントごとに記録が残り続けないよう
// RecordFailure から最大で sweepInterval ごとに呼ばれます。
func (s *MemoryAttemptStore) sweep(now time.Time) {
	if now.Sub(s.lastSweep) < sweepInterval {
		return
	}
	s.lastSweep = now
	for key, state := range s.attempts {
		if state.stale(now) {
			delete(s.attempts, key)
		}
	}
}
