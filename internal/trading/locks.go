package trading

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"equity-trader/internal/logging"
	"equity-trader/internal/models"
	"equity-trader/internal/store"
)

// LockStatus answers whether trading a symbol is currently restricted.
type LockStatus struct {
	Locked bool
	Reason string
	Until  time.Time
	Global bool
}

// PairLockManager installs, queries and expires pair locks.
type PairLockManager struct {
	store  store.LockStore
	logger zerolog.Logger
	now    func() time.Time
}

// NewPairLockManager creates a pair lock manager.
func NewPairLockManager(locks store.LockStore, logger zerolog.Logger) *PairLockManager {
	return &PairLockManager{
		store:  locks,
		logger: logging.WithComponent(logger, "locks"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// LockPair locks symbol for minutes. An empty side locks both directions.
func (m *PairLockManager) LockPair(ctx context.Context, symbol string, minutes int, reason string, side models.LockSide) (*models.PairLock, error) {
	if minutes <= 0 {
		return nil, fmt.Errorf("lock %s: duration must be positive, got %d minutes", symbol, minutes)
	}
	if side == "" {
		side = models.LockSideAny
	}
	now := m.now()
	lock := &models.PairLock{
		ID:        newID(),
		Symbol:    symbol,
		LockEnd:   now.Add(time.Duration(minutes) * time.Minute),
		Reason:    reason,
		Side:      side,
		Active:    true,
		CreatedAt: now,
	}
	if err := m.store.InsertLock(ctx, lock); err != nil {
		return nil, err
	}
	logging.LogLock(m.logger, symbol, reason, lock.LockEnd)
	return lock, nil
}

// LockGlobal locks the whole book for minutes.
func (m *PairLockManager) LockGlobal(ctx context.Context, minutes int, reason string) (*models.PairLock, error) {
	return m.LockPair(ctx, models.GlobalLockSymbol, minutes, reason, models.LockSideAny)
}

// IsPairLocked checks locks on symbol first, then global locks. When several
// match, the one ending last is reported.
func (m *PairLockManager) IsPairLocked(ctx context.Context, symbol string, side models.LockSide) (LockStatus, error) {
	now := m.now()
	for _, scope := range []string{symbol, models.GlobalLockSymbol} {
		locks, err := m.store.ListLocks(ctx, store.LockFilter{Symbol: scope, ActiveAt: now})
		if err != nil {
			return LockStatus{}, err
		}
		for i := range locks {
			if locks[i].Covers(side) {
				return LockStatus{
					Locked: true,
					Reason: locks[i].Reason,
					Until:  locks[i].LockEnd,
					Global: locks[i].IsGlobal(),
				}, nil
			}
		}
	}
	return LockStatus{}, nil
}

// GetActiveLocks returns every lock in effect now, longest lasting first.
func (m *PairLockManager) GetActiveLocks(ctx context.Context) ([]models.PairLock, error) {
	return m.store.ListLocks(ctx, store.LockFilter{ActiveAt: m.now()})
}

// UnlockPair deactivates every lock on symbol and returns how many.
func (m *PairLockManager) UnlockPair(ctx context.Context, symbol string) (int, error) {
	n, err := m.store.DeactivateLocks(ctx, symbol)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.logger.Info().Str("symbol", symbol).Int("count", n).Msg("Locks removed")
	}
	return n, nil
}

// CleanupExpired deactivates locks whose end time has passed.
func (m *PairLockManager) CleanupExpired(ctx context.Context) (int, error) {
	n, err := m.store.DeactivateExpired(ctx, m.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.logger.Debug().Int("count", n).Msg("Expired locks deactivated")
	}
	return n, nil
}
