package models

import "time"

// GlobalLockSymbol marks a lock that applies to the whole book.
const GlobalLockSymbol = "*"

// LockSide scopes a lock to one direction of trading.
type LockSide string

const (
	LockSideAny   LockSide = "*"
	LockSideLong  LockSide = "long"
	LockSideShort LockSide = "short"
)

// PairLock is a time-bounded restriction on a symbol or the whole book.
type PairLock struct {
	ID        string
	Symbol    string
	LockEnd   time.Time
	Reason    string
	Side      LockSide
	Active    bool
	CreatedAt time.Time
}

// IsGlobal reports whether the lock applies to every symbol.
func (l *PairLock) IsGlobal() bool {
	return l.Symbol == GlobalLockSymbol
}

// InEffect reports whether the lock restricts trading at now.
func (l *PairLock) InEffect(now time.Time) bool {
	return l.Active && l.LockEnd.After(now)
}

// Covers reports whether the lock applies to the given side. An empty or
// "*" side matches any lock.
func (l *PairLock) Covers(side LockSide) bool {
	return side == "" || side == LockSideAny || l.Side == LockSideAny || l.Side == side
}
