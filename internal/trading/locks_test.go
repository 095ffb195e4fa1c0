package trading

import (
	"context"
	"testing"
	"time"

	"equity-trader/internal/models"
	"equity-trader/internal/store"
)

func TestIsPairLocked_SymbolBeforeGlobal(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	h.locks.LockPair(ctx, "AAPL", 30, "cooldown", models.LockSideAny)
	h.locks.LockGlobal(ctx, 60, "drawdown")

	status, err := h.locks.IsPairLocked(ctx, "AAPL", models.LockSideLong)
	if err != nil {
		t.Fatal(err)
	}
	if !status.Locked || status.Global || status.Reason != "cooldown" {
		t.Errorf("AAPL should report its own lock first, got %+v", status)
	}

	status, _ = h.locks.IsPairLocked(ctx, "MSFT", models.LockSideLong)
	if !status.Locked || !status.Global || status.Reason != "drawdown" {
		t.Errorf("MSFT should be covered by the global lock, got %+v", status)
	}

	if ok, reason := h.protect.CanTrade(ctx, "MSFT"); ok || reason == "" {
		t.Errorf("CanTrade should deny with a reason, got %v %q", ok, reason)
	}
}

func TestIsPairLocked_AnySideQueryMatchesSidedLock(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	if _, err := h.locks.LockPair(ctx, "AAPL", 30, "long only", models.LockSideLong); err != nil {
		t.Fatal(err)
	}

	for _, side := range []models.LockSide{"", models.LockSideAny, models.LockSideLong} {
		status, err := h.locks.IsPairLocked(ctx, "AAPL", side)
		if err != nil {
			t.Fatal(err)
		}
		if !status.Locked || status.Reason != "long only" {
			t.Errorf("side %q should see the long lock, got %+v", side, status)
		}
	}
	if status, _ := h.locks.IsPairLocked(ctx, "AAPL", models.LockSideShort); status.Locked {
		t.Errorf("short side must not see the long lock, got %+v", status)
	}
}

func TestIsPairLocked_LatestEndingWins(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	h.locks.LockPair(ctx, "AAPL", 10, "short", models.LockSideAny)
	long, _ := h.locks.LockPair(ctx, "AAPL", 120, "long", models.LockSideAny)

	status, _ := h.locks.IsPairLocked(ctx, "AAPL", "")
	if status.Reason != "long" || !status.Until.Equal(long.LockEnd) {
		t.Errorf("expected the lock ending last, got %+v", status)
	}
}

func TestIsPairLocked_SideScope(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	h.locks.LockPair(ctx, "TSLA", 30, "short squeeze", models.LockSideShort)

	if status, _ := h.locks.IsPairLocked(ctx, "TSLA", models.LockSideLong); status.Locked {
		t.Errorf("short lock should not block longs: %+v", status)
	}
	if status, _ := h.locks.IsPairLocked(ctx, "TSLA", models.LockSideShort); !status.Locked {
		t.Error("short lock should block shorts")
	}
	if ok, _ := h.protect.CanTrade(ctx, "TSLA"); !ok {
		t.Error("long entry should be allowed")
	}
}

func TestUnlockAndCleanup_NeverDelete(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	h.locks.LockPair(ctx, "AAPL", 30, "cooldown", models.LockSideAny)
	h.locks.LockPair(ctx, "MSFT", 5, "cooldown", models.LockSideAny)
	h.locks.LockGlobal(ctx, 60, "drawdown")

	n, err := h.locks.UnlockPair(ctx, "AAPL")
	if err != nil || n != 1 {
		t.Fatalf("UnlockPair = %d, %v", n, err)
	}

	later := time.Now().UTC().Add(10 * time.Minute)
	h.locks.now = func() time.Time { return later }
	n, err = h.locks.CleanupExpired(ctx)
	if err != nil || n != 1 {
		t.Fatalf("CleanupExpired = %d, %v; want the MSFT lock", n, err)
	}

	active, _ := h.locks.GetActiveLocks(ctx)
	if len(active) != 1 || !active[0].IsGlobal() {
		t.Errorf("only the global lock should be active, got %+v", active)
	}

	all, _ := h.ledger.ListLocks(ctx, store.LockFilter{})
	if len(all) != 3 {
		t.Errorf("locks must be kept for history, got %d", len(all))
	}
}

func TestLockPair_RejectsNonPositiveDuration(t *testing.T) {
	h := newHarness(t, true)
	if _, err := h.locks.LockPair(context.Background(), "AAPL", 0, "oops", ""); err == nil {
		t.Error("expected an error for a zero-minute lock")
	}
}
