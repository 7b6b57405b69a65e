package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/atmx/nft-market/internal/keylock"
	"github.com/atmx/nft-market/internal/model"
	"github.com/atmx/nft-market/internal/store"
)

type unitKey struct{}

// unit is one all-or-nothing operation in flight. It travels in the
// context handed to collaborators, so a collaborator that calls back into
// the ledger joins it: held locks are not re-acquired and reads see the
// unit's uncommitted effects.
//
// Only an outermost unit talks to the registry or the payout channel. A
// joined unit may still fail or be rolled back with its parent, and an
// item transfer or payment cannot be taken back with it.
type unit struct {
	tx      store.Tx
	parent  *unit
	locked  map[string]bool
	unlocks []func()
	events  []model.Event

	// undo runs if the outermost commit fails after an external call
	// already went through.
	undo []func(ctx context.Context)
}

func unitFrom(ctx context.Context) *unit {
	u, _ := ctx.Value(unitKey{}).(*unit)
	return u
}

// detached returns ctx without the unit, for calls made after the unit
// has finished.
func detached(ctx context.Context) context.Context {
	return context.WithValue(context.WithoutCancel(ctx), unitKey{}, (*unit)(nil))
}

func (u *unit) nested() bool {
	return u.parent != nil
}

func (u *unit) holds(key string) bool {
	for x := u; x != nil; x = x.parent {
		if x.locked[key] {
			return true
		}
	}
	return false
}

func (u *unit) lock(ctx context.Context, locker keylock.Locker, key string) error {
	if u.holds(key) {
		return nil
	}
	unlock, err := locker.Lock(ctx, key)
	if err != nil {
		return fmt.Errorf("ledger: lock %s: %w", key, err)
	}
	u.locked[key] = true
	u.unlocks = append(u.unlocks, unlock)
	return nil
}

func (u *unit) release() {
	for i := len(u.unlocks) - 1; i >= 0; i-- {
		u.unlocks[i]()
	}
	u.unlocks = nil
}

func (u *unit) emit(e model.Event) {
	u.events = append(u.events, e)
}

func (u *unit) onCommitFailure(fn func(ctx context.Context)) {
	u.undo = append(u.undo, fn)
}

// run executes fn holding lockKey inside a transaction. A failing fn rolls
// back everything it wrote. Nested runs commit into their parent, which
// keeps their locks and events until the outermost run finishes; only then
// are locks released and events published.
func (l *Ledger) run(ctx context.Context, lockKey string, fn func(ctx context.Context, u *unit) error) error {
	parent := unitFrom(ctx)
	u := &unit{parent: parent, locked: make(map[string]bool)}

	if err := u.lock(ctx, l.locker, lockKey); err != nil {
		return err
	}

	var err error
	if parent != nil {
		u.tx, err = parent.tx.Begin(ctx)
	} else {
		u.tx, err = l.store.Begin(ctx)
	}
	if err != nil {
		u.release()
		return fmt.Errorf("ledger: begin: %w", err)
	}

	// Undo must run even if the caller has given up on ctx.
	cleanupCtx := context.WithoutCancel(ctx)

	if err := fn(context.WithValue(ctx, unitKey{}, u), u); err != nil {
		_ = u.tx.Rollback(cleanupCtx)
		u.release()
		return err
	}
	if err := u.tx.Commit(cleanupCtx); err != nil {
		_ = u.tx.Rollback(cleanupCtx)
		u.release()
		for i := len(u.undo) - 1; i >= 0; i-- {
			u.undo[i](detached(ctx))
		}
		return fmt.Errorf("ledger: commit: %w", err)
	}

	if parent != nil {
		for k := range u.locked {
			parent.locked[k] = true
		}
		parent.unlocks = append(parent.unlocks, u.unlocks...)
		parent.events = append(parent.events, u.events...)
		parent.undo = append(parent.undo, u.undo...)
		return nil
	}

	u.release()
	for _, e := range u.events {
		l.events.Publish(ctx, e)
	}
	return nil
}

// settle runs an operation whose external call cannot be rolled back.
//
// effects is committed first, while lockKey is held. send then runs under
// the same lock in a fresh transaction that reentrant calls join; they see
// the committed effects. If send fails, its transaction is rolled back and
// compensate is committed on its own to reverse effects. Events from both
// phases are published only once send has succeeded.
//
// Called from inside another unit, settle runs effects in a savepoint so
// the usual checks apply, then refuses with ErrReentrantTransfer.
func (l *Ledger) settle(ctx context.Context, lockKey string,
	effects func(ctx context.Context, u *unit) error,
	send func(ctx context.Context) error,
	compensate func(ctx context.Context, tx store.Tx) error,
) error {
	if unitFrom(ctx) != nil {
		return l.run(ctx, lockKey, func(ctx context.Context, u *unit) error {
			if err := effects(ctx, u); err != nil {
				return err
			}
			return ErrReentrantTransfer
		})
	}

	u := &unit{locked: make(map[string]bool)}
	if err := u.lock(ctx, l.locker, lockKey); err != nil {
		return err
	}
	defer u.release()

	cleanupCtx := context.WithoutCancel(ctx)

	var err error
	if u.tx, err = l.store.Begin(ctx); err != nil {
		return fmt.Errorf("ledger: begin: %w", err)
	}
	if err := effects(context.WithValue(ctx, unitKey{}, u), u); err != nil {
		_ = u.tx.Rollback(cleanupCtx)
		return err
	}
	if err := u.tx.Commit(cleanupCtx); err != nil {
		_ = u.tx.Rollback(cleanupCtx)
		return fmt.Errorf("ledger: commit: %w", err)
	}
	committed := u.events
	u.events = nil

	if u.tx, err = l.store.Begin(cleanupCtx); err != nil {
		err = fmt.Errorf("ledger: begin: %w", err)
		return l.compensate(cleanupCtx, err, compensate)
	}

	if sendErr := send(context.WithValue(ctx, unitKey{}, u)); sendErr != nil {
		_ = u.tx.Rollback(cleanupCtx)
		return l.compensate(cleanupCtx, sendErr, compensate)
	}

	if err := u.tx.Commit(cleanupCtx); err != nil {
		// The external call went through and effects are committed; only
		// work done by reentrant calls is lost.
		_ = u.tx.Rollback(cleanupCtx)
		slog.Error("ledger: reentrant changes lost after completed transfer", "lock", lockKey, "err", err)
		u.events = nil
	}

	u.release()
	for _, e := range append(committed, u.events...) {
		l.events.Publish(ctx, e)
	}
	return nil
}

// compensate commits fn to reverse committed effects after cause. If that
// fails too, the ledger is out of step with the outside world and the
// failure is logged for reconciliation.
func (l *Ledger) compensate(ctx context.Context, cause error, fn func(ctx context.Context, tx store.Tx) error) error {
	tx, err := l.store.Begin(ctx)
	if err == nil {
		if err = fn(ctx, tx); err == nil {
			err = tx.Commit(ctx)
		}
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}
	if err != nil {
		slog.Error("ledger: compensation failed, manual reconciliation required", "cause", cause, "err", err)
		return fmt.Errorf("%w (compensation failed: %v)", cause, err)
	}
	return cause
}

// reader returns the open transaction when ctx belongs to an operation in
// flight, and the committed store otherwise.
func (l *Ledger) reader(ctx context.Context) store.Reader {
	if u := unitFrom(ctx); u != nil {
		return u.tx
	}
	return l.store
}

func itemLock(key model.ListingKey) string {
	return "item:" + key.Collection + ":" + key.ItemID
}

func sellerLock(seller string) string {
	return "seller:" + seller
}
