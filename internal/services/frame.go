package services

import (
	"context"

	"raffle/internal/events"
	"raffle/internal/ledger"
	"raffle/internal/store"
)

type frameKey struct{}

// frame is one running operation. It travels in the context handed to the
// payment service and the oracle, so a call that comes back into the service
// with that context joins the running transaction instead of blocking on the
// lock.
type frame struct {
	tx *store.Tx
	// nested is set when the operation runs inside another one.
	nested bool
	events []events.Event
	// undo holds compensations for outbound effects that a rollback of the
	// store cannot reverse. They run newest first when the operation fails.
	undo []func(ctx context.Context)
}

func frameFrom(ctx context.Context) *frame {
	f, _ := ctx.Value(frameKey{}).(*frame)
	return f
}

func (f *frame) emit(ev events.Event) {
	f.events = append(f.events, ev)
}

func (f *frame) onAbort(fn func(ctx context.Context)) {
	f.undo = append(f.undo, fn)
}

func (f *frame) abort(ctx context.Context) {
	for i := len(f.undo) - 1; i >= 0; i-- {
		f.undo[i](ctx)
	}
	f.undo = nil
}

type operation func(ctx context.Context, l *ledger.Ledger, f *frame) error

// update runs op atomically. The outermost call takes the write lock and a
// store transaction and publishes the collected events after commit. A
// nested call runs over a child transaction that is merged into its parent
// only when op succeeds.
func (s *RaffleService) update(ctx context.Context, op operation) error {
	if parent := frameFrom(ctx); parent != nil {
		if parent.tx.ReadOnly() {
			return store.ErrReadOnly
		}
		child := &frame{tx: parent.tx.Nest(), nested: true}
		if err := op(context.WithValue(ctx, frameKey{}, child), ledger.New(child.tx), child); err != nil {
			child.abort(ctx)
			return err
		}
		child.tx.Merge()
		parent.events = append(parent.events, child.events...)
		parent.undo = append(parent.undo, child.undo...)
		return nil
	}

	var f *frame
	err := func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.store.Update(func(tx *store.Tx) error {
			f = &frame{tx: tx}
			l := ledger.New(tx)
			if err := op(context.WithValue(ctx, frameKey{}, f), l, f); err != nil {
				return err
			}
			return l.ExtendInstanceTTL()
		})
	}()
	if err != nil {
		if f != nil {
			f.abort(ctx)
		}
		return err
	}
	s.bus.Publish(ctx, f.events...)
	return nil
}

// view runs fn against committed state, or against the running transaction
// when called from inside an operation.
func (s *RaffleService) view(ctx context.Context, fn func(l *ledger.Ledger) error) error {
	if f := frameFrom(ctx); f != nil {
		return fn(ledger.New(f.tx))
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store.View(func(tx *store.Tx) error {
		return fn(ledger.New(tx))
	})
}
