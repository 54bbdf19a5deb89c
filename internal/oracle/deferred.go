package oracle

import (
	"context"
	"errors"
	"sync"
	"time"

	"raffle/internal/models"

	"github.com/google/logger"
)

type request struct {
	requester models.Address
	value     uint64
}

// Deferred queues requests and answers them later, each in its own call to
// the bound Callback. Requests whose callback fails with a state error
// (replayed or stale) are dropped; other failures are kept for the next pass.
type Deferred struct {
	addr   models.Address
	source Source

	mu       sync.Mutex
	pending  []request
	callback Callback
}

// NewDeferred creates an asynchronous oracle. A nil source uses CryptoSource.
func NewDeferred(addr models.Address, source Source) *Deferred {
	if source == nil {
		source = CryptoSource
	}
	return &Deferred{addr: addr, source: source}
}

// Bind sets the entry point requests are answered on.
func (d *Deferred) Bind(cb Callback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.callback = cb
}

func (d *Deferred) Address() models.Address {
	return d.addr
}

func (d *Deferred) RequestRandom(ctx context.Context, requester models.Address) (uint64, error) {
	v, err := d.source()
	if err != nil {
		return 0, err
	}
	d.mu.Lock()
	d.pending = append(d.pending, request{requester: requester, value: v})
	d.mu.Unlock()
	return v, nil
}

// Pending is the number of unanswered requests.
func (d *Deferred) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// FulfillPending answers every queued request and returns how many were delivered.
func (d *Deferred) FulfillPending(ctx context.Context) (int, error) {
	d.mu.Lock()
	queue, cb := d.pending, d.callback
	d.pending = nil
	d.mu.Unlock()

	if cb == nil {
		d.requeue(queue)
		return 0, errors.New("oracle: no callback bound")
	}

	delivered := 0
	var retry []request
	for _, req := range queue {
		err := cb.FulfillRandom(ctx, d.addr, req.value)
		switch {
		case err == nil:
			delivered++
		case errors.Is(err, models.ErrInvalidState), errors.Is(err, models.ErrUnauthorizedVRF):
			logger.Warningf("oracle: dropping request %d from %s: %v", req.value, req.requester, err)
		default:
			logger.Errorf("oracle: fulfilling request %d for %s: %v", req.value, req.requester, err)
			retry = append(retry, req)
		}
	}
	d.requeue(retry)
	return delivered, nil
}

func (d *Deferred) requeue(reqs []request) {
	if len(reqs) == 0 {
		return
	}
	d.mu.Lock()
	d.pending = append(reqs, d.pending...)
	d.mu.Unlock()
}

// Run answers queued requests every interval until ctx is done.
func (d *Deferred) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := d.FulfillPending(ctx)
			if err != nil {
				logger.Errorf("oracle: %v", err)
				continue
			}
			if n > 0 {
				logger.Infof("oracle: fulfilled %d request(s)", n)
			}
		}
	}
}
