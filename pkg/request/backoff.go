package request

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"
)

// HostBackoff tracks consecutive failures per host and holds new requests
// back until the host's cool-down has passed.
type HostBackoff struct {
	mu        sync.RWMutex
	hosts     map[string]*backoffState
	baseDelay time.Duration
	maxDelay  time.Duration
}

type backoffState struct {
	failures    int
	nextAllowed time.Time
}

// NewHostBackoff creates a backoff tracker.
func NewHostBackoff(baseDelay, maxDelay time.Duration) *HostBackoff {
	return &HostBackoff{
		hosts:     make(map[string]*backoffState),
		baseDelay: baseDelay,
		maxDelay:  maxDelay,
	}
}

// Wait blocks until host may be contacted again or ctx is done.
func (b *HostBackoff) Wait(ctx context.Context, host string) error {
	b.mu.RLock()
	state, ok := b.hosts[host]
	var until time.Time
	if ok {
		until = state.nextAllowed
	}
	b.mu.RUnlock()

	d := time.Until(until)
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RecordFailure pushes the host's next allowed time further out.
func (b *HostBackoff) RecordFailure(host string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, ok := b.hosts[host]
	if !ok {
		state = &backoffState{}
		b.hosts[host] = state
	}
	state.failures++
	state.nextAllowed = time.Now().Add(b.delay(state.failures))
}

// RecordSuccess steps the failure count down by one; the cool-down is
// cleared once it reaches zero.
func (b *HostBackoff) RecordSuccess(host string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, ok := b.hosts[host]
	if !ok {
		return
	}
	if state.failures > 0 {
		state.failures--
	}
	if state.failures == 0 {
		delete(b.hosts, host)
	}
}

// delay is baseDelay * 2^(failures-1), capped at maxDelay, plus up to 10% jitter.
func (b *HostBackoff) delay(failures int) time.Duration {
	d := time.Duration(float64(b.baseDelay) * math.Pow(2, float64(failures-1)))
	if d > b.maxDelay {
		d = b.maxDelay
	}
	return d + time.Duration(rand.Float64()*0.1*float64(d))
}

// State returns the failure count and next allowed time for host.
func (b *HostBackoff) State(host string) (failures int, nextAllowed time.Time) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if state, ok := b.hosts[host]; ok {
		return state.failures, state.nextAllowed
	}
	return 0, time.Time{}
}
