// Package pool manages a bounded set of tmux adapters so concurrent
// health checks don't each pay the cost of a fresh subprocess wrapper,
// and so a tmux server outage doesn't leave adapters wedged open
// indefinitely (spec §4.2).
package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fleetwatch/fleetwatch/internal/defaults"
	"github.com/fleetwatch/fleetwatch/internal/tmuxadapter"
)

// ErrAcquireTimeout is returned when no adapter became available before
// the configured acquire timeout elapsed.
var ErrAcquireTimeout = errors.New("pool: acquire timed out")

// ErrClosed is returned by Acquire after Close has been called.
var ErrClosed = errors.New("pool: closed")

// Factory creates a new adapter. Substitutable in tests.
type Factory func() *tmuxadapter.Adapter

// entry wraps a pooled adapter with its lifecycle bookkeeping.
type entry struct {
	adapter  *tmuxadapter.Adapter
	borrowed bool
	idleFrom time.Time
}

// Pool is a bounded, self-healing set of tmux adapters.
type Pool struct {
	factory        Factory
	min, max       int
	acquireTimeout time.Duration
	maxIdle        time.Duration
	maxTotalAge    time.Duration
	logger         func(format string, v ...interface{})

	mu      sync.Mutex
	cond    *sync.Cond
	entries []*entry
	closed  bool

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// Config carries the pool's geometry, mirroring internal/config's
// PoolConfig field-for-field so callers can wire the two directly.
type Config struct {
	Min            int
	Max            int
	AcquireTimeout time.Duration
	MaxIdle        time.Duration
	MaxTotalAge    time.Duration
	SweepInterval  time.Duration
}

// New builds a Pool and pre-warms it with Min adapters.
func New(cfg Config, factory Factory, logger func(format string, v ...interface{})) *Pool {
	if cfg.Min <= 0 {
		cfg.Min = defaults.PoolMin
	}
	if cfg.Max <= 0 {
		cfg.Max = defaults.PoolMax
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = defaults.PoolAcquireTimeout
	}
	if cfg.MaxIdle <= 0 {
		cfg.MaxIdle = defaults.PoolMaxIdleAge
	}
	if cfg.MaxTotalAge <= 0 {
		cfg.MaxTotalAge = defaults.PoolMaxTotalAge
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaults.PoolSweepInterval
	}
	if logger == nil {
		logger = func(string, ...interface{}) {}
	}

	p := &Pool{
		factory:        factory,
		min:            cfg.Min,
		max:            cfg.Max,
		acquireTimeout: cfg.AcquireTimeout,
		maxIdle:        cfg.MaxIdle,
		maxTotalAge:    cfg.MaxTotalAge,
		logger:         logger,
		sweepStop:      make(chan struct{}),
		sweepDone:      make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)

	for i := 0; i < p.min; i++ {
		p.entries = append(p.entries, &entry{adapter: p.factory(), idleFrom: time.Now()})
	}

	go p.sweepLoop(cfg.SweepInterval)
	return p
}

// Acquire waits for an available adapter, creating one if under Max, and
// returns an error if none becomes free within the acquire timeout
// (spec §4.2).
func (p *Pool) Acquire(ctx context.Context) (*tmuxadapter.Adapter, error) {
	deadline := time.Now().Add(p.acquireTimeout)

	// A single watchdog goroutine wakes every waiter on timeout or
	// context cancellation; it exits as soon as Acquire returns.
	giveUp := make(chan struct{})
	defer close(giveUp)
	go func() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
		case <-giveUp:
			return
		}
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	}()

	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if p.closed {
			return nil, ErrClosed
		}
		if e := p.findFreeLocked(); e != nil {
			e.borrowed = true
			return e.adapter, nil
		}
		if len(p.entries) < p.max {
			e := &entry{adapter: p.factory(), borrowed: true}
			p.entries = append(p.entries, e)
			return e.adapter, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, ErrAcquireTimeout
		}
		p.cond.Wait()
	}
}

func (p *Pool) findFreeLocked() *entry {
	for _, e := range p.entries {
		if !e.borrowed {
			return e
		}
	}
	return nil
}

// Release returns an adapter to the pool. If the adapter poisoned itself
// on a transient failure, it is discarded and, if the pool has dropped
// below Min, replaced (spec §4.2).
func (p *Pool) Release(adapter *tmuxadapter.Adapter) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, e := range p.entries {
		if e.adapter != adapter {
			continue
		}
		if adapter.Poisoned() || adapter.Age() > p.maxTotalAge {
			p.entries = append(p.entries[:i], p.entries[i+1:]...)
			p.replenishLocked()
		} else {
			e.borrowed = false
			e.idleFrom = time.Now()
		}
		p.cond.Broadcast()
		return
	}
}

func (p *Pool) replenishLocked() {
	if len(p.entries) < p.min && !p.closed {
		p.entries = append(p.entries, &entry{adapter: p.factory(), idleFrom: time.Now()})
	}
}

// Size reports the current total and borrowed adapter counts.
func (p *Pool) Size() (total, borrowed int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	total = len(p.entries)
	for _, e := range p.entries {
		if e.borrowed {
			borrowed++
		}
	}
	return total, borrowed
}

// Close stops the sweeper and releases all adapters. Acquire returns
// ErrClosed after Close completes.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.entries = nil
	p.mu.Unlock()
	p.cond.Broadcast()

	close(p.sweepStop)
	<-p.sweepDone
}

func (p *Pool) sweepLoop(interval time.Duration) {
	defer close(p.sweepDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.sweepStop:
			return
		case <-ticker.C:
			p.sweepOnce()
		}
	}
}

// sweepOnce evicts idle adapters past MaxIdle and aged-out adapters past
// MaxTotalAge, then tops the pool back up to Min.
func (p *Pool) sweepOnce() {
	p.mu.Lock()
	defer p.mu.Unlock()

	kept := p.entries[:0]
	for _, e := range p.entries {
		if e.borrowed {
			kept = append(kept, e)
			continue
		}
		if time.Since(e.idleFrom) > p.maxIdle || e.adapter.Age() > p.maxTotalAge {
			p.logger("pool: evicting adapter (idle=%v age=%v)", time.Since(e.idleFrom), e.adapter.Age())
			continue
		}
		kept = append(kept, e)
	}
	p.entries = kept
	for len(p.entries) < p.min {
		p.entries = append(p.entries, &entry{adapter: p.factory(), idleFrom: time.Now()})
	}
}
