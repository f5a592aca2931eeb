// Package pool implements the Connection pool: a keyed cache of idle
// Connections with capacity and lifetime limits.
package pool

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/corehttp/agent/pkg/conn"
	"github.com/corehttp/agent/pkg/constants"
	"github.com/corehttp/agent/pkg/runtime"
	"github.com/corehttp/agent/pkg/uri"
)

// Config configures pool capacity and eviction behavior.
type Config struct {
	MaxIdlePerKey int
	MaxTotal      int // 0 = unlimited; enforced across every key, not per key
	IdleTimeout   time.Duration
	WaitTimeout   time.Duration // 0 = fail immediately on capacity exhaustion
	StaleCheck    time.Duration // connections used more recently are assumed alive
}

// DefaultConfig returns the pool's default configuration.
func DefaultConfig() Config {
	return Config{
		MaxIdlePerKey: constants.DefaultPoolMaxPerKey,
		MaxTotal:      constants.DefaultPoolMaxTotal,
		IdleTimeout:   90 * time.Second,
		WaitTimeout:   0,
		StaleCheck:    time.Second,
	}
}

type keyPool struct {
	mu        sync.Mutex
	idle      []*conn.Connection // LIFO
	numActive int
}

func newKeyPool() *keyPool {
	return &keyPool{idle: make([]*conn.Connection, 0, 4)}
}

// Pool is the keyed cache of idle Connections. Per-key pools track their
// own idle lists; total active-connection capacity is tracked separately
// since MaxTotal is a cross-key budget, not a per-key one.
type Pool struct {
	cfg      Config
	rt       runtime.Runtime
	keys     sync.Map // uri.PoolKey -> *keyPool
	reused   uint64
	created  uint64
	timeouts uint64

	totalMu   sync.Mutex
	totalCond *sync.Cond
	totalUsed int

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates a Pool with cfg, starting its idle-eviction loop on rt. A nil
// rt falls back to the stdlib-backed default Runtime.
func New(cfg Config, rt runtime.Runtime) *Pool {
	if cfg.MaxIdlePerKey <= 0 {
		cfg.MaxIdlePerKey = constants.DefaultPoolMaxPerKey
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 90 * time.Second
	}
	if cfg.StaleCheck <= 0 {
		cfg.StaleCheck = time.Second
	}
	if rt == nil {
		rt = runtime.Default()
	}
	p := &Pool{cfg: cfg, rt: rt, stopCh: make(chan struct{})}
	p.totalCond = sync.NewCond(&p.totalMu)
	p.rt.Go(p.evictLoop)
	return p
}

func (p *Pool) poolFor(key uri.PoolKey) *keyPool {
	v, _ := p.keys.LoadOrStore(key, newKeyPool())
	return v.(*keyPool)
}

// Acquire returns an idle, alive Connection for key if one is available,
// or (nil, true) meaning the caller should dial a new one with a capacity
// slot already reserved, or (nil, false) meaning capacity was exhausted and
// WaitTimeout elapsed.
func (p *Pool) Acquire(key uri.PoolKey) (*conn.Connection, bool) {
	kp := p.poolFor(key)
	kp.mu.Lock()

	for len(kp.idle) > 0 {
		n := len(kp.idle)
		c := kp.idle[n-1]
		kp.idle = kp.idle[:n-1]

		if time.Since(c.LastUsed()) > p.cfg.IdleTimeout {
			c.Close()
			continue
		}
		recentlyUsed := time.Since(c.LastUsed()) < p.cfg.StaleCheck
		if !recentlyUsed && !c.IsAlive() {
			c.Close()
			continue
		}

		c.MarkLeased()
		kp.numActive++
		kp.mu.Unlock()
		p.reserveTotalUnconditionally()
		atomic.AddUint64(&p.reused, 1)
		return c, true
	}
	kp.mu.Unlock()

	if !p.reserveTotalSlot() {
		return nil, false
	}

	kp.mu.Lock()
	kp.numActive++
	kp.mu.Unlock()
	return nil, true
}

// reserveTotalUnconditionally accounts for a Connection being handed out
// from a key's idle list: it always counts against the pool-wide total
// without checking MaxTotal. Release has already returned that
// Connection's slot, so an idle hand-out can take the total past MaxTotal.
func (p *Pool) reserveTotalUnconditionally() {
	p.totalMu.Lock()
	p.totalUsed++
	p.totalMu.Unlock()
}

// reserveTotalSlot reserves one pool-wide active-connection slot, honoring
// cfg.MaxTotal across every key rather than per key, waiting up to
// cfg.WaitTimeout if the pool is momentarily full.
func (p *Pool) reserveTotalSlot() bool {
	p.totalMu.Lock()
	defer p.totalMu.Unlock()

	if p.cfg.MaxTotal <= 0 {
		p.totalUsed++
		return true
	}
	if p.totalUsed < p.cfg.MaxTotal {
		p.totalUsed++
		return true
	}
	if p.cfg.WaitTimeout <= 0 {
		return false
	}

	deadline := time.Now().Add(p.cfg.WaitTimeout)
	for p.totalUsed >= p.cfg.MaxTotal {
		wait := time.Until(deadline)
		if wait <= 0 {
			atomic.AddUint64(&p.timeouts, 1)
			return false
		}
		// Cond.Wait must be called by the goroutine already holding totalMu,
		// so the timeout is delivered by waking the waiter with Broadcast
		// rather than by waiting on it from a second goroutine.
		timer := time.AfterFunc(wait, p.totalCond.Broadcast)
		p.totalCond.Wait()
		timer.Stop()
	}
	p.totalUsed++
	return true
}

func (p *Pool) releaseTotalSlot() {
	p.totalMu.Lock()
	p.totalUsed--
	p.totalCond.Broadcast()
	p.totalMu.Unlock()
}

// Release returns c to the pool if reuse is allowed, honoring per-key
// idle capacity and the pool-wide total.
func (p *Pool) Release(c *conn.Connection) {
	kp := p.poolFor(c.Key)
	kp.mu.Lock()
	kp.numActive--
	full := len(kp.idle) >= p.cfg.MaxIdlePerKey
	if !full {
		c.MarkIdle()
		kp.idle = append(kp.idle, c)
	}
	kp.mu.Unlock()

	if full {
		c.Close()
	}
	p.releaseTotalSlot()
}

// Discard removes c from accounting and closes it without returning it to
// the idle list (used when a Connection is poisoned — Connection: close,
// protocol error, or broken mid-exchange).
func (p *Pool) Discard(c *conn.Connection) {
	kp := p.poolFor(c.Key)
	kp.mu.Lock()
	kp.numActive--
	kp.mu.Unlock()
	c.Close()
	p.releaseTotalSlot()
}

// Stats is a point-in-time snapshot of pool occupancy.
type Stats struct {
	ActiveConns  int
	IdleConns    int
	TotalReused  int
	TotalCreated int
	WaitTimeouts int
	PerKey       map[string]KeyStats
}

// KeyStats is Stats broken down per PoolKey.
type KeyStats struct {
	ActiveConns int
	IdleConns   int
}

// Stats returns a snapshot of the pool's current state.
func (p *Pool) Stats() Stats {
	s := Stats{PerKey: make(map[string]KeyStats)}
	p.keys.Range(func(k, v any) bool {
		kp := v.(*keyPool)
		kp.mu.Lock()
		idle := len(kp.idle)
		active := kp.numActive
		kp.mu.Unlock()

		s.ActiveConns += active
		s.IdleConns += idle
		s.PerKey[k.(uri.PoolKey).String()] = KeyStats{ActiveConns: active, IdleConns: idle}
		return true
	})
	s.TotalReused = int(atomic.LoadUint64(&p.reused))
	s.TotalCreated = int(atomic.LoadUint64(&p.created))
	s.WaitTimeouts = int(atomic.LoadUint64(&p.timeouts))
	return s
}

// NoteCreated increments the lifetime-created counter; the caller invokes
// this after successfully dialing a new Connection (Acquire having
// returned nil, true).
func (p *Pool) NoteCreated() { atomic.AddUint64(&p.created, 1) }

func (p *Pool) evictLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.keys.Range(func(_, v any) bool {
				kp := v.(*keyPool)
				kp.mu.Lock()
				kept := kp.idle[:0]
				for _, c := range kp.idle {
					if time.Since(c.LastUsed()) > p.cfg.IdleTimeout {
						c.Close()
					} else {
						kept = append(kept, c)
					}
				}
				kp.idle = kept
				kp.mu.Unlock()
				return true
			})
		case <-p.stopCh:
			return
		}
	}
}

// Close stops the eviction loop and closes every idle Connection.
func (p *Pool) Close() error {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.keys.Range(func(_, v any) bool {
		kp := v.(*keyPool)
		kp.mu.Lock()
		for _, c := range kp.idle {
			c.Close()
		}
		kp.idle = nil
		kp.mu.Unlock()
		return true
	})
	return nil
}
