// Package pool recycles warm backend transports keyed by workspace root, so
// repeated sessions against the same project don't each pay the cost of
// spawning and initializing a fresh analyzer subprocess.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Key identifies a class of interchangeable transports: same backend, same
// workspace root. Two acquires with equal Keys may be handed the same
// recycled transport.
type Key struct {
	BackendID     string
	WorkspacePath string
}

// Factory builds a fully initialized transport for key. It is invoked only
// when a new transport is actually needed (no idle entry available), and
// only once per concurrent construction for the same key — other acquires
// for that key wait for the in-flight factory call rather than racing a
// second spawn.
type Factory func(ctx context.Context, key Key) (any, error)

// Destroyer releases whatever a Factory produced: stopping the subprocess,
// closing its transport, or similar. Pool never assumes a concrete type for
// the value a Factory returns.
type Destroyer func(ctx context.Context, entry any) error

type entry struct {
	id             string
	key            Key
	value          any
	pooled         bool
	inUse          bool
	lastReleasedAt time.Time
}

// Pool is a keyed cache of warm transports. MaxSize of 0 disables
// recycling entirely: every acquire builds a fresh, non-pooled transport
// that is destroyed on release.
type Pool struct {
	logger          *zap.Logger
	maxSize         int
	maxIdleTime     time.Duration
	cleanupInterval time.Duration
	destroy         Destroyer

	mu          sync.Mutex
	entries     map[string]*entry // keyed by entry.id
	byKey       map[Key][]string  // available entry ids per key, most-recently-released last
	pooledCount int               // reserved-or-occupied pooled slots; kept ≤ maxSize
	building    sync.Map          // Key -> *sync.Mutex, serializes factory calls per key

	stopCleanup chan struct{}
	cleanupDone chan struct{}
}

// New constructs a Pool. maxIdleTime and cleanupInterval of zero disable
// the idle sweep (entries are only ever reclaimed by Cleanup).
func New(maxSize int, maxIdleTime, cleanupInterval time.Duration, destroy Destroyer, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{
		logger:          logger,
		maxSize:         maxSize,
		maxIdleTime:     maxIdleTime,
		cleanupInterval: cleanupInterval,
		destroy:         destroy,
		entries:         make(map[string]*entry),
		byKey:           make(map[Key][]string),
	}
	if maxIdleTime > 0 && cleanupInterval > 0 {
		p.stopCleanup = make(chan struct{})
		p.cleanupDone = make(chan struct{})
		go p.sweepLoop()
	}
	return p
}

// MaxSize reports the pool's configured capacity.
func (p *Pool) MaxSize() int {
	return p.maxSize
}

// CurrentSize reports the number of pooled entries (available + active).
// Non-pooled overflow transports are never counted.
func (p *Pool) CurrentSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pooledCount
}

// AvailableCount reports the number of pooled entries currently idle.
func (p *Pool) AvailableCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ids := range p.byKey {
		n += len(ids)
	}
	return n
}

// Acquire returns a transport for key: a recycled idle entry if one exists,
// a freshly built pooled entry if the pool has capacity, or a non-pooled
// overflow entry otherwise. Concurrent acquires for distinct keys proceed
// in parallel; concurrent acquires for the same key serialize only around
// the factory call, not around the whole acquire.
func (p *Pool) Acquire(ctx context.Context, key Key, factory Factory) (id string, value any, err error) {
	if id, value, ok := p.takeIdle(key); ok {
		return id, value, nil
	}

	muAny, _ := p.building.LoadOrStore(key, &sync.Mutex{})
	buildMu := muAny.(*sync.Mutex)
	buildMu.Lock()
	defer buildMu.Unlock()

	// Another goroutine may have built (and released, or left active) an
	// entry for this key while we waited for the build lock.
	if id, value, ok := p.takeIdle(key); ok {
		return id, value, nil
	}

	// Reserve a pooled slot before running the (possibly slow) factory, so
	// two concurrent acquires for different keys can't both observe spare
	// capacity and together overshoot maxSize.
	pooled := p.reserveSlot()

	value, err = factory(ctx, key)
	if err != nil {
		if pooled {
			p.releaseSlot()
		}
		return "", nil, fmt.Errorf("build transport for %s/%s: %w", key.BackendID, key.WorkspacePath, err)
	}

	e := &entry{
		id:     uuid.NewString(),
		key:    key,
		value:  value,
		pooled: pooled,
		inUse:  true,
	}

	p.mu.Lock()
	p.entries[e.id] = e
	p.mu.Unlock()

	return e.id, value, nil
}

func (p *Pool) reserveSlot() bool {
	if p.maxSize <= 0 {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pooledCount >= p.maxSize {
		return false
	}
	p.pooledCount++
	return true
}

func (p *Pool) releaseSlot() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pooledCount--
}

func (p *Pool) takeIdle(key Key) (string, any, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := p.byKey[key]
	if len(ids) == 0 {
		return "", nil, false
	}
	// Take the most recently released entry (back of the slice).
	id := ids[len(ids)-1]
	p.byKey[key] = ids[:len(ids)-1]
	if len(p.byKey[key]) == 0 {
		delete(p.byKey, key)
	}

	e, ok := p.entries[id]
	if !ok {
		return "", nil, false
	}
	e.inUse = true
	return e.id, e.value, true
}

// Release returns an entry to the pool if it is pooled; non-pooled entries,
// and any entry when the pool's MaxSize is 0, are destroyed immediately.
// Releasing an id unknown to the pool (e.g. a factory failure before the
// entry was ever registered) is a no-op. Capacity for a failed construction
// is already restored by Acquire, which gives back the slot it reserved
// when the factory returns an error.
func (p *Pool) Release(ctx context.Context, id string) error {
	p.mu.Lock()
	e, ok := p.entries[id]
	if !ok {
		p.mu.Unlock()
		return nil
	}

	if !e.pooled || p.maxSize <= 0 {
		delete(p.entries, id)
		p.mu.Unlock()
		return p.destroy(ctx, e.value)
	}

	e.inUse = false
	e.lastReleasedAt = time.Now()
	p.byKey[e.key] = append(p.byKey[e.key], e.id)
	p.mu.Unlock()
	return nil
}

// Discard removes an entry without returning it to the pool, destroying
// its transport. Used when a borrowed transport is known to be broken
// (e.g. the subprocess died) and must never be recycled.
func (p *Pool) Discard(ctx context.Context, id string) error {
	p.mu.Lock()
	e, ok := p.entries[id]
	if ok {
		delete(p.entries, id)
		if e.pooled {
			p.pooledCount--
		}
	}
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return p.destroy(ctx, e.value)
}

func (p *Pool) sweepLoop() {
	defer close(p.cleanupDone)
	ticker := time.NewTicker(p.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.removeIdle(context.Background())
		case <-p.stopCleanup:
			return
		}
	}
}

// removeIdle evicts available entries that have been idle longer than
// maxIdleTime. Run by sweepLoop on every tick and by RemoveIdleNow, so tests
// don't have to wait on the ticker's real-time cadence.
func (p *Pool) removeIdle(ctx context.Context) {
	now := time.Now()

	p.mu.Lock()
	var toDestroy []*entry
	for key, ids := range p.byKey {
		kept := ids[:0:0]
		for _, id := range ids {
			e := p.entries[id]
			if e != nil && now.Sub(e.lastReleasedAt) > p.maxIdleTime {
				toDestroy = append(toDestroy, e)
				delete(p.entries, id)
				if e.pooled {
					p.pooledCount--
				}
				continue
			}
			kept = append(kept, id)
		}
		if len(kept) == 0 {
			delete(p.byKey, key)
		} else {
			p.byKey[key] = kept
		}
	}
	p.mu.Unlock()

	for _, e := range toDestroy {
		if err := p.destroy(ctx, e.value); err != nil {
			p.logger.Warn("failed to destroy idle pool entry",
				zap.String("backend", e.key.BackendID),
				zap.String("workspace", e.key.WorkspacePath),
				zap.Error(err))
		}
	}
}

// RemoveIdleNow runs one idle-eviction sweep synchronously. Intended for
// tests that need deterministic eviction rather than waiting on the
// background ticker.
func (p *Pool) RemoveIdleNow(ctx context.Context) {
	p.removeIdle(ctx)
}

// Cleanup stops the background sweep (if running) and destroys every
// entry the pool currently holds, available or active.
func (p *Pool) Cleanup(ctx context.Context) error {
	if p.stopCleanup != nil {
		close(p.stopCleanup)
		<-p.cleanupDone
	}

	p.mu.Lock()
	all := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		all = append(all, e)
	}
	p.entries = make(map[string]*entry)
	p.byKey = make(map[Key][]string)
	p.pooledCount = 0
	p.mu.Unlock()

	var firstErr error
	for _, e := range all {
		if err := p.destroy(ctx, e.value); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
