// Package pool keeps authenticated mail connections alive between
// stateless API requests, bounded by a TTL.
package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/quillmail/gate/logger"
	"github.com/quillmail/gate/mailclient"
	"github.com/quillmail/gate/pkg/metrics"
)

// ErrPoolClosed is returned by Get once Shutdown has begun.
var ErrPoolClosed = errors.New("connection pool is shut down")

// Factory builds a new connected client for an identity on a pool miss.
type Factory func(ctx context.Context) (mailclient.Client, error)

type entry struct {
	client    mailclient.Client
	expiresAt time.Time
}

// Pool is a TTL-bounded cache of live mail connections keyed by
// connection identity. Concurrent misses for the same identity are
// collapsed into a single dial.
type Pool struct {
	ttl           time.Duration
	sweepInterval time.Duration

	mu      sync.RWMutex
	entries map[string]*entry
	closed  bool

	group  singleflight.Group
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Pool and starts its background sweeper.
func New(ttl, sweepInterval time.Duration) *Pool {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	p := &Pool{
		ttl:           ttl,
		sweepInterval: sweepInterval,
		entries:       make(map[string]*entry),
		stopCh:        make(chan struct{}),
	}
	p.wg.Add(1)
	go p.sweepLoop()
	return p
}

// Get returns the pooled client for identity, dialing one via factory
// when none is cached. A cached client that has expired or gone dead is
// evicted and replaced. Factory errors are returned without caching
// anything.
func (p *Pool) Get(ctx context.Context, identity string, factory Factory) (mailclient.Client, error) {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return nil, ErrPoolClosed
	}

	if client, ok := p.lookup(identity); ok {
		metrics.PoolHitsTotal.Inc()
		return client, nil
	}
	metrics.PoolMissesTotal.Inc()

	v, err, _ := p.group.Do(identity, func() (any, error) {
		// A concurrent caller may have populated the slot while this
		// one waited on the flight.
		if client, ok := p.lookup(identity); ok {
			return client, nil
		}

		client, err := factory(ctx)
		if err != nil {
			return nil, err
		}

		// Storing the entry and arming the watcher happen under the
		// same lock that Shutdown takes to close the pool, so the
		// watcher's wg.Add can never race Shutdown's wg.Wait.
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			_ = client.Close()
			return nil, ErrPoolClosed
		}
		p.entries[identity] = &entry{
			client:    client,
			expiresAt: time.Now().Add(p.ttl),
		}
		size := len(p.entries)
		p.wg.Add(1)
		p.mu.Unlock()
		metrics.PoolEntriesCurrent.Set(float64(size))

		go p.watch(identity, client)

		logger.Debug("Pooled new connection", "identity", identity, "pool_size", size)
		return client, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(mailclient.Client), nil
}

// Evict removes and closes the entry for identity, if present. It is
// safe to call for identities the pool does not hold.
func (p *Pool) Evict(identity string, reason string) {
	p.mu.Lock()
	e, ok := p.entries[identity]
	if ok {
		delete(p.entries, identity)
	}
	size := len(p.entries)
	p.mu.Unlock()

	if !ok {
		return
	}
	metrics.PoolEntriesCurrent.Set(float64(size))
	metrics.PoolEvictionsTotal.WithLabelValues(reason).Inc()
	logger.Debug("Evicted pooled connection", "identity", identity, "reason", reason)
	_ = e.client.Close()
}

// Size reports the number of live entries.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

// Shutdown stops the sweeper and closes every pooled connection. It
// returns once all background goroutines have exited or ctx is done.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.stopCh)
	for identity, e := range p.entries {
		_ = e.client.Close()
		delete(p.entries, identity)
	}
	p.mu.Unlock()
	metrics.PoolEntriesCurrent.Set(0)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// lookup returns the cached client for identity when it is both
// unexpired and still alive, evicting it otherwise.
func (p *Pool) lookup(identity string) (mailclient.Client, bool) {
	p.mu.RLock()
	e, ok := p.entries[identity]
	p.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		p.Evict(identity, "ttl")
		return nil, false
	}
	if !e.client.IsAlive() {
		p.Evict(identity, "disconnect")
		return nil, false
	}
	return e.client, true
}

// watch evicts an entry as soon as its client reports disconnection, so
// a dead connection never survives until the next sweep.
func (p *Pool) watch(identity string, client mailclient.Client) {
	defer p.wg.Done()
	select {
	case <-client.Done():
		p.mu.RLock()
		e, ok := p.entries[identity]
		p.mu.RUnlock()
		// Only evict the entry this watcher belongs to; the slot may
		// have been repopulated with a fresh client already.
		if ok && e.client == client {
			p.Evict(identity, "disconnect")
		}
	case <-p.stopCh:
	}
}

func (p *Pool) sweepLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.sweep()
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pool) sweep() {
	now := time.Now()

	p.mu.RLock()
	var expired []string
	for identity, e := range p.entries {
		if now.After(e.expiresAt) {
			expired = append(expired, identity)
		}
	}
	p.mu.RUnlock()

	for _, identity := range expired {
		p.Evict(identity, "ttl")
	}
	if len(expired) > 0 {
		logger.Debug("Pool sweep evicted expired connections", "count", len(expired))
	}
}
