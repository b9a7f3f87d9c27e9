package priority

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"
)

// InheritanceConfig controls correlation-chain tracking.
type InheritanceConfig struct {
	// TTL is how long a chain survives after its last Record.
	TTL time.Duration
	// SweepInterval is how often Start's background sweep runs.
	SweepInterval time.Duration
	// Shards is the number of independently locked partitions.
	Shards int
}

// DefaultInheritanceConfig returns the standard inheritance settings.
func DefaultInheritanceConfig() InheritanceConfig {
	return InheritanceConfig{
		TTL:           10 * time.Minute,
		SweepInterval: time.Minute,
		Shards:        32,
	}
}

type chain struct {
	priority  int
	expiresAt time.Time
}

type shard struct {
	mu     sync.Mutex
	chains map[string]chain
}

// Inheritance tracks the highest priority seen per correlation ID so that
// later messages in a chain are never delivered below it. Entries expire
// TTL after their last update; expiry is checked on read and by an optional
// background sweep.
type Inheritance struct {
	cfg    InheritanceConfig
	shards []*shard
	now    func() time.Time

	started  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewInheritance returns a manager. A nil clock uses time.Now.
func NewInheritance(cfg InheritanceConfig, now func() time.Time) *Inheritance {
	def := DefaultInheritanceConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.Shards <= 0 {
		cfg.Shards = def.Shards
	}
	if now == nil {
		now = time.Now
	}
	in := &Inheritance{
		cfg:    cfg,
		shards: make([]*shard, cfg.Shards),
		now:    now,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	for i := range in.shards {
		in.shards[i] = &shard{chains: make(map[string]chain)}
	}
	return in
}

func (in *Inheritance) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return in.shards[h.Sum32()%uint32(len(in.shards))]
}

// Record raises the chain's priority to max(existing, p) and refreshes its
// expiry.
func (in *Inheritance) Record(correlationID string, p int) {
	s := in.shardFor(correlationID)
	now := in.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chains[correlationID]
	if !ok || !now.Before(c.expiresAt) || p > c.priority {
		c.priority = p
	}
	c.expiresAt = now.Add(in.cfg.TTL)
	s.chains[correlationID] = c
}

// Inherited returns the chain's priority, or false if the chain is unknown
// or has expired.
func (in *Inheritance) Inherited(correlationID string) (int, bool) {
	s := in.shardFor(correlationID)
	now := in.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chains[correlationID]
	if !ok {
		return 0, false
	}
	if !now.Before(c.expiresAt) {
		delete(s.chains, correlationID)
		return 0, false
	}
	return c.priority, true
}

// Len returns the number of tracked chains, expired or not.
func (in *Inheritance) Len() int {
	n := 0
	for _, s := range in.shards {
		s.mu.Lock()
		n += len(s.chains)
		s.mu.Unlock()
	}
	return n
}

// Sweep removes expired chains and returns how many were evicted.
func (in *Inheritance) Sweep() int {
	now := in.now()
	evicted := 0
	for _, s := range in.shards {
		s.mu.Lock()
		for k, c := range s.chains {
			if !now.Before(c.expiresAt) {
				delete(s.chains, k)
				evicted++
			}
		}
		s.mu.Unlock()
	}
	return evicted
}

// Start runs Sweep every SweepInterval until ctx is done or Stop is called.
func (in *Inheritance) Start(ctx context.Context) {
	if !in.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(in.doneCh)
		ticker := time.NewTicker(in.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-in.stopCh:
				return
			case <-ticker.C:
				in.Sweep()
			}
		}
	}()
}

// Stop ends the sweep started by Start and waits for it to exit.
func (in *Inheritance) Stop() {
	in.stopOnce.Do(func() { close(in.stopCh) })
	if in.started.Load() {
		<-in.doneCh
	}
}
