package priority

import (
	"sync"
	"time"

	"github.com/sneh-joshi/agenthub/internal/types"
)

// FairnessConfig sets the starvation thresholds. A zero value disables that
// threshold; with both zero the manager never overrides priority order.
type FairnessConfig struct {
	// StarvationDequeues forces a waiting lower band after this many
	// dequeues were served from higher bands while it waited.
	StarvationDequeues int
	// StarvationAge forces a lower band that has waited this long since it
	// was last served (or became non-empty).
	StarvationAge time.Duration
}

// DefaultFairnessConfig returns the standard fairness settings.
func DefaultFairnessConfig() FairnessConfig {
	return FairnessConfig{
		StarvationDequeues: 16,
		StarvationAge:      5 * time.Second,
	}
}

type bandState struct {
	mu           sync.Mutex
	waitingSince [types.Bands]time.Time
	skipped      [types.Bands]int
}

// Fairness decides which priority band an agent's next dequeue draws from.
// Strict priority order is the baseline; a lower band that has been passed
// over for too long is served first. State is kept per agent, each behind
// its own lock.
type Fairness struct {
	cfg    FairnessConfig
	now    func() time.Time
	agents sync.Map // agent ID -> *bandState
}

// NewFairness returns a manager. A nil clock uses time.Now.
func NewFairness(cfg FairnessConfig, now func() time.Time) *Fairness {
	if now == nil {
		now = time.Now
	}
	return &Fairness{cfg: cfg, now: now}
}

func (f *Fairness) state(agentID string) *bandState {
	if v, ok := f.agents.Load(agentID); ok {
		return v.(*bandState)
	}
	v, _ := f.agents.LoadOrStore(agentID, &bandState{})
	return v.(*bandState)
}

// Enqueued starts the wait clock for band if it was empty before the
// enqueue.
func (f *Fairness) Enqueued(agentID string, band int, wasEmpty bool) {
	if !wasEmpty {
		return
	}
	s := f.state(agentID)
	s.mu.Lock()
	s.waitingSince[band] = f.now()
	s.skipped[band] = 0
	s.mu.Unlock()
}

// Select returns the band to serve next, and whether that choice overrides
// strict priority. Bands are scanned from the lowest up and the first
// starving one wins; otherwise the highest occupied band is chosen. It
// returns -1 when nothing is occupied. The same state and clock always give
// the same answer.
func (f *Fairness) Select(agentID string, occupied [types.Bands]bool) (band int, forced bool) {
	top := -1
	for b := types.Bands - 1; b >= 0; b-- {
		if occupied[b] {
			top = b
			break
		}
	}
	if top <= 0 {
		return top, false
	}

	s := f.state(agentID)
	now := f.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for b := 0; b < top; b++ {
		if !occupied[b] {
			continue
		}
		if f.cfg.StarvationDequeues > 0 && s.skipped[b] >= f.cfg.StarvationDequeues {
			return b, true
		}
		if f.cfg.StarvationAge > 0 && !s.waitingSince[b].IsZero() && now.Sub(s.waitingSince[b]) >= f.cfg.StarvationAge {
			return b, true
		}
	}
	return top, false
}

// Served records that band was just served. Every occupied band below it
// counts one more skip.
func (f *Fairness) Served(agentID string, band int, occupied [types.Bands]bool) {
	s := f.state(agentID)
	now := f.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skipped[band] = 0
	s.waitingSince[band] = now
	for b := 0; b < band; b++ {
		if occupied[b] {
			s.skipped[b]++
		}
	}
}

// Forget drops an agent's state.
func (f *Fairness) Forget(agentID string) { f.agents.Delete(agentID) }
