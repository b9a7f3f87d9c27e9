package hub

import (
	"sync"
	"time"

	"github.com/sneh-joshi/agenthub/internal/types"
)

// inFlightEntry is a message handed to a consumer and not yet settled. msg
// is the hub's own copy; callers only ever see clones of it.
type inFlightEntry struct {
	msg         *types.Message
	deliveredAt time.Time
}

// inFlight maps agent → message ID → entry for O(1) Ack/Nack.
type inFlight struct {
	mu      sync.Mutex
	byAgent map[string]map[string]*inFlightEntry
	total   int
}

func newInFlight() *inFlight {
	return &inFlight{byAgent: make(map[string]map[string]*inFlightEntry)}
}

func (f *inFlight) add(agentID string, msg *types.Message, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs, ok := f.byAgent[agentID]
	if !ok {
		msgs = make(map[string]*inFlightEntry)
		f.byAgent[agentID] = msgs
	}
	if _, dup := msgs[msg.ID]; !dup {
		f.total++
	}
	msgs[msg.ID] = &inFlightEntry{msg: msg, deliveredAt: at}
}

// take removes and returns the entry, if any. Exactly one caller wins for
// a given delivery.
func (f *inFlight) take(agentID, msgID string) (*inFlightEntry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs, ok := f.byAgent[agentID]
	if !ok {
		return nil, false
	}
	e, ok := msgs[msgID]
	if !ok {
		return nil, false
	}
	delete(msgs, msgID)
	if len(msgs) == 0 {
		delete(f.byAgent, agentID)
	}
	f.total--
	return e, true
}

func (f *inFlight) count(agentID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.byAgent[agentID])
}

func (f *inFlight) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.total
}
