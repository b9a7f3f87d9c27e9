package hub

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/sneh-joshi/agenthub/internal/content"
	"github.com/sneh-joshi/agenthub/internal/group"
	"github.com/sneh-joshi/agenthub/internal/metrics"
	"github.com/sneh-joshi/agenthub/internal/rules"
	"github.com/sneh-joshi/agenthub/internal/types"
)

// ─── Subscriptions ────────────────────────────────────────────────────────────

// Subscribe registers agentID for pattern. Subscribing twice is a no-op
// that reports added=false.
func (h *Hub) Subscribe(agentID, pattern string) (bool, error) {
	if agentID == "" {
		return false, ErrInvalidAgent
	}
	added, err := h.topics.Subscribe(agentID, pattern)
	if err != nil || !added || h.store == nil {
		return added, err
	}
	if err := h.store.PutSubscription(agentID, pattern); err != nil {
		h.topics.Unsubscribe(agentID, pattern)
		return false, fmt.Errorf("hub: persist subscription: %w", err)
	}
	return true, nil
}

// Unsubscribe removes the pair. Removing an unknown pair is not an error.
func (h *Hub) Unsubscribe(agentID, pattern string) (bool, error) {
	removed := h.topics.Unsubscribe(agentID, pattern)
	if removed && h.store != nil {
		if err := h.store.DeleteSubscription(agentID, pattern); err != nil {
			return true, fmt.Errorf("hub: persist unsubscribe: %w", err)
		}
	}
	return removed, nil
}

// ListSubscriptions returns the agent's patterns, sorted.
func (h *Hub) ListSubscriptions(agentID string) []string {
	return h.topics.List(agentID)
}

// ─── Rules ────────────────────────────────────────────────────────────────────

// AddRule registers r after all existing rules. Rules added here are marked
// as API rules, persisted, and survive ReloadRules.
func (h *Hub) AddRule(r rules.Rule) error {
	r.Source = rules.SourceAPI
	if err := h.rules.Add(r); err != nil {
		return err
	}
	if h.store == nil {
		return nil
	}
	doc, err := rules.Describe(r)
	if err == nil {
		var def []byte
		if def, err = json.Marshal(doc); err == nil {
			err = h.store.PutRule(r.Name, def)
		}
	}
	if err != nil {
		h.rules.Remove(r.Name)
		return fmt.Errorf("hub: persist rule %s: %w", r.Name, err)
	}
	return nil
}

// RemoveRule deletes the named rule, reporting whether it existed.
func (h *Hub) RemoveRule(name string) bool {
	removed := h.rules.Remove(name)
	if removed && h.store != nil {
		if _, err := h.store.DeleteRule(name); err != nil {
			h.logger.Warn("persist rule removal", "rule", name, "error", err)
		}
	}
	return removed
}

// ListRules returns the active rules in evaluation order.
func (h *Hub) ListRules() []rules.Rule { return h.rules.List() }

// ReloadRules makes fileRules the active file-defined rules, followed by
// the API rules already registered. The swap is all-or-nothing.
func (h *Hub) ReloadRules(fileRules []rules.Rule) error {
	total, err := h.rules.ReplaceKeeping(fileRules, func(r rules.Rule) bool {
		return r.Source == rules.SourceAPI
	})
	if err != nil {
		return err
	}
	h.logger.Info("rules reloaded", "file_rules", len(fileRules), "total", total)
	return nil
}

// ─── Content routes ───────────────────────────────────────────────────────────

// AddContentRoute appends a content route sending matches to agentID.
func (h *Hub) AddContentRoute(name string, p content.Predicate, agentID string) error {
	return h.content.Add(name, p, agentID)
}

// RemoveContentRoute deletes a content route.
func (h *Hub) RemoveContentRoute(name string) bool { return h.content.Remove(name) }

// ListContentRoutes returns content route names in evaluation order.
func (h *Hub) ListContentRoutes() []string { return h.content.List() }

// ─── Groups ───────────────────────────────────────────────────────────────────

// SetGroup creates or replaces a group.
func (h *Hub) SetGroup(name string, members []string) error { return h.groups.Set(name, members) }

// Group returns one group.
func (h *Hub) Group(name string) (group.Group, error) { return h.groups.Get(name) }

// DeleteGroup removes a group.
func (h *Hub) DeleteGroup(name string) error { return h.groups.Delete(name) }

// ListGroups returns every group sorted by name.
func (h *Hub) ListGroups() []group.Group { return h.groups.List() }

// ─── Gauges ───────────────────────────────────────────────────────────────────

// AgentGauge describes one agent's queue.
type AgentGauge struct {
	AgentID     string           `json:"agent_id"`
	Depth       int              `json:"depth"`
	InFlight    int              `json:"in_flight"`
	Bands       [types.Bands]int `json:"bands"`
	OldestAgeMs int64            `json:"oldest_age_ms"`
}

// GaugeSnapshot is the alerting surface of the hub. No thresholds are
// evaluated here; consumers compare the values against their own limits.
type GaugeSnapshot struct {
	At                time.Time    `json:"at"`
	Agents            []AgentGauge `json:"agents"`
	InFlight          int          `json:"in_flight"`
	Acked             int64        `json:"acked"`
	AvgLatencyMs      float64      `json:"avg_latency_ms"`
	LastLatencyMs     float64      `json:"last_latency_ms"`
	InheritanceChains int          `json:"inheritance_chains"`
	PendingExpiries   int          `json:"pending_expiries"`
	PendingRequests   int          `json:"pending_requests"`
	DroppedEvents     uint64       `json:"dropped_events"`
}

// Gauges returns a point-in-time snapshot and refreshes the Prometheus
// queue gauges when a registry is attached.
func (h *Hub) Gauges() GaugeSnapshot {
	snaps := h.queues.Snapshots()
	out := GaugeSnapshot{
		At:                h.now(),
		Agents:            make([]AgentGauge, 0, len(snaps)),
		InheritanceChains: h.inherit.Len(),
		PendingExpiries:   h.expiry.Len(),
		PendingRequests:   h.PendingRequests(),
		InFlight:          h.pending.len(),
		DroppedEvents:     h.sink.Dropped(),
	}
	gauges := make([]metrics.QueueGauge, 0, len(snaps))
	for _, s := range snaps {
		out.Agents = append(out.Agents, AgentGauge{
			AgentID:     s.AgentID,
			Depth:       s.Depth,
			InFlight:    h.pending.count(s.AgentID),
			Bands:       s.Bands,
			OldestAgeMs: s.OldestAge.Milliseconds(),
		})
		gauges = append(gauges, metrics.QueueGauge{AgentID: s.AgentID, Bands: s.Bands, OldestAge: s.OldestAge})
	}
	count, avg, last := h.latency.snapshot()
	out.Acked = count
	out.AvgLatencyMs = float64(avg) / float64(time.Millisecond)
	out.LastLatencyMs = float64(last) / float64(time.Millisecond)

	if h.registry != nil {
		h.registry.UpdateQueues(gauges)
	}
	return out
}

func (h *Hub) queueGauges() []metrics.QueueGauge {
	snaps := h.queues.Snapshots()
	out := make([]metrics.QueueGauge, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, metrics.QueueGauge{AgentID: s.AgentID, Bands: s.Bands, OldestAge: s.OldestAge})
	}
	return out
}
