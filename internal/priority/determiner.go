// Package priority computes effective message priority and keeps the shared
// state that shapes delivery order: correlation-chain inheritance and
// per-agent starvation tracking.
package priority

import (
	"strconv"
	"strings"

	"github.com/sneh-joshi/agenthub/internal/types"
)

// Config controls the determiner.
type Config struct {
	// Default is used when nothing else supplies a priority.
	Default int
	// HeaderKey names the header carrying a numeric priority.
	HeaderKey string
	// UrgentHeader names the boolean header forcing maximum priority.
	UrgentHeader string
}

// DefaultConfig returns the standard determiner settings.
func DefaultConfig() Config {
	return Config{
		Default:      2,
		HeaderKey:    "priority",
		UrgentHeader: "urgent",
	}
}

// Clamp forces p into [types.PriorityMin, types.PriorityMax].
func Clamp(p int) int {
	switch {
	case p < types.PriorityMin:
		return types.PriorityMin
	case p > types.PriorityMax:
		return types.PriorityMax
	}
	return p
}

// Determiner resolves a message's effective priority.
type Determiner struct {
	cfg     Config
	inherit *Inheritance
}

// NewDeterminer returns a determiner. inherit may be nil, in which case no
// chain priority is consulted.
func NewDeterminer(cfg Config, inherit *Inheritance) *Determiner {
	if cfg.HeaderKey == "" {
		cfg.HeaderKey = DefaultConfig().HeaderKey
	}
	if cfg.UrgentHeader == "" {
		cfg.UrgentHeader = DefaultConfig().UrgentHeader
	}
	return &Determiner{cfg: cfg, inherit: inherit}
}

// Determine returns the priority msg should be delivered at.
//
// The first available source wins: explicit, the priority header, the urgent
// header (forces the maximum), the inherited chain priority, the default.
// The chain priority is then applied as a floor so a chain never loses
// urgency, and the result is clamped. Determine does not record the result;
// callers do that once the message is accepted.
func (d *Determiner) Determine(msg *types.Message, explicit *int) int {
	inherited, hasInherited := d.inherited(msg.CorrelationID)

	header := d.fromHeader(msg)

	var p int
	switch {
	case explicit != nil:
		p = *explicit
	case header != nil:
		p = *header
	case d.urgent(msg):
		p = types.PriorityMax
	case hasInherited:
		p = inherited
	default:
		p = d.cfg.Default
	}

	if hasInherited && inherited > p {
		p = inherited
	}
	return Clamp(p)
}

// Record notes p as observed for the chain. It is a no-op without an
// inheritance manager.
func (d *Determiner) Record(correlationID string, p int) {
	if d.inherit != nil && correlationID != "" {
		d.inherit.Record(correlationID, p)
	}
}

func (d *Determiner) inherited(correlationID string) (int, bool) {
	if d.inherit == nil || correlationID == "" {
		return 0, false
	}
	return d.inherit.Inherited(correlationID)
}

func (d *Determiner) fromHeader(msg *types.Message) *int {
	v, ok := msg.Header(d.cfg.HeaderKey)
	if !ok {
		return nil
	}
	var p int
	switch n := v.(type) {
	case int:
		p = n
	case int64:
		p = int(n)
	case float64:
		p = int(n)
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return nil
		}
		p = parsed
	default:
		return nil
	}
	return &p
}

func (d *Determiner) urgent(msg *types.Message) bool {
	v, ok := msg.Header(d.cfg.UrgentHeader)
	if !ok {
		return false
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return strings.EqualFold(b, "true")
	}
	return false
}
