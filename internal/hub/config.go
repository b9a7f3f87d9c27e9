package hub

import (
	"errors"
	"fmt"
	"time"

	"github.com/sneh-joshi/agenthub/internal/priority"
	"github.com/sneh-joshi/agenthub/internal/queue"
)

// Stage is one step of destination resolution.
type Stage string

const (
	// StageRules applies matching rules; their route actions choose the
	// destination set.
	StageRules Stage = "rules"
	// StageContent picks the first matching content route.
	StageContent Stage = "content"
	// StageTopic resolves topic and group destinations.
	StageTopic Stage = "topic"
	// StageDirect delivers to an addressed agent.
	StageDirect Stage = "direct"
)

// DefaultPrecedence is the stage order used when none is configured.
var DefaultPrecedence = []Stage{StageRules, StageContent, StageTopic, StageDirect}

// ErrInvalidPrecedence is returned by ParsePrecedence.
var ErrInvalidPrecedence = errors.New("hub: invalid routing precedence")

// ParsePrecedence converts stage names into an ordered stage list. Every
// name must be known and appear at most once; stages left out are skipped.
func ParsePrecedence(names []string) ([]Stage, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrInvalidPrecedence)
	}
	seen := make(map[Stage]bool, len(names))
	out := make([]Stage, 0, len(names))
	for _, n := range names {
		s := Stage(n)
		switch s {
		case StageRules, StageContent, StageTopic, StageDirect:
		default:
			return nil, fmt.Errorf("%w: unknown stage %q", ErrInvalidPrecedence, n)
		}
		if seen[s] {
			return nil, fmt.Errorf("%w: stage %q repeated", ErrInvalidPrecedence, n)
		}
		seen[s] = true
		out = append(out, s)
	}
	return out, nil
}

// Config bundles the settings of every component the hub owns.
type Config struct {
	Queue       queue.Config
	Priority    priority.Config
	Inheritance priority.InheritanceConfig
	Fairness    priority.FairnessConfig

	// RequestTimeout bounds SendRequest when the caller passes no timeout.
	RequestTimeout time.Duration
	// ReplyGrace is how long replies to an abandoned request are recognised
	// and discarded.
	ReplyGrace time.Duration
	// Precedence orders the routing stages.
	Precedence []Stage
	// EventBuffer sizes the asynchronous metrics buffer.
	EventBuffer int
	// AckTimeout is how long a received message may stay unsettled before
	// it is put back on the agent's queue. 0 disables redelivery.
	AckTimeout time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Queue:          queue.DefaultConfig(),
		Priority:       priority.DefaultConfig(),
		Inheritance:    priority.DefaultInheritanceConfig(),
		Fairness:       priority.DefaultFairnessConfig(),
		RequestTimeout: 30 * time.Second,
		ReplyGrace:     time.Minute,
		Precedence:     append([]Stage(nil), DefaultPrecedence...),
		EventBuffer:    4096,
		AckTimeout:     5 * time.Minute,
	}
}
