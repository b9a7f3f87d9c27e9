// Package topic implements dot-segmented topic addressing: wildcard pattern
// validation and matching, and the subscription table that resolves a
// published topic to its subscribers.
package topic

import (
	"errors"
	"fmt"
	"strings"
)

const (
	separator = "."
	// SingleWildcard matches exactly one segment.
	SingleWildcard = "*"
	// MultiWildcard matches zero or more trailing segments.
	MultiWildcard = "#"
)

var (
	// ErrInvalidPattern is returned for malformed subscription patterns.
	ErrInvalidPattern = errors.New("topic: invalid pattern")
	// ErrInvalidTopic is returned for malformed published topic names.
	ErrInvalidTopic = errors.New("topic: invalid topic")
)

// ValidatePattern reports whether pattern is a legal subscription pattern.
// Segments must be non-empty; wildcards must fill a whole segment; '#' may
// only appear as the final segment.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("%w: empty", ErrInvalidPattern)
	}
	segs := strings.Split(pattern, separator)
	for i, s := range segs {
		switch {
		case s == "":
			return fmt.Errorf("%w: %q has an empty segment", ErrInvalidPattern, pattern)
		case s == MultiWildcard:
			if i != len(segs)-1 {
				return fmt.Errorf("%w: %q uses %q before the final segment", ErrInvalidPattern, pattern, MultiWildcard)
			}
		case s == SingleWildcard:
		case strings.ContainsAny(s, SingleWildcard+MultiWildcard):
			return fmt.Errorf("%w: %q mixes a wildcard into segment %q", ErrInvalidPattern, pattern, s)
		}
	}
	return nil
}

// ValidateTopic reports whether topic is a legal concrete topic name.
func ValidateTopic(topic string) error {
	if topic == "" {
		return fmt.Errorf("%w: empty", ErrInvalidTopic)
	}
	for _, s := range strings.Split(topic, separator) {
		if s == "" {
			return fmt.Errorf("%w: %q has an empty segment", ErrInvalidTopic, topic)
		}
		if strings.ContainsAny(s, SingleWildcard+MultiWildcard) {
			return fmt.Errorf("%w: %q contains a wildcard", ErrInvalidTopic, topic)
		}
	}
	return nil
}

// Match reports whether topic matches pattern. Matching is case-sensitive and
// anchored at both ends. An invalid pattern matches nothing.
func Match(pattern, topic string) bool {
	if ValidatePattern(pattern) != nil {
		return false
	}
	return matchSegments(strings.Split(pattern, separator), strings.Split(topic, separator))
}

// matchSegments assumes pat has already been validated.
func matchSegments(pat, top []string) bool {
	for i, p := range pat {
		if p == MultiWildcard {
			return true
		}
		if i >= len(top) {
			return false
		}
		if p != SingleWildcard && p != top[i] {
			return false
		}
	}
	return len(pat) == len(top)
}
