// Package store persists hub state that must survive a restart:
// subscriptions, API-registered rules and agent groups. It is a single bbolt
// file with one bucket per kind.
//
// Layout:
//
//	subscriptions  key "agent\x00pattern"  value creation time (RFC 3339)
//	rules          key 8-byte sequence     value rule definition JSON
//	groups         key group name          value JSON array of members
//
// Rule keys are sequence numbers so rules come back in registration order.
package store

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

var (
	bucketSubscriptions = []byte("subscriptions")
	bucketRules         = []byte("rules")
	bucketGroups        = []byte("groups")
)

// ErrInvalidKey is returned for empty or NUL-containing identifiers.
var ErrInvalidKey = errors.New("store: invalid key")

// Store is safe for concurrent use; bbolt serialises writers.
type Store struct {
	db   *bbolt.DB
	path string
}

// Open opens (or creates) the database at path, creating parent
// directories and buckets as needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("store: create dir: %w", err)
	}
	db, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketSubscriptions, bucketRules, bucketGroups} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: init buckets: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// ─── Subscriptions ────────────────────────────────────────────────────────────

// Subscription is a persisted (agent, pattern) pair.
type Subscription struct {
	AgentID   string
	Pattern   string
	CreatedAt time.Time
}

func subKey(agentID, pattern string) ([]byte, error) {
	if agentID == "" || pattern == "" ||
		bytes.IndexByte([]byte(agentID), 0) >= 0 || bytes.IndexByte([]byte(pattern), 0) >= 0 {
		return nil, fmt.Errorf("%w: subscription %q/%q", ErrInvalidKey, agentID, pattern)
	}
	return []byte(agentID + "\x00" + pattern), nil
}

// PutSubscription records the pair. Existing pairs keep their creation time.
func (s *Store) PutSubscription(agentID, pattern string) error {
	key, err := subKey(agentID, pattern)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSubscriptions)
		if b.Get(key) != nil {
			return nil
		}
		return b.Put(key, []byte(time.Now().UTC().Format(time.RFC3339Nano)))
	})
}

// DeleteSubscription removes the pair. Missing pairs are not an error.
func (s *Store) DeleteSubscription(agentID, pattern string) error {
	key, err := subKey(agentID, pattern)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSubscriptions).Delete(key)
	})
}

// Subscriptions returns every pair ordered by agent then pattern.
func (s *Store) Subscriptions() ([]Subscription, error) {
	var out []Subscription
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSubscriptions).ForEach(func(k, v []byte) error {
			agent, pattern, ok := bytes.Cut(k, []byte{0})
			if !ok {
				return fmt.Errorf("store: malformed subscription key %q", k)
			}
			created, _ := time.Parse(time.RFC3339Nano, string(v))
			out = append(out, Subscription{
				AgentID:   string(agent),
				Pattern:   string(pattern),
				CreatedAt: created,
			})
			return nil
		})
	})
	return out, err
}

// ─── Rules ────────────────────────────────────────────────────────────────────

// StoredRule is a persisted rule definition.
type StoredRule struct {
	Name       string
	Definition json.RawMessage
}

type ruleRecord struct {
	Name       string          `json:"name"`
	Definition json.RawMessage `json:"definition"`
}

// PutRule stores def under name. Replacing an existing name keeps its
// position in the sequence.
func (s *Store) PutRule(name string, def json.RawMessage) error {
	if name == "" {
		return fmt.Errorf("%w: empty rule name", ErrInvalidKey)
	}
	val, err := json.Marshal(ruleRecord{Name: name, Definition: def})
	if err != nil {
		return fmt.Errorf("store: marshal rule %s: %w", name, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRules)
		key, err := findRule(b, name)
		if err != nil {
			return err
		}
		if key == nil {
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			key = make([]byte, 8)
			binary.BigEndian.PutUint64(key, seq)
		}
		return b.Put(key, val)
	})
}

// DeleteRule removes the named rule, reporting whether it existed.
func (s *Store) DeleteRule(name string) (bool, error) {
	var found bool
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRules)
		key, err := findRule(b, name)
		if err != nil || key == nil {
			return err
		}
		found = true
		return b.Delete(key)
	})
	return found, err
}

// Rules returns every stored rule in registration order.
func (s *Store) Rules() ([]StoredRule, error) {
	var out []StoredRule
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRules).ForEach(func(_, v []byte) error {
			var rec ruleRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("store: decode rule: %w", err)
			}
			out = append(out, StoredRule{Name: rec.Name, Definition: rec.Definition})
			return nil
		})
	})
	return out, err
}

// findRule returns a copy of the key holding name, or nil.
func findRule(b *bbolt.Bucket, name string) ([]byte, error) {
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var rec ruleRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return nil, fmt.Errorf("store: decode rule: %w", err)
		}
		if rec.Name == name {
			return append([]byte(nil), k...), nil
		}
	}
	return nil, nil
}

// ─── Groups ───────────────────────────────────────────────────────────────────

// PutGroup stores the member list of a group, replacing any previous one.
func (s *Store) PutGroup(name string, members []string) error {
	if name == "" {
		return fmt.Errorf("%w: empty group name", ErrInvalidKey)
	}
	val, err := json.Marshal(members)
	if err != nil {
		return fmt.Errorf("store: marshal group %s: %w", name, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketGroups).Put([]byte(name), val)
	})
}

// DeleteGroup removes a group. Missing groups are not an error.
func (s *Store) DeleteGroup(name string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketGroups).Delete([]byte(name))
	})
}

// Groups returns every stored group keyed by name.
func (s *Store) Groups() (map[string][]string, error) {
	out := make(map[string][]string)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketGroups).ForEach(func(k, v []byte) error {
			var members []string
			if err := json.Unmarshal(v, &members); err != nil {
				return fmt.Errorf("store: decode group %s: %w", k, err)
			}
			out[string(k)] = members
			return nil
		})
	})
	return out, err
}
