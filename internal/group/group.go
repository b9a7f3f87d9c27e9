// Package group manages named sets of agents that Group destinations
// resolve to.
//
// Design rules:
//   - Group names are 1-64 characters of letters, digits, '_' or '-'.
//   - A group always has at least one member; members are kept sorted and
//     de-duplicated.
//   - When a Persister is attached every change is written through before
//     it becomes visible.
//   - All methods are safe for concurrent use.
package group

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"
)

var nameRe = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

var (
	// ErrNotFound is returned for an unknown group.
	ErrNotFound = errors.New("group: not found")
	// ErrInvalidName is returned when a group name fails validation.
	ErrInvalidName = errors.New("group: invalid name")
	// ErrNoMembers is returned by Set for an empty or all-blank member list.
	ErrNoMembers = errors.New("group: no members")
)

// Persister stores group membership. *store.Store satisfies it.
type Persister interface {
	PutGroup(name string, members []string) error
	DeleteGroup(name string) error
}

// Group is a named member list.
type Group struct {
	Name    string   `json:"name"`
	Members []string `json:"members"`
}

// Registry holds every group in memory.
type Registry struct {
	mu     sync.RWMutex
	groups map[string][]string
	p      Persister
}

// New returns an empty registry. p may be nil.
func New(p Persister) *Registry {
	return &Registry{groups: make(map[string][]string), p: p}
}

// Load installs previously persisted groups without writing them back.
// Entries with invalid names or no members are skipped and returned as an
// error after the rest are loaded.
func (r *Registry) Load(groups map[string][]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for name, members := range groups {
		m, err := normalize(name, members)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		r.groups[name] = m
	}
	return errors.Join(errs...)
}

// Set creates or replaces a group's members.
func (r *Registry) Set(name string, members []string) error {
	m, err := normalize(name, members)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.p != nil {
		if err := r.p.PutGroup(name, m); err != nil {
			return fmt.Errorf("group: persist %s: %w", name, err)
		}
	}
	r.groups[name] = m
	return nil
}

// Get returns a copy of the group.
func (r *Registry) Get(name string) (Group, error) {
	members, ok := r.Members(name)
	if !ok {
		return Group{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return Group{Name: name, Members: members}, nil
}

// Members returns a copy of the group's members.
func (r *Registry) Members(name string) ([]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.groups[name]
	if !ok {
		return nil, false
	}
	out := make([]string, len(m))
	copy(out, m)
	return out, true
}

// Delete removes a group. Returns ErrNotFound if it does not exist.
func (r *Registry) Delete(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.groups[name]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if r.p != nil {
		if err := r.p.DeleteGroup(name); err != nil {
			return fmt.Errorf("group: persist delete %s: %w", name, err)
		}
	}
	delete(r.groups, name)
	return nil
}

// List returns every group sorted by name.
func (r *Registry) List() []Group {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Group, 0, len(r.groups))
	for name, m := range r.groups {
		members := make([]string, len(m))
		copy(members, m)
		out = append(out, Group{Name: name, Members: members})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ValidateName reports whether name is a legal group name.
func ValidateName(name string) bool { return nameRe.MatchString(name) }

func normalize(name string, members []string) ([]string, error) {
	if !nameRe.MatchString(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	seen := make(map[string]struct{}, len(members))
	out := make([]string, 0, len(members))
	for _, m := range members {
		if m == "" {
			continue
		}
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoMembers, name)
	}
	sort.Strings(out)
	return out, nil
}
