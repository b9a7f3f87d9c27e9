// Package node owns identity for a hub process: the stable instance ID that
// tags outbound lifecycle events, and the ULID source every message ID is
// drawn from.
package node

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const instanceFile = "hub_id"

// ID is a ULID string that identifies one hub instance.
type ID string

func (id ID) String() string { return string(id) }

// IsZero reports whether the ID is the zero value.
func (id ID) IsZero() bool { return id == "" }

// Node is the persistent identity of a hub instance.
type Node struct {
	id      ID
	dataDir string
}

// New loads the instance ID from dataDir/hub_id, generating and persisting
// one if absent. A non-empty override other than "auto" is used verbatim
// after validation.
func New(dataDir, override string) (*Node, error) {
	if dataDir == "" {
		return nil, errors.New("node: data dir must not be empty")
	}
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("node: create data dir: %w", err)
	}

	if override != "" && override != "auto" {
		if !Valid(override) {
			return nil, fmt.Errorf("node: invalid id override %q", override)
		}
		return &Node{id: ID(override), dataDir: dataDir}, nil
	}

	id, err := loadOrCreate(filepath.Join(dataDir, instanceFile))
	if err != nil {
		return nil, err
	}
	return &Node{id: id, dataDir: dataDir}, nil
}

// ID returns the instance ULID.
func (n *Node) ID() ID { return n.id }

// DataDir returns the data directory the node was created with.
func (n *Node) DataDir() string { return n.dataDir }

func loadOrCreate(path string) (ID, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		s := strings.TrimSpace(string(data))
		if !Valid(s) {
			return "", fmt.Errorf("node: persisted id %q is not a ULID", s)
		}
		return ID(s), nil
	case !errors.Is(err, os.ErrNotExist):
		return "", fmt.Errorf("node: read id file: %w", err)
	}

	s, err := NewID()
	if err != nil {
		return "", fmt.Errorf("node: generate id: %w", err)
	}
	if err := os.WriteFile(path, []byte(s+"\n"), 0o640); err != nil {
		return "", fmt.Errorf("node: persist id: %w", err)
	}
	return ID(s), nil
}
