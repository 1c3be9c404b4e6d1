package orchestrator

import (
	"errors"
	"fmt"
	"sync"
)

// ErrNodeNotFound is returned for unknown node ids.
var ErrNodeNotFound = errors.New("orchestrator: node not found")

// GraphStore gives the driver read access to the graph and write access to
// per-node caches and the selection pointer.
type GraphStore interface {
	Snapshot() Graph
	Node(id string) (Node, bool)
	// UpdateNode replaces the stored node with the same id.
	UpdateNode(n Node) error
	Select(id string) error
	Selected() string
}

// MemoryStore is an in-memory GraphStore.
type MemoryStore struct {
	mu    sync.RWMutex
	graph Graph
	index map[string]int
}

// NewMemoryStore creates a store over a copy of g.
func NewMemoryStore(g Graph) *MemoryStore {
	s := &MemoryStore{index: make(map[string]int, len(g.Nodes))}
	s.graph = Graph{
		Version:     g.Version,
		Nodes:       make([]Node, len(g.Nodes)),
		Connections: append([]Connection(nil), g.Connections...),
		Selected:    g.Selected,
	}
	for i, n := range g.Nodes {
		s.graph.Nodes[i] = cloneNode(n)
		s.index[n.ID] = i
	}
	return s
}

// Snapshot returns a copy of the graph.
func (s *MemoryStore) Snapshot() Graph {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := Graph{
		Version:     s.graph.Version,
		Nodes:       make([]Node, len(s.graph.Nodes)),
		Connections: append([]Connection(nil), s.graph.Connections...),
		Selected:    s.graph.Selected,
	}
	for i, n := range s.graph.Nodes {
		out.Nodes[i] = cloneNode(n)
	}
	return out
}

// Node returns a copy of the node with the given id.
func (s *MemoryStore) Node(id string) (Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.index[id]
	if !ok {
		return Node{}, false
	}
	return cloneNode(s.graph.Nodes[i]), true
}

// UpdateNode replaces a node.
func (s *MemoryStore) UpdateNode(n Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.index[n.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, n.ID)
	}
	s.graph.Nodes[i] = cloneNode(n)
	return nil
}

// Select sets the focused node. An empty id clears the selection.
func (s *MemoryStore) Select(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id != "" {
		if _, ok := s.index[id]; !ok {
			return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
		}
	}
	s.graph.Selected = id
	return nil
}

// Selected returns the focused node id.
func (s *MemoryStore) Selected() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.graph.Selected
}
