package graph

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Change kinds recorded in the journal.
const (
	ChangeNodeCreated = "node_created"
	ChangeNodeUpdated = "node_updated"
	ChangeNodeDeleted = "node_deleted"
)

// Change is one journal entry of the node history.
type Change struct {
	NodeID string    `json:"node_id"`
	Kind   string    `json:"change"`
	At     time.Time `json:"changed_at"`
	Node   Node      `json:"node,omitempty"`
}

// HistoryFilter selects journal entries.
type HistoryFilter struct {
	Before  time.Time // zero means unbounded
	After   time.Time // zero means unbounded
	Changes []string  // empty means all kinds
	Query   *Query    // optional node filter
}

func (f HistoryFilter) matches(change Change) bool {
	if !f.Before.IsZero() && !change.At.Before(f.Before) {
		return false
	}
	if !f.After.IsZero() && !change.At.After(f.After) {
		return false
	}
	if len(f.Changes) > 0 {
		found := false
		for _, kind := range f.Changes {
			if kind == change.Kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Query != nil && !f.Query.Matches(change.Node) {
		return false
	}
	return true
}

// Database is the graph collaborator the CLI talks to.
type Database interface {
	// Search streams the nodes matching the query in a stable order.
	Search(ctx context.Context, q Query) ([]Node, error)
	// Get returns one node by id or an error.
	Get(ctx context.Context, id string) (Node, error)
	// PatchSection merges the patch into a section of the node and
	// returns the updated node.
	PatchSection(ctx context.Context, id, section string, patch map[string]any) (Node, error)
	// Traverse walks edges from the origin between min and max depth.
	Traverse(ctx context.Context, originID string, direction Direction, edge string, minDepth, maxDepth int) ([]Node, error)
	// History returns journal entries matching the filter in time order.
	History(ctx context.Context, filter HistoryFilter) ([]Change, error)
}

// Memory is the in-process Database implementation.
type Memory struct {
	mu      sync.RWMutex
	nodes   map[string]Node
	order   []string
	out     map[string]map[string][]string // edge -> from -> to
	in      map[string]map[string][]string // edge -> to -> from
	journal []Change
}

// NewMemory creates an empty graph.
func NewMemory() *Memory {
	return &Memory{
		nodes: map[string]Node{},
		out:   map[string]map[string][]string{},
		in:    map[string]map[string][]string{},
	}
}

// InsertNode adds or replaces a node and records the change.
func (m *Memory) InsertNode(node Node) {
	id := NodeID(node)
	if id == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	kind := ChangeNodeUpdated
	if _, ok := m.nodes[id]; !ok {
		m.order = append(m.order, id)
		kind = ChangeNodeCreated
	}
	m.nodes[id] = node
	m.journal = append(m.journal, Change{NodeID: id, Kind: kind, At: time.Now().UTC(), Node: CloneNode(node)})
}

// DeleteNode removes a node and its edges.
func (m *Memory) DeleteNode(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	node, ok := m.nodes[id]
	if !ok {
		return
	}
	delete(m.nodes, id)
	for i, existing := range m.order {
		if existing == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	for _, edges := range m.out {
		delete(edges, id)
	}
	for _, edges := range m.in {
		delete(edges, id)
	}
	m.journal = append(m.journal, Change{NodeID: id, Kind: ChangeNodeDeleted, At: time.Now().UTC(), Node: CloneNode(node)})
}

// InsertEdge connects two nodes with a typed edge.
func (m *Memory) InsertEdge(from, to, edge string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.out[edge] == nil {
		m.out[edge] = map[string][]string{}
		m.in[edge] = map[string][]string{}
	}
	m.out[edge][from] = append(m.out[edge][from], to)
	m.in[edge][to] = append(m.in[edge][to], from)
}

// Search implements Database.
func (m *Memory) Search(_ context.Context, q Query) ([]Node, error) {
	m.mu.RLock()
	var matched []Node
	for _, id := range m.order {
		if q.Matches(m.nodes[id]) {
			matched = append(matched, CloneNode(m.nodes[id]))
		}
	}
	m.mu.RUnlock()

	for _, traversal := range q.Traversals {
		var next []Node
		seen := map[string]struct{}{}
		for _, node := range matched {
			reached, err := m.Traverse(context.Background(), NodeID(node), traversal.Direction, traversal.Edge, traversal.MinDepth, traversal.MaxDepth)
			if err != nil {
				return nil, err
			}
			for _, r := range reached {
				if _, ok := seen[NodeID(r)]; ok {
					continue
				}
				seen[NodeID(r)] = struct{}{}
				next = append(next, r)
			}
		}
		matched = next
	}

	for i := len(q.Sorts) - 1; i >= 0; i-- {
		spec := q.Sorts[i]
		sort.SliceStable(matched, func(a, b int) bool {
			av, _ := Resolve(matched[a], spec.Path)
			bv, _ := Resolve(matched[b], spec.Path)
			if spec.Desc {
				return CompareValues(av, bv) > 0
			}
			return CompareValues(av, bv) < 0
		})
	}

	if q.Limit != nil {
		start := q.Limit.Offset
		if start > len(matched) {
			start = len(matched)
		}
		end := start + q.Limit.Count
		if end > len(matched) {
			end = len(matched)
		}
		matched = matched[start:end]
	}
	return matched, nil
}

// Get implements Database.
func (m *Memory) Get(_ context.Context, id string) (Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	node, ok := m.nodes[id]
	if !ok {
		return nil, fmt.Errorf("no node with id %s", id)
	}
	return CloneNode(node), nil
}

// PatchSection implements Database.
func (m *Memory) PatchSection(_ context.Context, id, section string, patch map[string]any) (Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	node, ok := m.nodes[id]
	if !ok {
		return nil, fmt.Errorf("no node with id %s", id)
	}
	MergeSection(node, section, patch)
	m.journal = append(m.journal, Change{NodeID: id, Kind: ChangeNodeUpdated, At: time.Now().UTC(), Node: CloneNode(node)})
	return CloneNode(node), nil
}

// Traverse implements Database with a breadth first walk.
func (m *Memory) Traverse(_ context.Context, originID string, direction Direction, edge string, minDepth, maxDepth int) ([]Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	neighbors := m.out[edge]
	if direction == DirectionIn {
		neighbors = m.in[edge]
	}

	var out []Node
	visited := map[string]int{originID: 0}
	frontier := []string{originID}
	for depth := 1; depth <= maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, id := range frontier {
			for _, reached := range neighbors[id] {
				if _, ok := visited[reached]; ok {
					continue
				}
				visited[reached] = depth
				next = append(next, reached)
				if depth >= minDepth {
					if node, ok := m.nodes[reached]; ok {
						out = append(out, CloneNode(node))
					}
				}
			}
		}
		frontier = next
	}
	return out, nil
}

// History implements Database.
func (m *Memory) History(_ context.Context, filter HistoryFilter) ([]Change, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Change
	for _, change := range m.journal {
		if filter.matches(change) {
			out = append(out, change)
		}
	}
	return out, nil
}

// Store holds the named graphs of the core. Graphs are created on
// first use.
type Store struct {
	mu     sync.Mutex
	graphs map[string]*Memory
	order  []string
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{graphs: map[string]*Memory{}}
}

// Graph returns the named graph, creating it if needed.
func (s *Store) Graph(name string) *Memory {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.graphs[name]
	if !ok {
		g = NewMemory()
		s.graphs[name] = g
		s.order = append(s.order, name)
	}
	return g
}

// Names returns the graph names in creation order.
func (s *Store) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}
