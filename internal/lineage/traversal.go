package lineage

import (
	"context"

	"github.com/stratumlabs/stratum/internal/domain/lineage"
	"github.com/stratumlabs/stratum/internal/storage"
)

// Traversal is a lazy breadth-first walk over the provenance graph, used in
// the sql.Rows idiom:
//
//	t, err := svc.TraceLineage(ctx, id, lineage.DirectionAncestors, 3)
//	if err != nil { ... }
//	defer t.Close()
//	for t.Next() {
//		node := t.Node()
//		...
//	}
//	if err := t.Err(); err != nil { ... }
//
// Each depth level is fetched from the store when the walk reaches it. The
// walk carries its own visited set, so a cyclic graph terminates and emits
// each node at most once regardless of store guarantees. Traversals are not
// goroutine-safe.
type Traversal struct {
	ctx       context.Context
	graph     storage.GraphStore
	direction lineage.Direction
	maxDepth  int

	frontier []string
	depth    int
	visited  map[string]struct{}
	pending  []lineage.Node
	current  lineage.Node
	err      error
	closed   bool
}

func newTraversal(ctx context.Context, graph storage.GraphStore, rootID string, direction lineage.Direction, maxDepth int) *Traversal {
	return &Traversal{
		ctx:       ctx,
		graph:     graph,
		direction: direction,
		maxDepth:  maxDepth,
		frontier:  []string{rootID},
		visited:   map[string]struct{}{rootID: {}},
	}
}

// Next advances to the next reachable node. It returns false when the walk
// is exhausted, closed, or failed; check Err after the loop.
func (t *Traversal) Next() bool {
	if t == nil || t.closed || t.err != nil {
		return false
	}

	for len(t.pending) == 0 {
		if t.depth >= t.maxDepth || len(t.frontier) == 0 {
			return false
		}
		if err := t.ctx.Err(); err != nil {
			t.err = err
			return false
		}
		if !t.expandFrontier() {
			return false
		}
	}

	t.current = t.pending[0]
	t.pending = t.pending[1:]
	return true
}

// Node returns the node Next advanced to. Valid only after Next returned
// true.
func (t *Traversal) Node() lineage.Node {
	if t == nil {
		return lineage.Node{}
	}
	return t.current
}

// Err returns the first failure the walk encountered, if any.
func (t *Traversal) Err() error {
	if t == nil {
		return nil
	}
	return t.err
}

// Close ends the walk. Further Next calls return false. Close is idempotent
// and safe on exhausted traversals.
func (t *Traversal) Close() {
	if t == nil {
		return
	}
	t.closed = true
	t.pending = nil
	t.frontier = nil
}

// expandFrontier fetches the next depth level: the unvisited endpoints of
// every edge leaving the current frontier. It reports false when the walk
// cannot continue, either through error or exhaustion.
func (t *Traversal) expandFrontier() bool {
	edges, err := t.graph.ListLineageNeighbors(t.ctx, t.frontier, t.direction)
	if err != nil {
		t.err = err
		return false
	}

	next := make([]string, 0, len(edges))
	for _, edge := range edges {
		neighbor := edge.ToID
		if t.direction == lineage.DirectionDescendants {
			neighbor = edge.FromID
		}
		if _, seen := t.visited[neighbor]; seen {
			continue
		}
		t.visited[neighbor] = struct{}{}
		next = append(next, neighbor)
	}

	t.depth++
	t.frontier = next
	if len(next) == 0 {
		return false
	}

	nodes, err := t.graph.ListLineageNodes(t.ctx, next)
	if err != nil {
		t.err = err
		return false
	}
	byID := make(map[string]lineage.Node, len(nodes))
	for _, node := range nodes {
		byID[node.ID] = node
	}

	// Emit in frontier discovery order. Endpoints without a stored node are
	// still real artifacts per the edge record; they pass through as ID-only
	// nodes.
	t.pending = make([]lineage.Node, 0, len(next))
	for _, id := range next {
		node, ok := byID[id]
		if !ok {
			node = lineage.Node{ID: id}
		}
		t.pending = append(t.pending, node)
	}
	return true
}
