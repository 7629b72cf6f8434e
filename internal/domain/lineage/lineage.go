// Package lineage defines the provenance graph's nodes, edges, and traversal
// directions.
//
// The graph is append-only: nodes and edges are created when an artifact is
// produced or consumed and never mutated or deleted afterwards. An edge
// records that its From artifact was derived from its To artifact.
package lineage

import (
	"strings"
	"time"

	"github.com/stratumlabs/stratum/internal/platform/errors"
)

// Known artifact kinds produced by the platform's realms. The graph accepts
// free-form kinds as well; these constants just keep realm writers aligned.
const (
	KindParsedFile = "parsed_file"
	KindEmbedding  = "embedding"
	KindInsight    = "insight"
	KindSOP        = "sop"
	KindVisual     = "visual"
)

// Node is one artifact in the provenance graph.
type Node struct {
	ID        string
	Kind      string
	Metadata  map[string]any
	CreatedAt time.Time
}

// Edge records that From was derived from To.
type Edge struct {
	FromID    string
	ToID      string
	Relation  string
	CreatedAt time.Time
}

// Direction selects which way a traversal walks the derivation arrows.
type Direction string

const (
	// DirectionAncestors walks from an artifact towards its inputs.
	DirectionAncestors Direction = "ancestors"
	// DirectionDescendants walks from an artifact towards everything
	// derived from it.
	DirectionDescendants Direction = "descendants"
)

// ParseDirection normalizes and validates a traversal direction.
func ParseDirection(value string) (Direction, error) {
	switch Direction(strings.ToLower(strings.TrimSpace(value))) {
	case DirectionAncestors:
		return DirectionAncestors, nil
	case DirectionDescendants:
		return DirectionDescendants, nil
	default:
		return "", errors.WithMetadata(errors.CodeLineageDirectionInvalid, "invalid lineage direction", map[string]string{
			"direction": value,
		})
	}
}

// Subgraph is an induced slice of the provenance graph: the nodes reached by
// a traversal plus every recorded edge between them. It carries no rendering
// concerns; visualization belongs to external collaborators.
type Subgraph struct {
	Nodes []Node
	Edges []Edge
}

// ValidateNodeID rejects blank node IDs.
func ValidateNodeID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", errors.New(errors.CodeLineageNodeIDEmpty, "lineage node id is required")
	}
	return id, nil
}
