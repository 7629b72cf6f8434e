// Package lineage records artifact provenance and answers reachability
// questions over the append-only derivation graph.
//
// Realms call RecordNode and RecordEdge as artifacts are produced and
// consumed, and TraceLineage or Visualize to audit how an artifact came to
// be. Nothing here renders; Visualize hands back the raw subgraph for an
// external collaborator to draw.
package lineage

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/stratumlabs/stratum/internal/domain/lineage"
	apperrors "github.com/stratumlabs/stratum/internal/platform/errors"
	"github.com/stratumlabs/stratum/internal/storage"
	"github.com/stratumlabs/stratum/internal/telemetry"
)

// Config assembles a lineage service.
type Config struct {
	// Graph is the append-only provenance store. Required.
	Graph storage.GraphStore
	// Telemetry receives operational events. Optional.
	Telemetry *telemetry.Emitter
	// Clock overrides the time source. Tests only.
	Clock func() time.Time
}

// Service is the provenance API realms record and query through.
type Service struct {
	graph     storage.GraphStore
	telemetry *telemetry.Emitter
	clock     func() time.Time
}

// New validates cfg and builds a service.
func New(cfg Config) (*Service, error) {
	if cfg.Graph == nil {
		return nil, apperrors.New(apperrors.CodeConfiguration, "graph store is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		graph:     cfg.Graph,
		telemetry: cfg.Telemetry,
		clock:     clock,
	}, nil
}

// RecordNode registers an artifact in the provenance graph. Recording the
// same node again merges metadata: new keys are added, first-recorded values
// are never overwritten.
func (s *Service) RecordNode(ctx context.Context, nodeID, kind string, metadata map[string]any) (lineage.Node, error) {
	if err := ctx.Err(); err != nil {
		return lineage.Node{}, err
	}
	if s == nil {
		return lineage.Node{}, apperrors.New(apperrors.CodeConfiguration, "lineage service is not configured")
	}
	return s.graph.UpsertLineageNode(ctx, lineage.Node{
		ID:        nodeID,
		Kind:      kind,
		Metadata:  metadata,
		CreatedAt: s.clock(),
	})
}

// RecordEdge registers that fromID was derived from toID. Recording an
// identical edge again is a no-op. Self-derivation is rejected.
func (s *Service) RecordEdge(ctx context.Context, fromID, toID, relation string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil {
		return apperrors.New(apperrors.CodeConfiguration, "lineage service is not configured")
	}
	fromID, err := lineage.ValidateNodeID(fromID)
	if err != nil {
		return err
	}
	toID, err = lineage.ValidateNodeID(toID)
	if err != nil {
		return err
	}
	if strings.TrimSpace(relation) == "" {
		return apperrors.New(apperrors.CodeLineageRelationEmpty, "lineage relation is required")
	}
	if fromID == toID {
		return apperrors.WithMetadata(apperrors.CodeLineageSelfEdge, "artifact cannot derive from itself", map[string]string{
			"node_id": fromID,
		})
	}
	return s.graph.InsertLineageEdge(ctx, lineage.Edge{
		FromID:    fromID,
		ToID:      toID,
		Relation:  relation,
		CreatedAt: s.clock(),
	})
}

// TraceLineage starts a breadth-first walk from nodeID in the given
// direction, bounded by maxDepth hops. The returned traversal is lazy:
// each depth level is fetched when the walk reaches it. The root itself is
// not emitted; a node reachable over multiple paths is emitted once. Every
// call builds a fresh cursor.
func (s *Service) TraceLineage(ctx context.Context, nodeID string, direction lineage.Direction, maxDepth int) (*Traversal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil {
		return nil, apperrors.New(apperrors.CodeConfiguration, "lineage service is not configured")
	}
	nodeID, err := lineage.ValidateNodeID(nodeID)
	if err != nil {
		return nil, err
	}
	if direction != lineage.DirectionAncestors && direction != lineage.DirectionDescendants {
		return nil, apperrors.WithMetadata(apperrors.CodeLineageDirectionInvalid, "invalid lineage direction", map[string]string{
			"direction": string(direction),
		})
	}
	if maxDepth < 0 {
		return nil, apperrors.WithMetadata(apperrors.CodeLineageDepthInvalid, "max depth must not be negative", map[string]string{
			"max_depth": strconv.Itoa(maxDepth),
		})
	}
	return newTraversal(ctx, s.graph, nodeID, direction, maxDepth), nil
}

// Visualize returns the induced subgraph reachable from nodeID: the root,
// every traversed node, and every recorded edge between them. Rendering is
// the caller's concern.
func (s *Service) Visualize(ctx context.Context, nodeID string, direction lineage.Direction, maxDepth int) (lineage.Subgraph, error) {
	traversal, err := s.TraceLineage(ctx, nodeID, direction, maxDepth)
	if err != nil {
		return lineage.Subgraph{}, err
	}
	defer traversal.Close()

	root, err := s.graph.GetLineageNode(ctx, nodeID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return lineage.Subgraph{}, err
		}
		// The root may be known only through edges; keep the snapshot frame.
		root = lineage.Node{ID: strings.TrimSpace(nodeID)}
	}

	nodes := []lineage.Node{root}
	ids := []string{root.ID}
	for traversal.Next() {
		node := traversal.Node()
		nodes = append(nodes, node)
		ids = append(ids, node.ID)
	}
	if err := traversal.Err(); err != nil {
		return lineage.Subgraph{}, err
	}

	edges, err := s.graph.ListLineageEdgesAmong(ctx, ids)
	if err != nil {
		return lineage.Subgraph{}, err
	}

	s.telemetry.Emit(ctx, storage.TelemetryEvent{
		Name:      "lineage.visualized",
		Severity:  "INFO",
		Component: "lineage",
		Attributes: map[string]any{
			"node_id":   root.ID,
			"direction": string(direction),
			"max_depth": maxDepth,
			"nodes":     len(nodes),
			"edges":     len(edges),
		},
	})

	return lineage.Subgraph{Nodes: nodes, Edges: edges}, nil
}
