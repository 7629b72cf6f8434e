package lineage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stratumlabs/stratum/internal/domain/lineage"
	apperrors "github.com/stratumlabs/stratum/internal/platform/errors"
	"github.com/stratumlabs/stratum/internal/storage"
	"github.com/stratumlabs/stratum/internal/telemetry"
)

type fakeGraphStore struct {
	upsertNodeFn    func(ctx context.Context, node lineage.Node) (lineage.Node, error)
	insertEdgeFn    func(ctx context.Context, edge lineage.Edge) error
	getNodeFn       func(ctx context.Context, id string) (lineage.Node, error)
	listNodesFn     func(ctx context.Context, ids []string) ([]lineage.Node, error)
	listNeighborsFn func(ctx context.Context, ids []string, direction lineage.Direction) ([]lineage.Edge, error)
	listAmongFn     func(ctx context.Context, ids []string) ([]lineage.Edge, error)
}

func (s *fakeGraphStore) UpsertLineageNode(ctx context.Context, node lineage.Node) (lineage.Node, error) {
	if s.upsertNodeFn == nil {
		return node, nil
	}
	return s.upsertNodeFn(ctx, node)
}

func (s *fakeGraphStore) InsertLineageEdge(ctx context.Context, edge lineage.Edge) error {
	if s.insertEdgeFn == nil {
		return nil
	}
	return s.insertEdgeFn(ctx, edge)
}

func (s *fakeGraphStore) GetLineageNode(ctx context.Context, id string) (lineage.Node, error) {
	if s.getNodeFn == nil {
		return lineage.Node{}, storage.ErrNotFound
	}
	return s.getNodeFn(ctx, id)
}

func (s *fakeGraphStore) ListLineageNodes(ctx context.Context, ids []string) ([]lineage.Node, error) {
	if s.listNodesFn == nil {
		return []lineage.Node{}, nil
	}
	return s.listNodesFn(ctx, ids)
}

func (s *fakeGraphStore) ListLineageNeighbors(ctx context.Context, ids []string, direction lineage.Direction) ([]lineage.Edge, error) {
	if s.listNeighborsFn == nil {
		return []lineage.Edge{}, nil
	}
	return s.listNeighborsFn(ctx, ids, direction)
}

func (s *fakeGraphStore) ListLineageEdgesAmong(ctx context.Context, ids []string) ([]lineage.Edge, error) {
	if s.listAmongFn == nil {
		return []lineage.Edge{}, nil
	}
	return s.listAmongFn(ctx, ids)
}

func TestNewRequiresGraphStore(t *testing.T) {
	if _, err := New(Config{}); !errors.Is(err, apperrors.New(apperrors.CodeConfiguration, "")) {
		t.Fatalf("New without graph store returned %v", err)
	}
}

func TestRecordNodeStampsCreationTime(t *testing.T) {
	var captured lineage.Node
	graph := &fakeGraphStore{
		upsertNodeFn: func(_ context.Context, node lineage.Node) (lineage.Node, error) {
			captured = node
			return node, nil
		},
	}
	base := time.Date(2026, time.March, 14, 9, 0, 0, 0, time.UTC)
	svc, err := New(Config{Graph: graph, Clock: func() time.Time { return base }})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	node, err := svc.RecordNode(context.Background(), "file-1", lineage.KindParsedFile, map[string]any{"source": "upload"})
	if err != nil {
		t.Fatalf("record node: %v", err)
	}
	if node.ID != "file-1" || node.Kind != lineage.KindParsedFile {
		t.Fatalf("unexpected node %+v", node)
	}
	if !captured.CreatedAt.Equal(base) {
		t.Fatalf("created at = %v, want %v", captured.CreatedAt, base)
	}
	if captured.Metadata["source"] != "upload" {
		t.Fatalf("metadata = %v", captured.Metadata)
	}
}

func TestRecordEdgeRejectsBadArguments(t *testing.T) {
	svc := newGraphService(t, &fakeGraphStore{})
	ctx := context.Background()

	if err := svc.RecordEdge(ctx, "  ", "file-1", "derived_from"); !errors.Is(err, apperrors.New(apperrors.CodeLineageNodeIDEmpty, "")) {
		t.Fatalf("blank from id returned %v", err)
	}
	if err := svc.RecordEdge(ctx, "embed-1", "", "derived_from"); !errors.Is(err, apperrors.New(apperrors.CodeLineageNodeIDEmpty, "")) {
		t.Fatalf("blank to id returned %v", err)
	}
	if err := svc.RecordEdge(ctx, "embed-1", "file-1", "  "); !errors.Is(err, apperrors.New(apperrors.CodeLineageRelationEmpty, "")) {
		t.Fatalf("blank relation returned %v", err)
	}
	if err := svc.RecordEdge(ctx, "embed-1", " embed-1 ", "derived_from"); !errors.Is(err, apperrors.New(apperrors.CodeLineageSelfEdge, "")) {
		t.Fatalf("self edge returned %v", err)
	}
}

func TestRecordEdgeTrimsAndStamps(t *testing.T) {
	var captured lineage.Edge
	graph := &fakeGraphStore{
		insertEdgeFn: func(_ context.Context, edge lineage.Edge) error {
			captured = edge
			return nil
		},
	}
	base := time.Date(2026, time.March, 14, 9, 0, 0, 0, time.UTC)
	svc, err := New(Config{Graph: graph, Clock: func() time.Time { return base }})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	if err := svc.RecordEdge(context.Background(), " embed-1 ", "file-1", "derived_from"); err != nil {
		t.Fatalf("record edge: %v", err)
	}
	if captured.FromID != "embed-1" || captured.ToID != "file-1" || captured.Relation != "derived_from" {
		t.Fatalf("unexpected edge %+v", captured)
	}
	if !captured.CreatedAt.Equal(base) {
		t.Fatalf("created at = %v, want %v", captured.CreatedAt, base)
	}
}

func TestTraceLineageValidatesArguments(t *testing.T) {
	svc := newGraphService(t, &fakeGraphStore{})
	ctx := context.Background()

	if _, err := svc.TraceLineage(ctx, "  ", lineage.DirectionAncestors, 1); !errors.Is(err, apperrors.New(apperrors.CodeLineageNodeIDEmpty, "")) {
		t.Fatalf("blank node id returned %v", err)
	}
	if _, err := svc.TraceLineage(ctx, "file-1", lineage.Direction("sideways"), 1); !errors.Is(err, apperrors.New(apperrors.CodeLineageDirectionInvalid, "")) {
		t.Fatalf("bad direction returned %v", err)
	}
	if _, err := svc.TraceLineage(ctx, "file-1", lineage.DirectionAncestors, -1); !errors.Is(err, apperrors.New(apperrors.CodeLineageDepthInvalid, "")) {
		t.Fatalf("negative depth returned %v", err)
	}
}

func TestVisualizeBuildsInducedSubgraph(t *testing.T) {
	store := openTempGraph(t)
	base := time.Date(2026, time.March, 14, 9, 0, 0, 0, time.UTC)
	tick := 0
	svc, err := New(Config{
		Graph:     store,
		Telemetry: telemetry.NewEmitter(store),
		Clock: func() time.Time {
			tick++
			return base.Add(time.Duration(tick) * time.Second)
		},
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	seedDiamond(t, svc)

	graph, err := svc.Visualize(context.Background(), "insight-1", lineage.DirectionAncestors, 3)
	if err != nil {
		t.Fatalf("visualize: %v", err)
	}

	wantNodes := []string{"insight-1", "embed-1", "embed-2", "file-1"}
	if len(graph.Nodes) != len(wantNodes) {
		t.Fatalf("got %d nodes, want %d (%+v)", len(graph.Nodes), len(wantNodes), graph.Nodes)
	}
	for i, id := range wantNodes {
		if graph.Nodes[i].ID != id {
			t.Fatalf("node %d = %q, want %q", i, graph.Nodes[i].ID, id)
		}
	}
	if graph.Nodes[0].Kind != lineage.KindInsight {
		t.Fatalf("root kind = %q, want %q", graph.Nodes[0].Kind, lineage.KindInsight)
	}
	if len(graph.Edges) != 4 {
		t.Fatalf("got %d edges, want 4 (%+v)", len(graph.Edges), graph.Edges)
	}

	events, err := store.ListTelemetryEvents(context.Background(), 10)
	if err != nil {
		t.Fatalf("list telemetry events: %v", err)
	}
	if len(events) != 1 || events[0].Name != "lineage.visualized" {
		t.Fatalf("telemetry events = %+v", events)
	}
}

func TestVisualizeKeepsUnknownRootFrame(t *testing.T) {
	svc := newGraphService(t, openTempGraph(t))
	ctx := context.Background()
	if err := svc.RecordEdge(ctx, "report-1", "insight-9", "summarized_from"); err != nil {
		t.Fatalf("record edge: %v", err)
	}

	graph, err := svc.Visualize(ctx, "report-1", lineage.DirectionAncestors, 2)
	if err != nil {
		t.Fatalf("visualize: %v", err)
	}
	if len(graph.Nodes) != 2 || graph.Nodes[0].ID != "report-1" || graph.Nodes[1].ID != "insight-9" {
		t.Fatalf("nodes = %+v", graph.Nodes)
	}
	if graph.Nodes[0].Kind != "" {
		t.Fatalf("unrecorded root kind = %q, want empty", graph.Nodes[0].Kind)
	}
	if len(graph.Edges) != 1 || graph.Edges[0].FromID != "report-1" || graph.Edges[0].ToID != "insight-9" {
		t.Fatalf("edges = %+v", graph.Edges)
	}
}
