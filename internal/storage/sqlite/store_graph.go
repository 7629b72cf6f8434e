package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stratumlabs/stratum/internal/domain/lineage"
	apperrors "github.com/stratumlabs/stratum/internal/platform/errors"
	"github.com/stratumlabs/stratum/internal/storage"
)

// UpsertLineageNode records a provenance node idempotently. When the node
// already exists its metadata is merged: keys absent from the stored map are
// added, stored keys keep their first-recorded values. Kind and creation
// time are never rewritten.
func (s *Store) UpsertLineageNode(ctx context.Context, node lineage.Node) (lineage.Node, error) {
	if err := ctx.Err(); err != nil {
		return lineage.Node{}, err
	}
	if s == nil || s.sqlDB == nil {
		return lineage.Node{}, apperrors.New(apperrors.CodeConfiguration, "storage is not configured")
	}
	id, err := lineage.ValidateNodeID(node.ID)
	if err != nil {
		return lineage.Node{}, err
	}
	kind := strings.TrimSpace(node.Kind)
	if kind == "" {
		return lineage.Node{}, apperrors.New(apperrors.CodeLineageKindEmpty, "lineage node kind is required")
	}
	createdAt := node.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	createdAt = createdAt.UTC()

	metadataJSON, err := marshalPayload(node.Metadata)
	if err != nil {
		return lineage.Node{}, fmt.Errorf("upsert lineage node %s: %w", id, err)
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return lineage.Node{}, classifyStoreError("start lineage node transaction", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	result, err := tx.ExecContext(ctx, `
INSERT INTO lineage_nodes (id, kind, metadata_json, created_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING
`, id, kind, metadataJSON, toMillis(createdAt))
	if err != nil {
		return lineage.Node{}, classifyStoreError("insert lineage node", err)
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return lineage.Node{}, fmt.Errorf("insert lineage node rows affected: %w", err)
	}

	if inserted == 1 {
		if err := tx.Commit(); err != nil {
			return lineage.Node{}, classifyStoreError("commit lineage node", err)
		}
		return lineage.Node{
			ID:        id,
			Kind:      kind,
			Metadata:  cloneMetadata(node.Metadata),
			CreatedAt: fromMillis(toMillis(createdAt)),
		}, nil
	}

	var (
		storedKind     string
		storedMetadata string
		storedCreated  int64
	)
	err = tx.QueryRowContext(ctx, `
SELECT kind, metadata_json, created_at
FROM lineage_nodes
WHERE id = ?
`, id).Scan(&storedKind, &storedMetadata, &storedCreated)
	if err != nil {
		return lineage.Node{}, classifyStoreError("read existing lineage node", err)
	}

	merged, err := unmarshalPayload(storedMetadata)
	if err != nil {
		return lineage.Node{}, fmt.Errorf("upsert lineage node %s: %w", id, err)
	}
	changed := false
	for key, value := range node.Metadata {
		if _, exists := merged[key]; exists {
			continue
		}
		merged[key] = value
		changed = true
	}
	if changed {
		mergedJSON, marshalErr := marshalPayload(merged)
		if marshalErr != nil {
			return lineage.Node{}, fmt.Errorf("upsert lineage node %s: %w", id, marshalErr)
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE lineage_nodes
SET metadata_json = ?
WHERE id = ?
`, mergedJSON, id); err != nil {
			return lineage.Node{}, classifyStoreError("merge lineage node metadata", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return lineage.Node{}, classifyStoreError("commit lineage node merge", err)
	}
	return lineage.Node{
		ID:        id,
		Kind:      storedKind,
		Metadata:  merged,
		CreatedAt: fromMillis(storedCreated),
	}, nil
}

// InsertLineageEdge records a derivation edge. Inserting an identical
// (from, to, relation) edge again is a no-op, never an error.
func (s *Store) InsertLineageEdge(ctx context.Context, edge lineage.Edge) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return apperrors.New(apperrors.CodeConfiguration, "storage is not configured")
	}
	fromID, err := lineage.ValidateNodeID(edge.FromID)
	if err != nil {
		return err
	}
	toID, err := lineage.ValidateNodeID(edge.ToID)
	if err != nil {
		return err
	}
	relation := strings.TrimSpace(edge.Relation)
	if relation == "" {
		return apperrors.New(apperrors.CodeLineageRelationEmpty, "lineage relation is required")
	}
	createdAt := edge.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO lineage_edges (from_id, to_id, relation, created_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(from_id, to_id, relation) DO NOTHING
`, fromID, toID, relation, toMillis(createdAt.UTC()))
	if err != nil {
		return classifyStoreError("insert lineage edge", err)
	}
	return nil
}

// GetLineageNode fetches one provenance node by ID.
func (s *Store) GetLineageNode(ctx context.Context, id string) (lineage.Node, error) {
	if err := ctx.Err(); err != nil {
		return lineage.Node{}, err
	}
	if s == nil || s.sqlDB == nil {
		return lineage.Node{}, apperrors.New(apperrors.CodeConfiguration, "storage is not configured")
	}
	id, err := lineage.ValidateNodeID(id)
	if err != nil {
		return lineage.Node{}, err
	}

	var (
		kind         string
		metadataJSON string
		createdAt    int64
	)
	err = s.sqlDB.QueryRowContext(ctx, `
SELECT kind, metadata_json, created_at
FROM lineage_nodes
WHERE id = ?
`, id).Scan(&kind, &metadataJSON, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return lineage.Node{}, storage.ErrNotFound
		}
		return lineage.Node{}, classifyStoreError("get lineage node", err)
	}

	metadata, err := unmarshalPayload(metadataJSON)
	if err != nil {
		return lineage.Node{}, fmt.Errorf("get lineage node %s: %w", id, err)
	}
	return lineage.Node{
		ID:        id,
		Kind:      kind,
		Metadata:  metadata,
		CreatedAt: fromMillis(createdAt),
	}, nil
}

// ListLineageNodes fetches the nodes whose IDs appear in ids. Unknown IDs
// are silently absent from the result.
func (s *Store) ListLineageNodes(ctx context.Context, ids []string) ([]lineage.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, apperrors.New(apperrors.CodeConfiguration, "storage is not configured")
	}
	if len(ids) == 0 {
		return []lineage.Node{}, nil
	}

	query := `
SELECT id, kind, metadata_json, created_at
FROM lineage_nodes
WHERE id IN (` + placeholders(len(ids)) + `)`
	rows, err := s.sqlDB.QueryContext(ctx, query, stringArgs(ids)...)
	if err != nil {
		return nil, classifyStoreError("list lineage nodes", err)
	}
	defer rows.Close()

	nodes := make([]lineage.Node, 0, len(ids))
	for rows.Next() {
		var (
			node         lineage.Node
			metadataJSON string
			createdAt    int64
		)
		if err := rows.Scan(&node.ID, &node.Kind, &metadataJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scan lineage node: %w", err)
		}
		metadata, err := unmarshalPayload(metadataJSON)
		if err != nil {
			return nil, fmt.Errorf("list lineage nodes: %w", err)
		}
		node.Metadata = metadata
		node.CreatedAt = fromMillis(createdAt)
		nodes = append(nodes, node)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lineage nodes: %w", err)
	}
	return nodes, nil
}

// ListLineageNeighbors returns the edges leaving the given frontier in the
// requested direction: edges whose From is in ids when walking towards
// ancestors, edges whose To is in ids when walking towards descendants.
func (s *Store) ListLineageNeighbors(ctx context.Context, ids []string, direction lineage.Direction) ([]lineage.Edge, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, apperrors.New(apperrors.CodeConfiguration, "storage is not configured")
	}
	if len(ids) == 0 {
		return []lineage.Edge{}, nil
	}

	var column string
	switch direction {
	case lineage.DirectionAncestors:
		column = "from_id"
	case lineage.DirectionDescendants:
		column = "to_id"
	default:
		return nil, apperrors.WithMetadata(apperrors.CodeLineageDirectionInvalid, "invalid lineage direction", map[string]string{
			"direction": string(direction),
		})
	}

	query := `
SELECT from_id, to_id, relation, created_at
FROM lineage_edges
WHERE ` + column + ` IN (` + placeholders(len(ids)) + `)
ORDER BY created_at ASC, from_id ASC, to_id ASC`
	rows, err := s.sqlDB.QueryContext(ctx, query, stringArgs(ids)...)
	if err != nil {
		return nil, classifyStoreError("list lineage neighbors", err)
	}
	defer rows.Close()

	return scanLineageEdges(rows)
}

// ListLineageEdgesAmong returns every edge with both endpoints in ids.
func (s *Store) ListLineageEdgesAmong(ctx context.Context, ids []string) ([]lineage.Edge, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, apperrors.New(apperrors.CodeConfiguration, "storage is not configured")
	}
	if len(ids) == 0 {
		return []lineage.Edge{}, nil
	}

	args := append(stringArgs(ids), stringArgs(ids)...)
	query := `
SELECT from_id, to_id, relation, created_at
FROM lineage_edges
WHERE from_id IN (` + placeholders(len(ids)) + `)
AND to_id IN (` + placeholders(len(ids)) + `)
ORDER BY created_at ASC, from_id ASC, to_id ASC`
	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classifyStoreError("list lineage edges among", err)
	}
	defer rows.Close()

	return scanLineageEdges(rows)
}

func scanLineageEdges(rows *sql.Rows) ([]lineage.Edge, error) {
	edges := []lineage.Edge{}
	for rows.Next() {
		var (
			edge      lineage.Edge
			createdAt int64
		)
		if err := rows.Scan(&edge.FromID, &edge.ToID, &edge.Relation, &createdAt); err != nil {
			return nil, fmt.Errorf("scan lineage edge: %w", err)
		}
		edge.CreatedAt = fromMillis(createdAt)
		edges = append(edges, edge)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lineage edges: %w", err)
	}
	return edges, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

func stringArgs(values []string) []any {
	args := make([]any, len(values))
	for i, value := range values {
		args[i] = value
	}
	return args
}

func cloneMetadata(metadata map[string]any) map[string]any {
	cloned := make(map[string]any, len(metadata))
	for key, value := range metadata {
		cloned[key] = value
	}
	return cloned
}
