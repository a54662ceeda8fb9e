package database

import (
	"context"
	"errors"
	"magazyn-plikow/internal/models"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrDuplicateNodeName = errors.New("a node with the same name already exists in this folder")
	ErrParentNotFound    = errors.New("parent folder does not exist")
	ErrInvalidText       = errors.New("value is not valid text in the database encoding")
)

const nodeColumns = `id, owner_id, parent_id, name, node_type, location, size_bytes, mime_type, created_at, modified_at`

func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ", ")
	for i, p := range parts {
		parts[i] = alias + "." + p
	}
	return strings.Join(parts, ", ")
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanNode(row rowScanner, extra ...interface{}) (models.Node, error) {
	var node models.Node
	dest := []interface{}{
		&node.ID,
		&node.OwnerID,
		&node.ParentID,
		&node.Name,
		&node.NodeType,
		&node.Location,
		&node.SizeBytes,
		&node.MimeType,
		&node.CreatedAt,
		&node.ModifiedAt,
	}
	err := row.Scan(append(dest, extra...)...)
	return node, err
}

func collectNodes(rows pgx.Rows) ([]models.Node, error) {
	defer rows.Close()

	var nodes []models.Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	if nodes == nil {
		return []models.Node{}, nil
	}

	return nodes, nil
}

func translateWriteError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return ErrDuplicateNodeName
		case "23503":
			return ErrParentNotFound
		case "22021":
			return ErrInvalidText
		}
	}
	return err
}

type CreateNodeParams struct {
	ID        string
	OwnerID   int64
	ParentID  *string
	Name      string
	NodeType  string
	Location  *string
	SizeBytes int64
	MimeType  *string
}

func (q *Queries) CreateNode(ctx context.Context, arg CreateNodeParams) (*models.Node, error) {
	query := `
		INSERT INTO nodes (id, owner_id, parent_id, name, node_type, location, size_bytes, mime_type, created_at, modified_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING ` + nodeColumns
	now := time.Now().UTC().Truncate(time.Microsecond)

	row := q.db.QueryRow(ctx, query,
		arg.ID,
		arg.OwnerID,
		arg.ParentID,
		arg.Name,
		arg.NodeType,
		arg.Location,
		arg.SizeBytes,
		arg.MimeType,
		now,
		now,
	)

	node, err := scanNode(row)
	if err != nil {
		return nil, translateWriteError(err)
	}

	return &node, nil
}

func (q *Queries) NodeExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	query := "SELECT EXISTS(SELECT 1 FROM nodes WHERE id = $1)"
	err := q.db.QueryRow(ctx, query, id).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

// GetNodeByID returns nil, nil when the node does not exist. Ownership is
// checked by the caller so that it can tell "missing" from "not yours".
func (q *Queries) GetNodeByID(ctx context.Context, id string) (*models.Node, error) {
	query := `SELECT ` + nodeColumns + ` FROM nodes WHERE id = $1`

	node, err := scanNode(q.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	return &node, nil
}

func (q *Queries) GetNodesByParentID(ctx context.Context, ownerID int64, parentID *string, limit int, offset int) ([]models.Node, error) {
	var rows pgx.Rows
	var err error

	if parentID == nil {
		query := `SELECT ` + nodeColumns + `
				 FROM nodes
				 WHERE owner_id = $1 AND parent_id IS NULL
				 ORDER BY node_type DESC, name
				 LIMIT $2 OFFSET $3`
		rows, err = q.db.Query(ctx, query, ownerID, limit, offset)
	} else {
		query := `SELECT ` + nodeColumns + `
				 FROM nodes
				 WHERE owner_id = $1 AND parent_id = $2
				 ORDER BY node_type DESC, name
				 LIMIT $3 OFFSET $4`
		rows, err = q.db.Query(ctx, query, ownerID, *parentID, limit, offset)
	}

	if err != nil {
		return nil, err
	}

	return collectNodes(rows)
}

func (q *Queries) ListNodesByOwner(ctx context.Context, ownerID int64, limit int, offset int) ([]models.Node, error) {
	query := `SELECT ` + nodeColumns + `
			 FROM nodes
			 WHERE owner_id = $1
			 ORDER BY created_at, id
			 LIMIT $2 OFFSET $3`
	rows, err := q.db.Query(ctx, query, ownerID, limit, offset)
	if err != nil {
		return nil, err
	}
	return collectNodes(rows)
}

func (q *Queries) SumChildSizes(ctx context.Context, folderID string) (int64, error) {
	var total int64
	query := `SELECT COALESCE(SUM(size_bytes), 0)::BIGINT FROM nodes WHERE parent_id = $1`
	err := q.db.QueryRow(ctx, query, folderID).Scan(&total)
	return total, err
}

func (q *Queries) UpdateNodeSize(ctx context.Context, id string, sizeBytes int64) (bool, error) {
	query := `UPDATE nodes SET size_bytes = $1 WHERE id = $2 AND node_type = 'folder'`
	res, err := q.db.Exec(ctx, query, sizeBytes, id)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

// MaxTreeDepth bounds recursive path queries.
const MaxTreeDepth = 1024

// ListDescendantFiles returns every file below folderID with its path
// relative to that folder.
func (q *Queries) ListDescendantFiles(ctx context.Context, folderID string) ([]models.DescendantFile, error) {
	query := `
		WITH RECURSIVE tree AS (
			SELECT n.id, n.node_type, n.name::TEXT AS rel_path, 1 AS depth
			FROM nodes n
			WHERE n.parent_id = $1

			UNION ALL

			SELECT n.id, n.node_type, tree.rel_path || '/' || n.name, tree.depth + 1
			FROM nodes n
			INNER JOIN tree ON n.parent_id = tree.id
			WHERE tree.depth < $2
		)
		SELECT ` + prefixed("n", nodeColumns) + `, tree.rel_path
		FROM tree
		INNER JOIN nodes n ON n.id = tree.id
		WHERE tree.node_type = 'file'
		ORDER BY tree.rel_path COLLATE "C"
	`
	rows, err := q.db.Query(ctx, query, folderID, MaxTreeDepth)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []models.DescendantFile
	for rows.Next() {
		var relPath string
		node, err := scanNode(rows, &relPath)
		if err != nil {
			return nil, err
		}
		files = append(files, models.DescendantFile{Node: node, RelPath: relPath})
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return files, nil
}

// DeleteSubtree removes a node and everything below it and returns the
// blob locations of the removed files.
func (q *Queries) DeleteSubtree(ctx context.Context, id string, ownerID int64) ([]string, error) {
	query := `
		WITH RECURSIVE nodes_to_delete AS (
			SELECT n.id
			FROM nodes n
			WHERE n.id = $1 AND n.owner_id = $2

			UNION

			SELECT n.id
			FROM nodes n
			INNER JOIN nodes_to_delete ntd ON n.parent_id = ntd.id
		)
		DELETE FROM nodes
		WHERE id IN (SELECT id FROM nodes_to_delete)
		RETURNING id, node_type, location
	`

	rows, err := q.db.Query(ctx, query, id, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	locations := []string{}
	for rows.Next() {
		var nodeID, nodeType string
		var location *string
		if err := rows.Scan(&nodeID, &nodeType, &location); err != nil {
			return nil, err
		}
		if nodeType == "file" && location != nil {
			locations = append(locations, *location)
		}
	}

	return locations, rows.Err()
}

func (q *Queries) RenameNode(ctx context.Context, id string, ownerID int64, newName string) (bool, error) {
	query := `
		UPDATE nodes
		SET name = $1, modified_at = $2
		WHERE id = $3 AND owner_id = $4
	`
	now := time.Now().UTC()
	res, err := q.db.Exec(ctx, query, newName, now, id, ownerID)
	if err != nil {
		return false, translateWriteError(err)
	}

	return res.RowsAffected() > 0, nil
}

func (q *Queries) MoveNode(ctx context.Context, id string, ownerID int64, newParentID *string) (bool, error) {
	query := `
		UPDATE nodes
		SET parent_id = $1, modified_at = $2
		WHERE id = $3 AND owner_id = $4
	`
	now := time.Now().UTC()
	res, err := q.db.Exec(ctx, query, newParentID, now, id, ownerID)
	if err != nil {
		return false, translateWriteError(err)
	}

	return res.RowsAffected() > 0, nil
}

// IsDescendantOf reports whether potentialChildID lies in the subtree rooted
// at nodeID (a node counts as its own descendant).
func (q *Queries) IsDescendantOf(ctx context.Context, nodeID string, potentialChildID string) (bool, error) {
	if nodeID == potentialChildID {
		return true, nil
	}

	query := `
		WITH RECURSIVE node_children AS (
			SELECT id FROM nodes WHERE id = $1

			UNION

			SELECT n.id
			FROM nodes n
			JOIN node_children nc ON n.parent_id = nc.id
		)
		SELECT EXISTS (
			SELECT 1
			FROM node_children
			WHERE id = $2
		);
	`
	var isDescendant bool
	err := q.db.QueryRow(ctx, query, nodeID, potentialChildID).Scan(&isDescendant)
	return isDescendant, err
}

// LockOwnerTree takes a transaction-scoped advisory lock on the owner's
// tree. Outside a transaction it is released as soon as the statement ends.
func (q *Queries) LockOwnerTree(ctx context.Context, ownerID int64) error {
	_, err := q.db.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", ownerID)
	return err
}
