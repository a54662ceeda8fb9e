package drive

import (
	"context"
	"magazyn-plikow/internal/database"
	"magazyn-plikow/internal/models"
)

// Repository is the part of the metadata store the engine talks to.
// *database.Queries and *database.Store both satisfy it.
type Repository interface {
	CreateNode(ctx context.Context, arg database.CreateNodeParams) (*models.Node, error)
	NodeExists(ctx context.Context, id string) (bool, error)
	GetNodeByID(ctx context.Context, id string) (*models.Node, error)
	GetNodesByParentID(ctx context.Context, ownerID int64, parentID *string, limit int, offset int) ([]models.Node, error)
	ListNodesByOwner(ctx context.Context, ownerID int64, limit int, offset int) ([]models.Node, error)
	SumChildSizes(ctx context.Context, folderID string) (int64, error)
	UpdateNodeSize(ctx context.Context, id string, sizeBytes int64) (bool, error)
	ListDescendantFiles(ctx context.Context, folderID string) ([]models.DescendantFile, error)
	DeleteSubtree(ctx context.Context, id string, ownerID int64) ([]string, error)
	RenameNode(ctx context.Context, id string, ownerID int64, newName string) (bool, error)
	MoveNode(ctx context.Context, id string, ownerID int64, newParentID *string) (bool, error)
	IsDescendantOf(ctx context.Context, nodeID string, potentialChildID string) (bool, error)
	LockOwnerTree(ctx context.Context, ownerID int64) error
	LogEvent(ctx context.Context, userID int64, eventType string, payload interface{}) ([]byte, error)
}

// Metadata is a Repository that can run a function inside one transaction.
type Metadata interface {
	Repository
	InTx(ctx context.Context, fn func(Repository) error) error
}

type postgresMetadata struct {
	*database.Store
}

func NewPostgresMetadata(store *database.Store) Metadata {
	return postgresMetadata{Store: store}
}

func (m postgresMetadata) InTx(ctx context.Context, fn func(Repository) error) error {
	return m.Store.ExecTx(ctx, func(q *database.Queries) error {
		return fn(q)
	})
}
