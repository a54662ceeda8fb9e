package drive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"magazyn-plikow/internal/database"
	"magazyn-plikow/internal/models"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

// sniffLen is how much content mimetype needs for a reliable guess.
const sniffLen = 3072

type UploadFileParams struct {
	OwnerID  int64
	ParentID *string
	Name     string
	Size     int64
	// MimeType is detected from the content when empty or generic.
	MimeType string
	Content  io.Reader
}

func (e *Engine) CreateFolder(ctx context.Context, ownerID int64, parentID *string, name string) (*models.Node, error) {
	name, err := validateName(name)
	if err != nil {
		return nil, err
	}
	if parentID != nil {
		if _, err := e.authorizeFolder(ctx, *parentID, ownerID); err != nil {
			return nil, err
		}
	}

	id, err := e.generateUniqueID(ctx)
	if err != nil {
		return nil, err
	}

	rctx, cancel := e.remote(ctx)
	node, err := e.meta.CreateNode(rctx, database.CreateNodeParams{
		ID:       id,
		OwnerID:  ownerID,
		ParentID: parentID,
		Name:     name,
		NodeType: models.NodeTypeFolder,
	})
	cancel()
	if err != nil {
		return nil, repoErr("create folder", err)
	}

	e.publish(ctx, ownerID, "folder_created", node)
	return node, nil
}

// UploadFile stores one file's content and creates its node. The blob is
// removed again when the node cannot be created.
func (e *Engine) UploadFile(ctx context.Context, arg UploadFileParams) (*models.Node, error) {
	name, err := validateName(arg.Name)
	if err != nil {
		return nil, err
	}
	if arg.Content == nil || arg.Size <= 0 {
		return nil, fmt.Errorf("%w: file content is empty", ErrInvalidInput)
	}
	if arg.Size > e.opts.MaxFileSize {
		return nil, fmt.Errorf("%w: %d bytes, limit is %d", ErrSizeLimitExceeded, arg.Size, e.opts.MaxFileSize)
	}
	if arg.ParentID != nil {
		if _, err := e.authorizeFolder(ctx, *arg.ParentID, arg.OwnerID); err != nil {
			return nil, err
		}
	}

	id, err := e.generateUniqueID(ctx)
	if err != nil {
		return nil, err
	}

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(arg.Content, head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	head = head[:n]

	contentType := arg.MimeType
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = mimetype.Detect(head).String()
	}

	body := &exactReader{
		r:    io.LimitReader(io.MultiReader(bytes.NewReader(head), arg.Content), arg.Size+1),
		size: arg.Size,
	}

	key := objectKey(arg.OwnerID, id)
	rctx, cancel := e.remote(ctx)
	started := time.Now()
	location, err := e.blobs.Put(rctx, key, body, arg.Size, contentType)
	blobTransferDuration.WithLabelValues("put").Observe(time.Since(started).Seconds())
	cancel()
	if err != nil {
		if body.err != nil {
			e.deleteBlobs(ctx, []string{key})
			return nil, body.err
		}
		return nil, storeErr("put blob", err)
	}
	if body.err != nil {
		e.deleteBlobs(ctx, []string{key})
		return nil, body.err
	}

	rctx, cancel = e.remote(ctx)
	node, err := e.meta.CreateNode(rctx, database.CreateNodeParams{
		ID:        id,
		OwnerID:   arg.OwnerID,
		ParentID:  arg.ParentID,
		Name:      name,
		NodeType:  models.NodeTypeFile,
		Location:  &location,
		SizeBytes: arg.Size,
		MimeType:  &contentType,
	})
	cancel()
	if err != nil {
		e.deleteBlobs(ctx, []string{key})
		return nil, repoErr("create file node", err)
	}

	e.settle(ctx, arg.ParentID)
	e.log.Info().Str("node_id", node.ID).Int64("owner_id", node.OwnerID).Int64("size_bytes", node.SizeBytes).Msg("file uploaded")
	e.publish(ctx, arg.OwnerID, "file_uploaded", node)
	return node, nil
}

// DownloadFile opens a file's content. The caller must close the reader.
func (e *Engine) DownloadFile(ctx context.Context, fileID string, requesterID int64) (*models.Node, io.ReadCloser, error) {
	node, err := e.authorizeNode(ctx, fileID, requesterID)
	if err != nil {
		return nil, nil, err
	}
	if node.IsFolder() {
		return nil, nil, fmt.Errorf("%w: node %s is a folder", ErrInvalidInput, fileID)
	}
	if node.Location == nil {
		return nil, nil, fmt.Errorf("file %s has no stored content: %w", fileID, ErrNotFound)
	}

	rctx, cancel := e.remote(ctx)
	rc, err := e.blobs.Get(rctx, *node.Location)
	if err != nil {
		cancel()
		return nil, nil, storeErr("get blob", err)
	}
	return node, cancelOnClose{ReadCloser: rc, cancel: cancel}, nil
}

func (e *Engine) GetNode(ctx context.Context, id string, requesterID int64) (*models.Node, error) {
	return e.authorizeNode(ctx, id, requesterID)
}

// ListUserFiles returns every node the owner has, regardless of depth.
func (e *Engine) ListUserFiles(ctx context.Context, ownerID int64, limit, offset int) ([]models.Node, error) {
	limit, offset = clampPage(limit, offset)
	rctx, cancel := e.remote(ctx)
	defer cancel()

	nodes, err := e.meta.ListNodesByOwner(rctx, ownerID, limit, offset)
	if err != nil {
		return nil, repoErr("list nodes", err)
	}
	if nodes == nil {
		nodes = []models.Node{}
	}
	return nodes, nil
}

// ListFolderContents lists the direct children of folderID, or the
// requester's root level when folderID is nil. Folders come first.
func (e *Engine) ListFolderContents(ctx context.Context, folderID *string, requesterID int64, limit, offset int) ([]models.Node, error) {
	if folderID != nil {
		if _, err := e.authorizeFolder(ctx, *folderID, requesterID); err != nil {
			return nil, err
		}
	}
	limit, offset = clampPage(limit, offset)
	rctx, cancel := e.remote(ctx)
	defer cancel()

	nodes, err := e.meta.GetNodesByParentID(rctx, requesterID, folderID, limit, offset)
	if err != nil {
		return nil, repoErr("list folder contents", err)
	}
	if nodes == nil {
		nodes = []models.Node{}
	}
	return nodes, nil
}

// DeleteNode removes a node together with its whole subtree. Blobs are
// deleted after the metadata is gone; failures there only leave orphans.
func (e *Engine) DeleteNode(ctx context.Context, id string, requesterID int64) error {
	node, err := e.authorizeNode(ctx, id, requesterID)
	if err != nil {
		return err
	}

	rctx, cancel := e.remote(ctx)
	locations, err := e.meta.DeleteSubtree(rctx, id, requesterID)
	cancel()
	if err != nil {
		return repoErr("delete subtree", err)
	}

	e.deleteBlobs(ctx, locations)
	e.settle(ctx, node.ParentID)

	e.log.Info().Str("node_id", id).Int("blobs", len(locations)).Msg("node deleted")
	e.publish(ctx, requesterID, "node_deleted", map[string]interface{}{
		"id":        id,
		"parent_id": node.ParentID,
	})
	return nil
}

// MoveNode re-parents a node. Moving a folder into its own subtree is
// rejected. The ancestry check and the update run in one transaction that
// holds the owner's tree lock, so opposite concurrent moves cannot both pass.
func (e *Engine) MoveNode(ctx context.Context, id string, requesterID int64, newParentID *string) (*models.Node, error) {
	node, err := e.authorizeNode(ctx, id, requesterID)
	if err != nil {
		return nil, err
	}
	if newParentID != nil {
		if _, err := e.authorizeFolder(ctx, *newParentID, requesterID); err != nil {
			return nil, err
		}
	}
	if sameParent(node.ParentID, newParentID) {
		return node, nil
	}

	txCtx, cancel := e.remote(ctx)
	defer cancel()
	err = e.meta.InTx(txCtx, func(r Repository) error {
		if err := r.LockOwnerTree(txCtx, requesterID); err != nil {
			return repoErr("lock tree", err)
		}
		if newParentID != nil {
			cycle, err := r.IsDescendantOf(txCtx, id, *newParentID)
			if err != nil {
				return repoErr("check ancestry", err)
			}
			if cycle {
				return fmt.Errorf("%w: cannot move a node into itself or its own subtree", ErrInvalidInput)
			}
		}
		moved, err := r.MoveNode(txCtx, id, requesterID, newParentID)
		if err != nil {
			return repoErr("move node", err)
		}
		if !moved {
			return fmt.Errorf("node %s: %w", id, ErrNotFound)
		}
		return nil
	})
	if err != nil {
		if Kind(err) == nil {
			err = repoErr("move node", err)
		}
		return nil, err
	}

	e.settle(ctx, node.ParentID)
	e.settle(ctx, newParentID)

	updated, err := e.authorizeNode(ctx, id, requesterID)
	if err != nil {
		return nil, err
	}
	e.publish(ctx, requesterID, "node_moved", updated)
	return updated, nil
}

func (e *Engine) RenameNode(ctx context.Context, id string, requesterID int64, name string) (*models.Node, error) {
	name, err := validateName(name)
	if err != nil {
		return nil, err
	}
	if _, err := e.authorizeNode(ctx, id, requesterID); err != nil {
		return nil, err
	}

	rctx, cancel := e.remote(ctx)
	renamed, err := e.meta.RenameNode(rctx, id, requesterID, name)
	cancel()
	if err != nil {
		return nil, repoErr("rename node", err)
	}
	if !renamed {
		return nil, fmt.Errorf("node %s: %w", id, ErrNotFound)
	}

	updated, err := e.authorizeNode(ctx, id, requesterID)
	if err != nil {
		return nil, err
	}
	e.publish(ctx, requesterID, "node_renamed", updated)
	return updated, nil
}

func sameParent(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// exactReader fails once the content turns out longer or shorter than the
// size declared up front. The wrapped reader must be limited to size+1.
type exactReader struct {
	r    io.Reader
	size int64
	read int64
	err  error
}

func (x *exactReader) Read(p []byte) (int, error) {
	if x.err != nil {
		return 0, x.err
	}
	n, err := x.r.Read(p)
	x.read += int64(n)
	switch {
	case x.read > x.size:
		x.err = fmt.Errorf("%w: content is longer than the declared %d bytes", ErrInvalidInput, x.size)
		return n, x.err
	case errors.Is(err, io.EOF) && x.read < x.size:
		x.err = fmt.Errorf("%w: content is shorter than the declared %d bytes", ErrInvalidInput, x.size)
		return n, x.err
	}
	return n, err
}
