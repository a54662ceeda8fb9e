package drive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"magazyn-plikow/internal/database"
	"magazyn-plikow/internal/models"
	"os"
	"path"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zip"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

type plannedFile struct {
	params  database.CreateNodeParams
	absPath string
	relPath string
}

type ingestPlan struct {
	folders []database.CreateNodeParams
	files   []plannedFile
	bytes   int64
}

// IngestArchive unpacks a ZIP archive below destParentID (nil for the
// owner's root), uploads every file and commits the matching subtree.
// Either the whole archive lands or nothing does.
func (e *Engine) IngestArchive(ctx context.Context, ownerID int64, archive io.ReaderAt, archiveSize int64, destParentID *string) (nodes []models.Node, err error) {
	batchID := uuid.NewString()
	log := e.log.With().Str("batch_id", batchID).Int64("owner_id", ownerID).Logger()
	started := time.Now()

	defer func() {
		ingestionsTotal.WithLabelValues(resultLabel(err)).Inc()
		if err != nil {
			log.Warn().Err(err).Msg("archive ingestion failed")
		}
	}()

	if destParentID != nil {
		if _, err := e.authorizeFolder(ctx, *destParentID, ownerID); err != nil {
			return nil, err
		}
	}

	zr, err := zip.NewReader(archive, archiveSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}

	stage, err := newStagingArea(e.opts.StagingDir, "ingest-", log)
	if err != nil {
		return nil, err
	}
	defer stage.Release()

	if err := stage.unpack(ctx, zr, e.opts.MaxFileSize); err != nil {
		return nil, err
	}
	tree, err := stage.scan(ctx)
	if err != nil {
		return nil, err
	}
	if len(tree.Dirs) == 0 && len(tree.Files) == 0 {
		log.Info().Msg("empty archive, nothing to ingest")
		return []models.Node{}, nil
	}

	plan := e.planSubtree(ownerID, destParentID, tree)

	attempted, err := e.uploadAll(ctx, log, plan.files)
	if err != nil {
		e.deleteBlobs(ctx, attempted)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %w", ErrPartialFailure, err)
	}

	created, err := e.commitPlan(ctx, plan)
	if err != nil {
		e.deleteBlobs(ctx, attempted)
		return nil, err
	}

	// Deepest folders first so each parent sums already settled children.
	for i := len(plan.folders) - 1; i >= 0; i-- {
		if _, aggErr := e.aggregator.RecomputeFolder(ctx, plan.folders[i].ID); aggErr != nil {
			aggregationFailuresTotal.Inc()
			log.Warn().Err(aggErr).Str("folder_id", plan.folders[i].ID).Msg("folder size aggregation failed, retry required")
			break
		}
	}
	e.settle(ctx, destParentID)

	nodes = e.refreshFolders(ctx, created, len(plan.folders))

	ingestedFilesTotal.Add(float64(len(plan.files)))
	ingestedBytesTotal.Add(float64(plan.bytes))
	log.Info().
		Int("folders", len(plan.folders)).
		Int("files", len(plan.files)).
		Int64("bytes", plan.bytes).
		Dur("took", time.Since(started)).
		Msg("archive ingested")

	e.publish(ctx, ownerID, "folder_uploaded", map[string]interface{}{
		"batch_id":  batchID,
		"parent_id": destParentID,
		"nodes":     nodes,
	})

	return nodes, nil
}

// planSubtree assigns ids to every staged directory and file. Directories
// come sorted, so a parent is always planned before its children.
func (e *Engine) planSubtree(ownerID int64, destParentID *string, tree *stagedTree) *ingestPlan {
	plan := &ingestPlan{}
	folderIDs := make(map[string]string, len(tree.Dirs))

	parentOf := func(rel string) *string {
		dir := path.Dir(rel)
		if dir == "." {
			return destParentID
		}
		id := folderIDs[dir]
		return &id
	}

	for _, dir := range tree.Dirs {
		if _, ok := folderIDs[dir]; ok {
			continue
		}
		id := e.newID()
		plan.folders = append(plan.folders, database.CreateNodeParams{
			ID:       id,
			OwnerID:  ownerID,
			ParentID: parentOf(dir),
			Name:     path.Base(dir),
			NodeType: models.NodeTypeFolder,
		})
		folderIDs[dir] = id
	}

	for _, f := range tree.Files {
		plan.files = append(plan.files, plannedFile{
			params: database.CreateNodeParams{
				ID:        e.newID(),
				OwnerID:   ownerID,
				ParentID:  parentOf(f.RelPath),
				Name:      path.Base(f.RelPath),
				NodeType:  models.NodeTypeFile,
				SizeBytes: f.Size,
			},
			absPath: f.AbsPath,
			relPath: f.RelPath,
		})
		plan.bytes += f.Size
	}

	return plan
}

// uploadAll puts every planned file into the blob store with bounded
// concurrency. It returns the keys of every upload that was started, so the
// caller can roll them back, and the first error.
func (e *Engine) uploadAll(ctx context.Context, log zerolog.Logger, files []plannedFile) ([]string, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.UploadConcurrency)

	var mu sync.Mutex
	attempted := make([]string, 0, len(files))

	for i := range files {
		f := &files[i]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			key := objectKey(f.params.OwnerID, f.params.ID)
			mu.Lock()
			attempted = append(attempted, key)
			mu.Unlock()

			location, contentType, err := e.uploadStaged(gctx, key, f.absPath, f.params.SizeBytes)
			if err != nil {
				return fmt.Errorf("upload %s: %w", f.relPath, err)
			}

			f.params.Location = &location
			f.params.MimeType = &contentType
			log.Debug().Str("path", f.relPath).Str("key", key).Msg("file uploaded")
			return nil
		})
	}

	err := g.Wait()
	if err != nil && errors.Is(err, context.Canceled) && ctx.Err() != nil {
		err = ctx.Err()
	}
	return attempted, err
}

func (e *Engine) uploadStaged(ctx context.Context, key, absPath string, size int64) (string, string, error) {
	contentType := "application/octet-stream"
	if mtype, err := mimetype.DetectFile(absPath); err == nil {
		contentType = mtype.String()
	}

	file, err := os.Open(absPath)
	if err != nil {
		return "", "", err
	}
	defer file.Close()

	rctx, cancel := e.remote(ctx)
	defer cancel()

	started := time.Now()
	location, err := e.blobs.Put(rctx, key, file, size, contentType)
	blobTransferDuration.WithLabelValues("put").Observe(time.Since(started).Seconds())
	if err != nil {
		return "", "", storeErr("put blob", err)
	}
	return location, contentType, nil
}

// commitPlan writes the whole subtree in one transaction, folders first.
func (e *Engine) commitPlan(ctx context.Context, plan *ingestPlan) ([]models.Node, error) {
	created := make([]models.Node, 0, len(plan.folders)+len(plan.files))
	statements := len(plan.folders) + len(plan.files)
	txCtx, cancel := context.WithTimeout(ctx, e.opts.RemoteTimeout*time.Duration(1+statements/100))
	defer cancel()

	err := e.meta.InTx(txCtx, func(r Repository) error {
		create := func(params database.CreateNodeParams) error {
			rctx, cancel := e.remote(txCtx)
			defer cancel()
			node, err := r.CreateNode(rctx, params)
			if err != nil {
				return repoErr("create node "+params.Name, err)
			}
			created = append(created, *node)
			return nil
		}

		for _, folder := range plan.folders {
			if err := create(folder); err != nil {
				return err
			}
		}
		for _, f := range plan.files {
			if err := create(f.params); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if Kind(err) == nil {
			err = repoErr("commit subtree", err)
		}
		return nil, err
	}
	return created, nil
}

// refreshFolders re-reads the first n nodes (the folders) to pick up their
// aggregated sizes. A failed read keeps the committed copy.
func (e *Engine) refreshFolders(ctx context.Context, nodes []models.Node, n int) []models.Node {
	for i := 0; i < n && i < len(nodes); i++ {
		rctx, cancel := e.remote(ctx)
		fresh, err := e.meta.GetNodeByID(rctx, nodes[i].ID)
		cancel()
		if err == nil && fresh != nil {
			nodes[i] = *fresh
		}
	}
	return nodes
}
