// Package drive is the hierarchical storage engine: it keeps the node tree
// and its folder sizes consistent while moving file content in and out of
// the blob store, one file at a time or as whole archives.
package drive

import (
	"context"
	"fmt"
	"io"
	"magazyn-plikow/internal/models"
	"magazyn-plikow/internal/storage"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/jaevor/go-nanoid"
	"github.com/rs/zerolog"
)

const (
	DefaultMaxFileSize         int64 = 50 << 20
	DefaultUploadConcurrency         = 8
	DefaultDownloadConcurrency       = 4
	DefaultRemoteTimeout             = 30 * time.Second

	defaultPageSize = 50
	maxPageSize     = 1000
	maxNameLength   = 255
	idLength        = 21
)

// Publisher pushes serialized events to a user's live connections.
type Publisher interface {
	PublishEvent(userID int64, eventData []byte)
}

type Options struct {
	MaxFileSize         int64
	UploadConcurrency   int
	DownloadConcurrency int
	RemoteTimeout       time.Duration
	// StagingDir is the parent of per-request staging directories; empty
	// means the OS temp dir.
	StagingDir string
	Logger     zerolog.Logger
	Publisher  Publisher
}

type Engine struct {
	meta       Metadata
	blobs      storage.BlobStore
	aggregator *Aggregator
	opts       Options
	log        zerolog.Logger

	idMu       sync.Mutex
	generateID func() string
}

func New(meta Metadata, blobs storage.BlobStore, opts Options) (*Engine, error) {
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = DefaultMaxFileSize
	}
	if opts.UploadConcurrency <= 0 {
		opts.UploadConcurrency = DefaultUploadConcurrency
	}
	if opts.DownloadConcurrency <= 0 {
		opts.DownloadConcurrency = DefaultDownloadConcurrency
	}
	if opts.RemoteTimeout <= 0 {
		opts.RemoteTimeout = DefaultRemoteTimeout
	}

	generateID, err := nanoid.Standard(idLength)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize nanoid generator: %w", err)
	}

	logger := opts.Logger.With().Str("component", "drive").Logger()

	return &Engine{
		meta:       meta,
		blobs:      blobs,
		aggregator: NewAggregator(meta, opts.RemoteTimeout, opts.Logger),
		opts:       opts,
		log:        logger,
		generateID: generateID,
	}, nil
}

func (e *Engine) Aggregator() *Aggregator {
	return e.aggregator
}

func (e *Engine) MaxFileSize() int64 {
	return e.opts.MaxFileSize
}

func (e *Engine) remote(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.opts.RemoteTimeout)
}

func (e *Engine) newID() string {
	e.idMu.Lock()
	defer e.idMu.Unlock()
	return e.generateID()
}

func (e *Engine) generateUniqueID(ctx context.Context) (string, error) {
	maxRetries := 10

	for i := 0; i < maxRetries; i++ {
		id := e.newID()
		rctx, cancel := e.remote(ctx)
		exists, err := e.meta.NodeExists(rctx, id)
		cancel()
		if err != nil {
			return "", repoErr("check node existence", err)
		}
		if !exists {
			return id, nil
		}
	}

	return "", fmt.Errorf("%w: failed to generate a unique ID after %d attempts", ErrRepositoryUnavailable, maxRetries)
}

func objectKey(ownerID int64, nodeID string) string {
	return fmt.Sprintf("%d/%s", ownerID, nodeID)
}

func (e *Engine) authorizeNode(ctx context.Context, id string, requesterID int64) (*models.Node, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: node id is required", ErrInvalidInput)
	}
	rctx, cancel := e.remote(ctx)
	defer cancel()

	node, err := e.meta.GetNodeByID(rctx, id)
	if err != nil {
		return nil, repoErr("get node", err)
	}
	if node == nil {
		return nil, fmt.Errorf("node %s: %w", id, ErrNotFound)
	}
	if node.OwnerID != requesterID {
		return nil, fmt.Errorf("node %s: %w", id, ErrForbidden)
	}
	return node, nil
}

func (e *Engine) authorizeFolder(ctx context.Context, id string, requesterID int64) (*models.Node, error) {
	node, err := e.authorizeNode(ctx, id, requesterID)
	if err != nil {
		return nil, err
	}
	if !node.IsFolder() {
		return nil, fmt.Errorf("%w: node %s is not a folder", ErrInvalidInput, id)
	}
	return node, nil
}

func validateName(name string) (string, error) {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return "", fmt.Errorf("%w: name cannot be empty", ErrInvalidInput)
	case name == "." || name == "..":
		return "", fmt.Errorf("%w: name %q is reserved", ErrInvalidInput, name)
	case !utf8.ValidString(name):
		return "", fmt.Errorf("%w: name %q is not valid UTF-8", ErrInvalidInput, name)
	case strings.ContainsAny(name, "/\\\x00"):
		return "", fmt.Errorf("%w: name %q contains a path separator", ErrInvalidInput, name)
	case len(name) > maxNameLength:
		return "", fmt.Errorf("%w: name is longer than %d bytes", ErrInvalidInput, maxNameLength)
	}
	return name, nil
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// RecomputeAncestors re-aggregates the folders from nodeID up to the root.
// It is the retry entry point after an aggregation failure.
func (e *Engine) RecomputeAncestors(ctx context.Context, nodeID string, requesterID int64) error {
	if _, err := e.authorizeNode(ctx, nodeID, requesterID); err != nil {
		return err
	}
	return e.aggregator.RecomputeAncestors(ctx, nodeID)
}

// settle folds size changes below nodeID into its ancestors. Failures are
// logged and counted rather than returned because the triggering write is
// already committed; RecomputeAncestors repairs the chain later.
func (e *Engine) settle(ctx context.Context, nodeID *string) {
	if nodeID == nil {
		return
	}
	if err := e.aggregator.RecomputeAncestors(ctx, *nodeID); err != nil {
		aggregationFailuresTotal.Inc()
		e.log.Warn().Err(err).Str("node_id", *nodeID).Msg("folder size aggregation failed, retry required")
	}
}

// deleteBlobs removes blobs best-effort. It runs on a context detached from
// the caller's cancellation so that aborted requests still clean up.
func (e *Engine) deleteBlobs(ctx context.Context, keys []string) {
	if len(keys) == 0 {
		return
	}
	base := context.WithoutCancel(ctx)
	for _, key := range keys {
		dctx, cancel := e.remote(base)
		err := e.blobs.Delete(dctx, key)
		cancel()
		if err != nil {
			orphanBlobsTotal.Inc()
			e.log.Warn().Err(err).Str("key", key).Msg("failed to delete blob")
		}
	}
}

func (e *Engine) publish(ctx context.Context, userID int64, eventType string, payload interface{}) {
	rctx, cancel := e.remote(context.WithoutCancel(ctx))
	defer cancel()

	eventBytes, err := e.meta.LogEvent(rctx, userID, eventType, payload)
	if err != nil {
		e.log.Warn().Err(err).Str("event_type", eventType).Msg("failed to log event")
		return
	}
	if e.opts.Publisher != nil {
		e.opts.Publisher.PublishEvent(userID, eventBytes)
	}
}

// cancelOnClose ties a context's lifetime to a stream handed to the caller.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
