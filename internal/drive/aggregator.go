package drive

import (
	"context"
	"fmt"
	"magazyn-plikow/internal/models"
	"time"

	"github.com/rs/zerolog"
)

// Aggregator keeps folder sizes equal to the sum of their children. It
// always recomputes from the stored child sizes instead of applying deltas,
// so repeated or reordered runs converge on the same totals.
type Aggregator struct {
	repo    Repository
	locks   *keyLock
	timeout time.Duration
	log     zerolog.Logger
}

func NewAggregator(repo Repository, timeout time.Duration, logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		repo:    repo,
		locks:   newKeyLock(),
		timeout: timeout,
		log:     logger.With().Str("component", "aggregator").Logger(),
	}
}

// RecomputeFolder stores the sum of the direct children's sizes on folderID.
// Runs for the same folder are serialized.
func (a *Aggregator) RecomputeFolder(ctx context.Context, folderID string) (int64, error) {
	unlock := a.locks.Lock(folderID)
	defer unlock()

	sumCtx, cancel := context.WithTimeout(ctx, a.timeout)
	total, err := a.repo.SumChildSizes(sumCtx, folderID)
	cancel()
	if err != nil {
		return 0, repoErr("sum child sizes", err)
	}

	updCtx, cancel := context.WithTimeout(ctx, a.timeout)
	updated, err := a.repo.UpdateNodeSize(updCtx, folderID, total)
	cancel()
	if err != nil {
		return 0, repoErr("update folder size", err)
	}
	if !updated {
		return 0, fmt.Errorf("folder %s: %w", folderID, ErrNotFound)
	}

	a.log.Debug().Str("folder_id", folderID).Int64("size_bytes", total).Msg("folder size recomputed")
	return total, nil
}

// RecomputeAncestors walks from nodeID to the root, recomputing every folder
// on the way. nodeID itself is recomputed when it is a folder. The first
// failure stops the walk; folders above it keep their old size until the
// caller retries.
func (a *Aggregator) RecomputeAncestors(ctx context.Context, nodeID string) error {
	node, err := a.getNode(ctx, nodeID)
	if err != nil {
		return err
	}
	if node == nil {
		return fmt.Errorf("node %s: %w", nodeID, ErrNotFound)
	}

	var current *string
	if node.IsFolder() {
		current = &node.ID
	} else {
		current = node.ParentID
	}

	visited := make(map[string]struct{})
	for current != nil {
		folderID := *current
		if _, seen := visited[folderID]; seen {
			return fmt.Errorf("folder %s: %w", folderID, ErrCorruptTree)
		}
		visited[folderID] = struct{}{}

		folder, err := a.getNode(ctx, folderID)
		if err != nil {
			return err
		}
		if folder == nil {
			// Removed while we were walking up; nothing above it is ours anymore.
			a.log.Debug().Str("folder_id", folderID).Msg("ancestor disappeared during recompute")
			return nil
		}

		if _, err := a.RecomputeFolder(ctx, folderID); err != nil {
			return err
		}
		current = folder.ParentID
	}

	return nil
}

func (a *Aggregator) getNode(ctx context.Context, id string) (*models.Node, error) {
	getCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	node, err := a.repo.GetNodeByID(getCtx, id)
	if err != nil {
		return nil, repoErr("get node", err)
	}
	return node, nil
}
