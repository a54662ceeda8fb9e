package drive

import (
	"context"
	"fmt"
	"io"
	"magazyn-plikow/internal/models"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zip"
	"golang.org/x/sync/semaphore"
)

type fetchResult struct {
	path string
	err  error
}

// ExtractFolder streams a ZIP of every file below folderID into w. Entries
// are ordered by path and carry the node creation time, so the same tree
// always produces the same bytes. Blobs are fetched concurrently but at most
// DownloadConcurrency of them are held in staging at once.
//
// On failure the archive is left without its central directory; callers
// that already sent bytes must abort the response instead of finishing it.
func (e *Engine) ExtractFolder(ctx context.Context, folderID string, requesterID int64, w io.Writer) (err error) {
	log := e.log.With().
		Str("batch_id", uuid.NewString()).
		Str("folder_id", folderID).
		Int64("requester_id", requesterID).
		Logger()
	started := time.Now()

	defer func() {
		extractionsTotal.WithLabelValues(resultLabel(err)).Inc()
		if err != nil {
			log.Warn().Err(err).Msg("folder extraction failed")
		}
	}()

	if _, err := e.authorizeFolder(ctx, folderID, requesterID); err != nil {
		return err
	}

	lctx, cancel := e.remote(ctx)
	files, err := e.meta.ListDescendantFiles(lctx, folderID)
	cancel()
	if err != nil {
		return repoErr("list descendant files", err)
	}
	if len(files) == 0 {
		return fmt.Errorf("folder %s: %w", folderID, ErrEmptyFolder)
	}
	sortByPath(files)

	stage, err := newStagingArea(e.opts.StagingDir, "extract-", log)
	if err != nil {
		return err
	}

	fetchCtx, cancelFetch := context.WithCancel(ctx)
	sem := semaphore.NewWeighted(int64(e.opts.DownloadConcurrency))
	results := make([]chan fetchResult, len(files))
	for i := range results {
		results[i] = make(chan fetchResult, 1)
	}

	var wg sync.WaitGroup
	producerDone := make(chan struct{})
	go func() {
		defer close(producerDone)
		for i := range files {
			if err := sem.Acquire(fetchCtx, 1); err != nil {
				for j := i; j < len(files); j++ {
					results[j] <- fetchResult{err: err}
				}
				return
			}
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				p, err := e.fetchToStage(fetchCtx, stage, &files[i])
				results[i] <- fetchResult{path: p, err: err}
			}(i)
		}
	}()

	defer func() {
		cancelFetch()
		<-producerDone
		wg.Wait()
		stage.Release()
	}()

	zw := zip.NewWriter(w)
	var written int64
	for i := range files {
		res := <-results[i]
		if res.err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %w", ErrPartialFailure, res.err)
		}

		n, err := writeEntry(zw, &files[i], res.path)
		sem.Release(1)
		if err != nil {
			return fmt.Errorf("write archive entry %s: %w", files[i].RelPath, err)
		}
		written += n
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("finish archive: %w", err)
	}

	log.Info().
		Int("files", len(files)).
		Int64("bytes", written).
		Dur("took", time.Since(started)).
		Msg("folder extracted")
	return nil
}

func (e *Engine) fetchToStage(ctx context.Context, stage *stagingArea, f *models.DescendantFile) (string, error) {
	if f.Location == nil {
		return "", fmt.Errorf("file %s has no stored content: %w", f.RelPath, ErrNotFound)
	}

	rctx, cancel := e.remote(ctx)
	defer cancel()

	started := time.Now()
	rc, err := e.blobs.Get(rctx, *f.Location)
	if err != nil {
		return "", storeErr("get blob "+f.RelPath, err)
	}
	defer rc.Close()

	p, n, err := stage.spool(rctx, rc)
	blobTransferDuration.WithLabelValues("get").Observe(time.Since(started).Seconds())
	if err != nil {
		return "", storeErr("read blob "+f.RelPath, err)
	}
	if n != f.SizeBytes {
		os.Remove(p)
		return "", fmt.Errorf("%w: blob %s has %d bytes, expected %d", ErrStoreUnavailable, f.RelPath, n, f.SizeBytes)
	}
	return p, nil
}

func writeEntry(zw *zip.Writer, f *models.DescendantFile, stagedPath string) (int64, error) {
	src, err := os.Open(stagedPath)
	if err != nil {
		return 0, err
	}
	defer func() {
		src.Close()
		os.Remove(stagedPath)
	}()

	header := &zip.FileHeader{
		Name:     f.RelPath,
		Method:   zip.Deflate,
		Modified: f.CreatedAt.UTC(),
	}
	header.SetMode(0o644)

	hw, err := zw.CreateHeader(header)
	if err != nil {
		return 0, err
	}
	return io.Copy(hw, src)
}

// sortByPath orders files by their path segments, so "a/x" sorts before
// "a-b/x" regardless of byte order between '/' and other characters.
func sortByPath(files []models.DescendantFile) {
	sort.SliceStable(files, func(i, j int) bool {
		a := strings.Split(files[i].RelPath, "/")
		b := strings.Split(files[j].RelPath, "/")
		for k := 0; k < len(a) && k < len(b); k++ {
			if a[k] != b[k] {
				return a[k] < b[k]
			}
		}
		return len(a) < len(b)
	})
}
