package drive

import (
	"context"
	"errors"
	"fmt"
	"magazyn-plikow/internal/database"
	"magazyn-plikow/internal/storage"
)

// Error kinds returned by the engine. Every error leaving the package wraps
// exactly one of these (PartialFailure additionally wraps its cause).
var (
	ErrInvalidInput          = errors.New("invalid input")
	ErrInvalidArchive        = fmt.Errorf("%w: malformed archive", ErrInvalidInput)
	ErrSizeLimitExceeded     = errors.New("file size limit exceeded")
	ErrForbidden             = errors.New("forbidden")
	ErrNotFound              = errors.New("not found")
	ErrEmptyFolder           = fmt.Errorf("%w: folder contains no files", ErrNotFound)
	ErrNameConflict          = errors.New("a node with the same name already exists in this folder")
	ErrStoreUnavailable      = errors.New("blob store unavailable")
	ErrRepositoryUnavailable = errors.New("metadata repository unavailable")
	ErrPartialFailure        = errors.New("batch operation failed and was rolled back")
	ErrCorruptTree           = errors.New("folder hierarchy contains a cycle")
)

var kinds = []error{
	ErrSizeLimitExceeded,
	ErrInvalidArchive,
	ErrInvalidInput,
	ErrForbidden,
	ErrEmptyFolder,
	ErrNotFound,
	ErrNameConflict,
	ErrPartialFailure,
	ErrStoreUnavailable,
	ErrRepositoryUnavailable,
	ErrCorruptTree,
}

// Kind returns the most specific error kind wrapped by err, or nil when err
// carries none (cancellation, programming errors).
func Kind(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

func repoErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, database.ErrDuplicateNodeName):
		return fmt.Errorf("%s: %w", op, ErrNameConflict)
	case errors.Is(err, database.ErrParentNotFound):
		return fmt.Errorf("%s: parent folder: %w", op, ErrNotFound)
	case errors.Is(err, database.ErrInvalidText):
		return fmt.Errorf("%s: %w", op, ErrInvalidInput)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%s: %w", op, err)
	default:
		return fmt.Errorf("%w: %s: %v", ErrRepositoryUnavailable, op, err)
	}
}

func storeErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrObjectNotFound):
		return fmt.Errorf("%s: blob: %w", op, ErrNotFound)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%s: %w", op, err)
	default:
		return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
	}
}
