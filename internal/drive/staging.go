package drive

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"magazyn-plikow/internal/storage"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/charlievieth/fastwalk"
	"github.com/klauspost/compress/zip"
	"github.com/rs/zerolog"
)

// stagingArea is a private scratch directory owned by a single request.
type stagingArea struct {
	dir string
	log zerolog.Logger
}

func newStagingArea(parent, prefix string, logger zerolog.Logger) (*stagingArea, error) {
	if parent != "" {
		if err := os.MkdirAll(parent, 0o700); err != nil {
			return nil, fmt.Errorf("create staging root: %w", err)
		}
	}
	dir, err := os.MkdirTemp(parent, prefix)
	if err != nil {
		return nil, fmt.Errorf("create staging area: %w", err)
	}
	return &stagingArea{dir: dir, log: logger}, nil
}

func (s *stagingArea) Release() {
	if err := os.RemoveAll(s.dir); err != nil {
		s.log.Warn().Err(err).Str("dir", s.dir).Msg("failed to remove staging area")
	}
}

type stagedFile struct {
	RelPath string
	AbsPath string
	Size    int64
}

type stagedTree struct {
	Dirs  []string
	Files []stagedFile
}

// entryPath normalizes an archive entry name to a clean relative slash path
// and rejects names that would land outside the staging root.
func entryPath(name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	if strings.HasPrefix(name, "/") || (len(name) >= 2 && name[1] == ':') {
		return "", fmt.Errorf("%w: absolute entry path %q", ErrInvalidArchive, name)
	}
	cleaned := path.Clean(name)
	if cleaned == "." {
		return "", nil
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: entry %q escapes the archive root", ErrInvalidArchive, name)
	}
	for _, part := range strings.Split(cleaned, "/") {
		if _, err := validateName(part); err != nil || strings.TrimSpace(part) != part {
			return "", fmt.Errorf("%w: invalid entry name %q", ErrInvalidArchive, name)
		}
	}
	return cleaned, nil
}

// unpack extracts every directory and regular file of zr into the staging
// area. Symlinks and other special entries are skipped.
func (s *stagingArea) unpack(ctx context.Context, zr *zip.Reader, maxFileSize int64) error {
	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := entryPath(f.Name)
		if err != nil {
			return err
		}
		if rel == "" {
			continue
		}
		dest := filepath.Join(s.dir, filepath.FromSlash(rel))

		mode := f.Mode()
		if mode.IsDir() || strings.HasSuffix(f.Name, "/") {
			if err := os.MkdirAll(dest, 0o700); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidArchive, err)
			}
			continue
		}
		if !mode.IsRegular() {
			s.log.Debug().Str("entry", f.Name).Msg("skipping non-regular archive entry")
			continue
		}
		if f.UncompressedSize64 > uint64(maxFileSize) {
			return fmt.Errorf("%w: %s is larger than %d bytes", ErrSizeLimitExceeded, rel, maxFileSize)
		}

		if err := os.MkdirAll(filepath.Dir(dest), 0o700); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidArchive, err)
		}
		if err := s.extractEntry(ctx, f, dest, rel, maxFileSize); err != nil {
			return err
		}
	}
	return nil
}

func (s *stagingArea) extractEntry(ctx context.Context, f *zip.File, dest, rel string, maxFileSize int64) error {
	src, err := f.Open()
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrInvalidArchive, rel, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}
	defer dst.Close()

	// The header size can lie; never write more than the limit allows.
	n, err := io.Copy(dst, io.LimitReader(storage.ContextReader(ctx, src), maxFileSize+1))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: read %s: %v", ErrInvalidArchive, rel, err)
	}
	if n > maxFileSize {
		return fmt.Errorf("%w: %s is larger than %d bytes", ErrSizeLimitExceeded, rel, maxFileSize)
	}
	return nil
}

// scan lists the staged directories and regular files, both sorted by
// relative path so that every directory precedes its contents.
func (s *stagingArea) scan(ctx context.Context) (*stagedTree, error) {
	var mu sync.Mutex
	tree := &stagedTree{}

	conf := fastwalk.Config{Follow: false}
	err := fastwalk.Walk(&conf, s.dir, func(p string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			return err
		}
		if p == s.dir {
			return nil
		}

		rel, err := filepath.Rel(s.dir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		switch {
		case d.IsDir():
			mu.Lock()
			tree.Dirs = append(tree.Dirs, rel)
			mu.Unlock()
		case d.Type().IsRegular():
			info, err := d.Info()
			if err != nil {
				return err
			}
			mu.Lock()
			tree.Files = append(tree.Files, stagedFile{RelPath: rel, AbsPath: p, Size: info.Size()})
			mu.Unlock()
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk staging area: %w", err)
	}

	sort.Strings(tree.Dirs)
	sort.Slice(tree.Files, func(i, j int) bool { return tree.Files[i].RelPath < tree.Files[j].RelPath })
	return tree, nil
}

// spool copies r into a new file inside the staging area and returns its path.
func (s *stagingArea) spool(ctx context.Context, r io.Reader) (string, int64, error) {
	f, err := os.CreateTemp(s.dir, "blob-*")
	if err != nil {
		return "", 0, err
	}
	n, err := io.Copy(f, storage.ContextReader(ctx, r))
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(f.Name())
		return "", 0, err
	}
	return f.Name(), n, nil
}
