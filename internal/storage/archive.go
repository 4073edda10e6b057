package storage

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fit2garmin/gateway/internal/ratelimit"
)

// FileArchive implements the bulk archive tier on the local filesystem.
// Keys map to paths under the root, prefixes to directories. It serves the
// append-only analytics batches; no live reads depend on it.
type FileArchive struct {
	root string
}

// NewFileArchive creates the archive root if needed.
func NewFileArchive(root string) (*FileArchive, error) {
	if root == "" {
		return nil, fmt.Errorf("archive root cannot be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive root: %w", err)
	}
	return &FileArchive{root: root}, nil
}

func (a *FileArchive) pathFor(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid archive key %q", key)
	}
	return filepath.Join(a.root, clean), nil
}

// Put writes one object, creating parent directories as needed.
func (a *FileArchive) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := a.pathFor(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("archive put %s: %w", key, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("archive put %s: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("archive put %s: %w", key, err)
	}
	return nil
}

// Get reads one object.
func (a *FileArchive) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := a.pathFor(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("archive get %s: %w", key, err)
	}
	return data, nil
}

// List returns the keys under a prefix, sorted.
func (a *FileArchive) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var keys []string
	err := filepath.WalkDir(a.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(path, ".tmp") {
			return nil
		}
		rel, err := filepath.Rel(a.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("archive list %s: %w", prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Ping verifies the archive root is writable.
func (a *FileArchive) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	info, err := os.Stat(a.root)
	if err != nil {
		return fmt.Errorf("archive unavailable: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("archive root %s is not a directory", a.root)
	}
	return nil
}

var _ ratelimit.BulkArchive = (*FileArchive)(nil)
