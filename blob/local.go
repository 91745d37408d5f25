package blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// LocalStore reads objects from the filesystem. Relative paths are
// resolved against Root; with an empty Root they are resolved against the
// working directory.
type LocalStore struct {
	Root    string
	MaxSize int64
}

var _ Store = (*LocalStore)(nil)

// NewLocalStore creates a LocalStore rooted at root.
func NewLocalStore(root string) *LocalStore {
	return &LocalStore{Root: root, MaxSize: DefaultMaxSize}
}

func (l *LocalStore) resolve(path string) (string, error) {
	p := filepath.Clean(filepath.FromSlash(path))
	if l.Root == "" || filepath.IsAbs(p) {
		return p, nil
	}
	if p == ".." || strings.HasPrefix(p, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s escapes the store root", ErrInvalidPath, path)
	}
	return filepath.Join(l.Root, p), nil
}

// Fetch reads the whole file at path.
func (l *LocalStore) Fetch(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkPath(path); err != nil {
		return nil, err
	}
	full, err := l.resolve(path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("docpipe/blob: stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrInvalidPath, path)
	}
	if err := checkSize(path, info.Size(), l.MaxSize); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("docpipe/blob: read %s: %w", path, err)
	}
	return data, nil
}
