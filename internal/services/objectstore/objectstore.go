// Package objectstore reads uploaded document bytes by reference. The
// filesystem implementation serves single-host deployments where uploads
// land in a spool directory; the interface leaves room for blob backends.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"docflow/pkg/api"
)

// Store reads document contents by their upload reference.
type Store interface {
	// Download returns the bytes for a document reference. A reference
	// that does not exist is a not-found fault.
	Download(ctx context.Context, ref string) ([]byte, error)
}

// FilesystemStore resolves references as paths relative to a root
// directory. References may not escape the root.
type FilesystemStore struct {
	root string
}

// NewFilesystemStore returns a store rooted at dir.
func NewFilesystemStore(dir string) (*FilesystemStore, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve object root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("object root %s: %w", abs, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("object root %s is not a directory", abs)
	}
	return &FilesystemStore{root: abs}, nil
}

func (s *FilesystemStore) Download(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, api.NewFault(api.Classify(err), "download", err)
	}

	path := filepath.Join(s.root, filepath.FromSlash(ref))
	if !strings.HasPrefix(path, s.root+string(filepath.Separator)) {
		return nil, api.NewFault(api.FaultValidation, "download",
			fmt.Errorf("reference %q escapes object root", ref))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, api.NewFault(api.FaultNotFound, "download",
				fmt.Errorf("document %q: %w", ref, err))
		}
		return nil, api.NewFault(api.FaultTransient, "download",
			fmt.Errorf("read document %q: %w", ref, err))
	}
	return data, nil
}
