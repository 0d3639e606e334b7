// Package uploads tracks source uploads through admission and completion.
// The filesystem inbox serves spool-directory deployments: files dropped
// under inbox/ are admitted, and finished ones are moved to processed/ so a
// rescan never re-admits them.
package uploads

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"docflow/internal/doctext"
	"docflow/pkg/api"
)

// Upload is one admissible source document.
type Upload struct {
	// SourceUploadID identifies the upload for dedup purposes.
	SourceUploadID string
	// DocumentRef locates the bytes in the object store.
	DocumentRef string
	ContentType string
}

// Marker records that an upload's workflow reached the finalizing stage.
type Marker interface {
	// MarkProcessed flips the upload's status. Idempotent.
	MarkProcessed(ctx context.Context, sourceUploadID, workflowID string) error
}

// Inbox lists uploads awaiting admission.
type Inbox interface {
	// Scan returns the pending uploads in a stable order.
	Scan(ctx context.Context) ([]Upload, error)
}

const (
	inboxDir     = "inbox"
	processedDir = "processed"
)

// FilesystemSpool implements Inbox and Marker over a spool directory layout:
// <root>/inbox holds pending uploads, <root>/processed holds finished ones.
// Upload IDs and document references are slash paths relative to root.
type FilesystemSpool struct {
	root string
}

// NewFilesystemSpool creates the spool subdirectories under root.
func NewFilesystemSpool(root string) (*FilesystemSpool, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve spool root: %w", err)
	}
	for _, sub := range []string{inboxDir, processedDir} {
		if err := os.MkdirAll(filepath.Join(abs, sub), 0o750); err != nil {
			return nil, fmt.Errorf("create spool dir %s: %w", sub, err)
		}
	}
	return &FilesystemSpool{root: abs}, nil
}

func (s *FilesystemSpool) Scan(ctx context.Context) ([]Upload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []Upload
	dir := filepath.Join(s.root, inboxDir)
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		contentType, ok := contentTypeFor(p)
		if !ok {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		id := filepath.ToSlash(rel)
		out = append(out, Upload{
			SourceUploadID: id,
			DocumentRef:    path.Join(inboxDir, id),
			ContentType:    contentType,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan inbox: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DocumentRef < out[j].DocumentRef })
	return out, nil
}

func (s *FilesystemSpool) MarkProcessed(ctx context.Context, sourceUploadID, workflowID string) error {
	if err := ctx.Err(); err != nil {
		return api.NewFault(api.Classify(err), "mark_processed", err)
	}
	src := filepath.Join(s.root, inboxDir, filepath.FromSlash(sourceUploadID))
	dst := filepath.Join(s.root, processedDir, filepath.FromSlash(sourceUploadID))
	if _, err := os.Stat(src); os.IsNotExist(err) {
		// Already moved by an earlier attempt.
		if _, derr := os.Stat(dst); derr == nil {
			return nil
		}
		return api.NewFault(api.FaultNotFound, "mark_processed",
			fmt.Errorf("upload %s not found in spool", sourceUploadID))
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return api.NewFault(api.FaultTransient, "mark_processed",
			fmt.Errorf("create processed dir: %w", err))
	}
	if err := os.Rename(src, dst); err != nil {
		return api.NewFault(api.FaultTransient, "mark_processed",
			fmt.Errorf("move upload %s: %w", sourceUploadID, err))
	}
	return nil
}

func contentTypeFor(p string) (string, bool) {
	switch strings.ToLower(filepath.Ext(p)) {
	case ".csv":
		return doctext.ContentTypeCSV, true
	case ".pdf":
		return doctext.ContentTypePDF, true
	}
	return "", false
}

// MemoryMarker records processed uploads in memory. For tests.
type MemoryMarker struct {
	mu        sync.Mutex
	processed map[string]string
}

func NewMemoryMarker() *MemoryMarker {
	return &MemoryMarker{processed: make(map[string]string)}
}

func (m *MemoryMarker) MarkProcessed(_ context.Context, sourceUploadID, workflowID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processed[sourceUploadID] = workflowID
	return nil
}

// Processed reports whether an upload has been marked, and by which workflow.
func (m *MemoryMarker) Processed(sourceUploadID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.processed[sourceUploadID]
	return id, ok
}
