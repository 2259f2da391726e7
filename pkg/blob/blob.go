// Package blob archives raw report uploads. Blobs are written once
// under a streamer-scoped key and read back by the chopped-report and
// reprocessing paths; rejected uploads land under errors/ for forensics.
package blob

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Store is a write-once blob store.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// ReportKey builds the archive key for an accepted upload.
func ReportKey(streamerSlug string, receivedAt time.Time, ext string) string {
	return fmt.Sprintf("%s/%s/%s%s",
		streamerSlug,
		receivedAt.UTC().Format("2006/01/02/15"),
		uuid.NewString(),
		ext,
	)
}

// ErrorKey builds the archive key for a rejected upload.
func ErrorKey(receivedAt time.Time, ext string) string {
	return fmt.Sprintf("errors/%s/%s%s",
		receivedAt.UTC().Format("2006/01/02/15"),
		uuid.NewString(),
		ext,
	)
}

// LocalStore keeps blobs on the local filesystem, for development and
// tests.
type LocalStore struct {
	root string
}

func NewLocalStore(root string) (*LocalStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob root: %w", err)
	}
	return &LocalStore{root: root}, nil
}

func (l *LocalStore) path(key string) (string, error) {
	clean := filepath.Clean(key)
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	return filepath.Join(l.root, clean), nil
}

func (l *LocalStore) Put(ctx context.Context, key string, data []byte) error {
	p, err := l.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("failed to create blob dir: %w", err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return fmt.Errorf("failed to write blob: %w", err)
	}
	return nil
}

func (l *LocalStore) Get(ctx context.Context, key string) ([]byte, error) {
	p, err := l.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}
	return data, nil
}
