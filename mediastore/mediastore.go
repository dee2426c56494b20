// Package mediastore materializes inbound media payloads. The actual download
// and decryption is the protocol library's job; this package is the thin
// collaborator that invokes it and parks the bytes in local temporary
// storage so the event adapter can attach metadata plus an internal storage
// reference.
package mediastore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/signalhub/chatbridge/protocol"
)

// ErrNoDownloader is returned when media materialization is requested but no
// download function was configured.
var ErrNoDownloader = errors.New("mediastore: no downloader configured")

// Ref points at materialized media content. The Path is process-internal and
// must never cross the push transport boundary as a client-addressable value.
type Ref struct {
	Path     string
	MimeType string
	Size     int64
}

// DownloadFunc is the protocol library's media download call: it fetches and
// decrypts the payload of one media sub-field.
type DownloadFunc func(ctx context.Context, msg *protocol.Message, part *protocol.MediaPart) ([]byte, error)

// Store materializes media content for the adapter.
type Store interface {
	Materialize(ctx context.Context, msg *protocol.Message, part *protocol.MediaPart) (*Ref, error)

	// Remove discards previously materialized content. Best-effort.
	Remove(ref *Ref) error
}

// FileStore writes materialized media into a temp directory.
type FileStore struct {
	dir      string
	download DownloadFunc
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates dir if needed. download may be nil, in which case
// Materialize fails with ErrNoDownloader (the adapter degrades to
// metadata-only envelopes).
func NewFileStore(dir string, download DownloadFunc) (*FileStore, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "chatbridge-media")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("mediastore: create dir: %w", err)
	}
	return &FileStore{dir: dir, download: download}, nil
}

func (s *FileStore) Materialize(ctx context.Context, msg *protocol.Message, part *protocol.MediaPart) (*Ref, error) {
	if s.download == nil {
		return nil, ErrNoDownloader
	}
	b, err := s.download(ctx, msg, part)
	if err != nil {
		return nil, fmt.Errorf("mediastore: download: %w", err)
	}
	f, err := os.CreateTemp(s.dir, "media-*")
	if err != nil {
		return nil, fmt.Errorf("mediastore: create file: %w", err)
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return nil, fmt.Errorf("mediastore: write: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return nil, fmt.Errorf("mediastore: close: %w", err)
	}
	return &Ref{Path: f.Name(), MimeType: part.MimeType, Size: int64(len(b))}, nil
}

func (s *FileStore) Remove(ref *Ref) error {
	if ref == nil || ref.Path == "" {
		return nil
	}
	if err := os.Remove(ref.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("mediastore: remove: %w", err)
	}
	return nil
}
