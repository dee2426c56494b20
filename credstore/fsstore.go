package credstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/signalhub/chatbridge/protocol"
)

const credsFileName = "creds.json"

// FSStore keeps one directory per tenant under a configured base directory.
// The directory name is the tenant id itself; ValidTenantID guarantees the
// mapping is deterministic and cannot collide across tenants.
type FSStore struct {
	baseDir string
}

var _ Store = (*FSStore)(nil)

// NewFSStore creates the base directory if needed and returns a filesystem
// store rooted at it.
func NewFSStore(baseDir string) (*FSStore, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("credstore: base directory is required")
	}
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, fmt.Errorf("credstore: create base dir: %w", err)
	}
	return &FSStore{baseDir: baseDir}, nil
}

// BaseDir returns the root under which tenant directories live.
func (s *FSStore) BaseDir() string { return s.baseDir }

func (s *FSStore) Location(tenantID string) string {
	return filepath.Join(s.baseDir, tenantID)
}

func (s *FSStore) Load(ctx context.Context, tenantID string) (*State, error) {
	if !ValidTenantID(tenantID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTenantID, tenantID)
	}
	dir := s.Location(tenantID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("credstore: create tenant dir: %w", err)
	}

	auth := &protocol.AuthState{}
	path := filepath.Join(dir, credsFileName)
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(b, auth); err != nil {
			return nil, fmt.Errorf("credstore: decode %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// First pairing for this tenant; start from empty state.
	default:
		return nil, fmt.Errorf("credstore: read %s: %w", path, err)
	}

	save := func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		b, err := json.Marshal(auth)
		if err != nil {
			return fmt.Errorf("credstore: encode state: %w", err)
		}
		// A fresh temp file per save keeps concurrent saves for the same
		// tenant from interleaving on a shared path; rename decides the
		// winner atomically.
		f, err := os.CreateTemp(dir, "creds-*.tmp")
		if err != nil {
			return fmt.Errorf("credstore: write state: %w", err)
		}
		if _, err := f.Write(b); err != nil {
			_ = f.Close()
			_ = os.Remove(f.Name())
			return fmt.Errorf("credstore: write state: %w", err)
		}
		if err := f.Close(); err != nil {
			_ = os.Remove(f.Name())
			return fmt.Errorf("credstore: write state: %w", err)
		}
		if err := os.Rename(f.Name(), path); err != nil {
			_ = os.Remove(f.Name())
			return fmt.Errorf("credstore: commit state: %w", err)
		}
		return nil
	}

	return &State{Auth: auth, Save: save, Location: dir}, nil
}

func (s *FSStore) Delete(ctx context.Context, tenantID string) error {
	if !ValidTenantID(tenantID) {
		return fmt.Errorf("%w: %q", ErrInvalidTenantID, tenantID)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	// RemoveAll returns nil for a missing directory, which matches the
	// contract: absence is not an error.
	if err := os.RemoveAll(s.Location(tenantID)); err != nil {
		return fmt.Errorf("credstore: remove tenant dir: %w", err)
	}
	return nil
}
