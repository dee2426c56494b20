// Package redis provides a Redis-backed implementation of the credstore.Store
// interface. Credential material for each tenant lives at a single key under
// a configurable prefix. Suitable when the bridge runs somewhere without a
// durable local filesystem.
package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/signalhub/chatbridge/credstore"
	"github.com/signalhub/chatbridge/protocol"
)

// Config contains configuration options for the Redis credential store.
type Config struct {
	// Client is the Redis client instance.
	Client *redis.Client

	// KeyPrefix is the prefix for all keys. Default: "chatbridge:creds:".
	KeyPrefix string
}

// Store implements credstore.Store on Redis.
type Store struct {
	client    *redis.Client
	keyPrefix string
}

var _ credstore.Store = (*Store)(nil)

// New creates a Redis-backed credential store.
func New(cfg Config) (*Store, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "chatbridge:creds:"
	}
	return &Store{client: cfg.Client, keyPrefix: cfg.KeyPrefix}, nil
}

func (s *Store) Location(tenantID string) string { return s.keyPrefix + tenantID }

func (s *Store) Load(ctx context.Context, tenantID string) (*credstore.State, error) {
	if !credstore.ValidTenantID(tenantID) {
		return nil, fmt.Errorf("%w: %q", credstore.ErrInvalidTenantID, tenantID)
	}
	key := s.Location(tenantID)

	auth := &protocol.AuthState{}
	res := s.client.Get(ctx, key)
	switch {
	case res.Err() == nil:
		if err := json.Unmarshal([]byte(res.Val()), auth); err != nil {
			return nil, fmt.Errorf("credstore: decode %s: %w", key, err)
		}
	case res.Err() == redis.Nil:
		// No persisted material yet; start from empty state.
	default:
		return nil, fmt.Errorf("credstore: get %s: %w", key, res.Err())
	}

	save := func(ctx context.Context) error {
		b, err := json.Marshal(auth)
		if err != nil {
			return fmt.Errorf("credstore: encode state: %w", err)
		}
		if err := s.client.Set(ctx, key, b, 0).Err(); err != nil {
			return fmt.Errorf("credstore: set %s: %w", key, err)
		}
		return nil
	}

	return &credstore.State{Auth: auth, Save: save, Location: key}, nil
}

func (s *Store) Delete(ctx context.Context, tenantID string) error {
	if !credstore.ValidTenantID(tenantID) {
		return fmt.Errorf("%w: %q", credstore.ErrInvalidTenantID, tenantID)
	}
	// DEL of a missing key is a no-op, matching the contract.
	if err := s.client.Del(ctx, s.Location(tenantID)).Err(); err != nil {
		return fmt.Errorf("credstore: del %s: %w", s.Location(tenantID), err)
	}
	return nil
}
