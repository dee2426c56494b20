// Package credstore persists per-tenant protocol credential material. The
// bridge treats the material as opaque: it loads state for a tenant, hands it
// to the protocol factory, and saves it again whenever the connection
// announces a credential change.
package credstore

import (
	"context"
	"errors"
	"regexp"

	"github.com/signalhub/chatbridge/protocol"
)

var (
	// ErrInvalidTenantID is returned for tenant ids that cannot be mapped to
	// a storage location deterministically and collision-free.
	ErrInvalidTenantID = errors.New("credstore: invalid tenant id")
)

// tenantIDPattern bounds the ids a store will map to locations. Push session
// ids are UUIDs, which always match.
var tenantIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidTenantID reports whether id can be used as a storage location
// component.
func ValidTenantID(id string) bool { return tenantIDPattern.MatchString(id) }

// SaveFunc persists the current contents of the AuthState returned by the
// Load that produced it. It is invoked on every credential-change event.
type SaveFunc func(ctx context.Context) error

// Store is the durable credential backend. Implementations exist for the
// local filesystem (one directory per tenant) and for Redis.
type Store interface {
	// Load returns the tenant's credential state, creating empty state if
	// none is persisted yet, together with a save function bound to that
	// state.
	Load(ctx context.Context, tenantID string) (*State, error)

	// Delete removes all persisted material for the tenant. Absence is not
	// an error.
	Delete(ctx context.Context, tenantID string) error

	// Location returns the backend-specific location (directory path, key
	// prefix) material for the tenant would live at. Purely informational;
	// never exposed to clients.
	Location(tenantID string) string
}

// State couples loaded credential material with its save function. Auth is
// mutated in place by the protocol connection; Save persists whatever Auth
// currently holds.
type State struct {
	Auth     *protocol.AuthState
	Save     SaveFunc
	Location string
}
