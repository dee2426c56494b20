package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/signalhub/chatbridge/credstore"
	"github.com/signalhub/chatbridge/protocol"
)

var (
	// ErrTenantNotFound is returned for operations against a tenant with no
	// live protocol connection.
	ErrTenantNotFound = errors.New("bridge: tenant not found")

	// ErrManagerClosed is returned once the manager has been shut down.
	ErrManagerClosed = errors.New("bridge: manager closed")
)

// Phase is the connection lifecycle phase of a tenant entry. CLOSED is an
// event that triggers branching, not a resting phase.
type Phase string

const (
	PhaseAwaitingConnection Phase = "awaiting_connection"
	PhaseOpen               Phase = "open"
)

// Options are per-tenant creation options. They are captured at creation and
// reused verbatim for scheduled re-creations.
type Options struct {
	// SyncHistory forwards history-backfill message batches in addition to
	// live deliveries.
	SyncHistory bool
}

// Config tunes the manager.
type Config struct {
	// MaxRetries bounds automatic re-creations after restart-required
	// closes. Default 3.
	MaxRetries int

	// RetryDelay is the fixed delay before a scheduled re-creation.
	// Default 5s.
	RetryDelay time.Duration

	// NewBackOff produces the per-entry delay policy. Defaults to a constant
	// policy at RetryDelay; injectable so tests can collapse delays.
	NewBackOff func() backoff.BackOff
}

func (c *Config) withDefaults() Config {
	out := Config{MaxRetries: 3, RetryDelay: 5 * time.Second}
	if c != nil {
		if c.MaxRetries > 0 {
			out.MaxRetries = c.MaxRetries
		}
		if c.RetryDelay > 0 {
			out.RetryDelay = c.RetryDelay
		}
		out.NewBackOff = c.NewBackOff
	}
	if out.NewBackOff == nil {
		delay := out.RetryDelay
		out.NewBackOff = func() backoff.BackOff { return backoff.NewConstantBackOff(delay) }
	}
	return out
}

// TenantInfo is a read-only snapshot of one tenant entry.
type TenantInfo struct {
	TenantID     string    `json:"tenantId"`
	Phase        Phase     `json:"phase"`
	RetryCount   int       `json:"retryCount"`
	PendingQR    bool      `json:"pendingQr"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivityAt"`
}

// entry is the manager's record for one live tenant connection.
type entry struct {
	tenantID string
	conn     protocol.Connection
	creds    *credstore.State

	createdAt    time.Time
	lastActivity time.Time

	pendingQR  string
	retryCount int
	phase      Phase

	// gen disambiguates successive entries for the same tenant so a stale
	// retry timer can detect it outlived its entry.
	gen uint64

	opts Options
	sink EventSink

	bo         backoff.BackOff
	retryTimer *time.Timer
	cancelPump context.CancelFunc
}

// Manager owns the tenant id → protocol connection map and its reconnection
// state machine. All map mutation funnels through its methods under one
// mutex; per-tenant event ordering is preserved by a dedicated pump
// goroutine per connection.
type Manager struct {
	store   credstore.Store
	factory protocol.Factory
	adapter *Adapter
	log     *slog.Logger
	cfg     Config
	now     func() time.Time

	mu       sync.Mutex
	entries  map[string]*entry
	inflight map[string]chan struct{}
	gen      uint64
	closed   bool

	wg sync.WaitGroup
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerLogger sets the slog logger.
func WithManagerLogger(log *slog.Logger) ManagerOption {
	return func(m *Manager) { m.log = log }
}

// WithClock overrides the manager's clock. Test hook.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager builds a manager over the given credential store and connection
// factory. adapter converts inbound batches for delivery to sinks.
func NewManager(store credstore.Store, factory protocol.Factory, adapter *Adapter, cfg Config, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:    store,
		factory:  factory,
		adapter:  adapter,
		log:      slog.Default(),
		cfg:      cfg.withDefaults(),
		now:      time.Now,
		entries:  make(map[string]*entry),
		inflight: make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetOrCreate returns the tenant's live connection, creating one if absent.
//
// For an existing entry the activity timestamp is refreshed and, while the
// connection has not yet reached open, the most recent pending pairing code
// is replayed to sink so a client re-subscribing mid-pairing catches up. No
// second connection is ever created for a tenant that has one.
//
// Creation is serialized per tenant: a second caller arriving while a
// creation is in flight blocks until it settles, then returns the created
// handle.
func (m *Manager) GetOrCreate(ctx context.Context, tenantID string, sink EventSink, opts Options) (protocol.Connection, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrManagerClosed
		}
		if e, ok := m.entries[tenantID]; ok {
			e.lastActivity = m.now()
			var qr string
			if e.phase != PhaseOpen {
				qr = e.pendingQR
			}
			conn := e.conn
			m.mu.Unlock()
			if qr != "" && sink != nil {
				sink.OnQR(ctx, tenantID, qr)
			}
			return conn, nil
		}
		if ch, ok := m.inflight[tenantID]; ok {
			m.mu.Unlock()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-ch:
			}
			continue
		}
		ch := make(chan struct{})
		m.inflight[tenantID] = ch
		m.mu.Unlock()

		conn, err := m.create(ctx, tenantID, sink, opts, 0)

		m.mu.Lock()
		delete(m.inflight, tenantID)
		close(ch)
		m.mu.Unlock()

		return conn, err
	}
}

// create loads credentials, invokes the factory and installs the entry.
// carriedRetry seeds the retry counter: zero for external creations,
// non-zero only for scheduled re-creations.
func (m *Manager) create(ctx context.Context, tenantID string, sink EventSink, opts Options, carriedRetry int) (protocol.Connection, error) {
	creds, err := m.store.Load(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("bridge: load credentials for %s: %w", tenantID, err)
	}

	conn, err := m.factory(ctx, protocol.ConnectConfig{Auth: creds.Auth})
	if err != nil {
		return nil, fmt.Errorf("bridge: connect %s: %w", tenantID, err)
	}

	now := m.now()
	pumpCtx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		conn.End(ErrManagerClosed)
		return nil, ErrManagerClosed
	}
	m.gen++
	e := &entry{
		tenantID:     tenantID,
		conn:         conn,
		creds:        creds,
		createdAt:    now,
		lastActivity: now,
		retryCount:   carriedRetry,
		phase:        PhaseAwaitingConnection,
		gen:          m.gen,
		opts:         opts,
		sink:         sink,
		bo:           m.cfg.NewBackOff(),
		cancelPump:   cancel,
	}
	m.entries[tenantID] = e
	m.mu.Unlock()

	m.wg.Add(1)
	go m.pump(pumpCtx, e)

	m.log.InfoContext(ctx, "tenant.create.ok",
		slog.String("tenant_id", tenantID),
		slog.Int("retry_count", carriedRetry),
		slog.Bool("paired", creds.Auth.Paired()),
	)
	return conn, nil
}

// pump drains one connection's event stream in delivery order.
func (m *Manager) pump(ctx context.Context, e *entry) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-e.conn.Events():
			if !ok {
				return
			}
			m.handleEvent(ctx, e, ev)
		}
	}
}

func (m *Manager) handleEvent(ctx context.Context, e *entry, ev protocol.Event) {
	switch ev := ev.(type) {
	case protocol.CredsUpdate:
		m.persistCreds(ctx, e)
	case protocol.ConnectionUpdate:
		m.handleConnectionUpdate(ctx, e, ev)
	case protocol.MessagesUpsert:
		m.handleMessages(ctx, e, ev)
	}
}

// persistCreds saves the tenant's credential state. Fire-and-forget: a
// failed save risks re-pairing after a restart, which is an accepted
// trade-off; it is logged and never surfaced.
func (m *Manager) persistCreds(ctx context.Context, e *entry) {
	save := e.creds.Save
	go func() {
		if err := save(context.Background()); err != nil {
			m.log.ErrorContext(ctx, "tenant.creds.save.fail",
				slog.String("tenant_id", e.tenantID),
				slog.String("err", err.Error()),
			)
		}
	}()
}

func (m *Manager) handleConnectionUpdate(ctx context.Context, e *entry, u protocol.ConnectionUpdate) {
	if u.QR != "" {
		m.mu.Lock()
		// A fresh code always supersedes the previous one.
		e.pendingQR = u.QR
		e.lastActivity = m.now()
		m.mu.Unlock()
		if e.sink != nil {
			e.sink.OnQR(ctx, e.tenantID, u.QR)
		}
	}

	switch u.State {
	case protocol.ConnStateOpen:
		m.mu.Lock()
		e.pendingQR = ""
		e.retryCount = 0
		e.phase = PhaseOpen
		e.lastActivity = m.now()
		e.bo.Reset()
		m.mu.Unlock()
		m.log.InfoContext(ctx, "tenant.conn.open", slog.String("tenant_id", e.tenantID))
		if e.sink != nil {
			e.sink.OnConnected(ctx, e.tenantID)
		}
	case protocol.ConnStateClosed:
		m.handleClose(ctx, e, u.LastDisconnect)
	}
}

func classifyClose(d *protocol.Disconnect) DisconnectReason {
	if d == nil {
		return ReasonConnectionClosed
	}
	switch d.StatusCode {
	case protocol.StatusLoggedOut:
		return ReasonLoggedOut
	case protocol.StatusRestartRequired:
		return ReasonRestartRequired
	default:
		return ReasonConnectionClosed
	}
}

func (m *Manager) handleClose(ctx context.Context, e *entry, d *protocol.Disconnect) {
	reason := classifyClose(d)

	errText := ""
	if d != nil && d.Err != nil {
		errText = d.Err.Error()
	}
	m.log.InfoContext(ctx, "tenant.conn.close",
		slog.String("tenant_id", e.tenantID),
		slog.String("reason", string(reason)),
		slog.String("err", errText),
	)

	if e.sink != nil {
		e.sink.OnDisconnected(ctx, e.tenantID, reason)
	}

	switch reason {
	case ReasonLoggedOut:
		// Terminal: drop the entry and its credentials. No reconnection.
		m.dropEntry(e)
		if err := m.store.Delete(context.Background(), e.tenantID); err != nil {
			m.log.ErrorContext(ctx, "tenant.creds.delete.fail",
				slog.String("tenant_id", e.tenantID),
				slog.String("err", err.Error()),
			)
		}

	case ReasonRestartRequired:
		m.mu.Lock()
		if e.retryCount >= m.cfg.MaxRetries {
			m.mu.Unlock()
			m.log.WarnContext(ctx, "tenant.retry.exhausted",
				slog.String("tenant_id", e.tenantID),
				slog.Int("max_retries", m.cfg.MaxRetries),
			)
			// The tenant is left absent; only an external call brings it
			// back, starting from a clean retry budget.
			m.dropEntry(e)
			return
		}
		e.retryCount++
		e.lastActivity = m.now()
		nextRetry := e.retryCount
		delay := e.bo.NextBackOff()
		if delay == backoff.Stop {
			delay = m.cfg.RetryDelay
		}
		gen := e.gen
		e.retryTimer = time.AfterFunc(delay, func() {
			m.recreate(e.tenantID, gen, e.sink, e.opts, nextRetry)
		})
		m.mu.Unlock()
		m.log.InfoContext(ctx, "tenant.retry.scheduled",
			slog.String("tenant_id", e.tenantID),
			slog.Int("retry_count", nextRetry),
			slog.Duration("delay", delay),
		)

	case ReasonConnectionClosed:
		// Leave the entry in place: the library may recover internally, and
		// the inactivity sweep reclaims it otherwise.
	}
}

// recreate runs when a retry timer fires: it deletes the tenant's current
// entry and performs a fresh creation carrying the incremented retry count.
// If the entry was removed or superseded since the timer was armed, the
// timer no-ops; it must never re-create a tenant behind the caller's back.
func (m *Manager) recreate(tenantID string, gen uint64, sink EventSink, opts Options, carriedRetry int) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	e, ok := m.entries[tenantID]
	if !ok || e.gen != gen {
		m.mu.Unlock()
		m.log.Info("tenant.retry.stale", slog.String("tenant_id", tenantID))
		return
	}
	delete(m.entries, tenantID)
	ch := make(chan struct{})
	m.inflight[tenantID] = ch
	m.mu.Unlock()

	e.cancelPump()
	e.conn.End(fmt.Errorf("bridge: reconnecting after restart-required close"))

	ctx := context.Background()
	_, err := m.create(ctx, tenantID, sink, opts, carriedRetry)

	m.mu.Lock()
	delete(m.inflight, tenantID)
	close(ch)
	m.mu.Unlock()

	if err != nil {
		m.log.Error("tenant.retry.create.fail",
			slog.String("tenant_id", tenantID),
			slog.Int("retry_count", carriedRetry),
			slog.String("err", err.Error()),
		)
	}
}

func (m *Manager) handleMessages(ctx context.Context, e *entry, batch protocol.MessagesUpsert) {
	if batch.Type == "append" && !e.opts.SyncHistory {
		return
	}
	if e.sink == nil {
		return
	}
	for _, msg := range batch.Messages {
		env := m.adapter.Adapt(ctx, msg)
		e.sink.OnMessage(ctx, e.tenantID, env)
	}
}

// dropEntry removes e from the map if it is still the current entry for its
// tenant, stopping its pump and any pending retry timer.
func (m *Manager) dropEntry(e *entry) {
	m.mu.Lock()
	if cur, ok := m.entries[e.tenantID]; ok && cur.gen == e.gen {
		delete(m.entries, e.tenantID)
	}
	if e.retryTimer != nil {
		e.retryTimer.Stop()
	}
	m.mu.Unlock()
	e.cancelPump()
}

// Send relays outbound content for the tenant and refreshes its activity
// timestamp.
func (m *Manager) Send(ctx context.Context, tenantID, jid string, content protocol.MessageContent) (*protocol.Message, error) {
	m.mu.Lock()
	e, ok := m.entries[tenantID]
	if ok {
		e.lastActivity = m.now()
	}
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTenantNotFound, tenantID)
	}
	return e.conn.SendMessage(ctx, jid, content)
}

// Remove tears the tenant down: graceful logout first, forced termination if
// that fails, then unconditional deletion from the map. With
// deleteCredentials, the tenant's persisted material is removed best-effort
// (absence is not an error). All failures are logged, never returned; a
// missing tenant is a logged no-op.
func (m *Manager) Remove(ctx context.Context, tenantID string, deleteCredentials bool) {
	m.mu.Lock()
	e, ok := m.entries[tenantID]
	if ok && e.retryTimer != nil {
		e.retryTimer.Stop()
	}
	m.mu.Unlock()

	if !ok {
		m.log.WarnContext(ctx, "tenant.remove.miss", slog.String("tenant_id", tenantID))
		if deleteCredentials {
			m.deleteCreds(ctx, tenantID)
		}
		return
	}

	if err := e.conn.Logout(ctx); err != nil {
		m.log.WarnContext(ctx, "tenant.logout.fail",
			slog.String("tenant_id", tenantID),
			slog.String("err", err.Error()),
		)
		e.conn.End(err)
	}

	// Deletion is unconditional regardless of how teardown went.
	m.mu.Lock()
	if cur, ok := m.entries[tenantID]; ok && cur.gen == e.gen {
		delete(m.entries, tenantID)
	}
	m.mu.Unlock()
	e.cancelPump()

	if deleteCredentials {
		m.deleteCreds(ctx, tenantID)
	}
	m.log.InfoContext(ctx, "tenant.remove.ok",
		slog.String("tenant_id", tenantID),
		slog.Bool("creds_deleted", deleteCredentials),
	)
}

func (m *Manager) deleteCreds(ctx context.Context, tenantID string) {
	if err := m.store.Delete(ctx, tenantID); err != nil {
		m.log.ErrorContext(ctx, "tenant.creds.delete.fail",
			slog.String("tenant_id", tenantID),
			slog.String("err", err.Error()),
		)
	}
}

// CleanupInactive removes every tenant idle longer than maxIdle. Inactivity
// alone never deletes credentials, and one failing removal never stops the
// sweep.
func (m *Manager) CleanupInactive(ctx context.Context, maxIdle time.Duration) {
	cutoff := m.now().Add(-maxIdle)

	m.mu.Lock()
	var idle []string
	for id, e := range m.entries {
		if e.lastActivity.Before(cutoff) {
			idle = append(idle, id)
		}
	}
	m.mu.Unlock()

	for _, id := range idle {
		m.log.InfoContext(ctx, "tenant.sweep", slog.String("tenant_id", id))
		m.Remove(ctx, id, false)
	}
}

// Info returns a snapshot of the tenant's entry.
func (m *Manager) Info(tenantID string) (TenantInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[tenantID]
	if !ok {
		return TenantInfo{}, false
	}
	return TenantInfo{
		TenantID:     e.tenantID,
		Phase:        e.phase,
		RetryCount:   e.retryCount,
		PendingQR:    e.pendingQR != "",
		CreatedAt:    e.createdAt,
		LastActivity: e.lastActivity,
	}, true
}

// Has reports whether the tenant has a live entry.
func (m *Manager) Has(tenantID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[tenantID]
	return ok
}

// Len reports the number of live tenant entries.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Close terminates every connection, stops pending retry timers and waits
// for event pumps to drain. The manager is unusable afterwards.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
		if e.retryTimer != nil {
			e.retryTimer.Stop()
		}
	}
	m.entries = make(map[string]*entry)
	m.mu.Unlock()

	for _, e := range entries {
		e.conn.End(ErrManagerClosed)
		e.cancelPump()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
