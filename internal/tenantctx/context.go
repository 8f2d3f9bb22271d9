// Package tenantctx is the single entry point consumers use to read and
// change tenant context: the signed-in user, the tenants they can access,
// and the active tenant.
package tenantctx

import (
	"context"
	"sync"

	"github.com/pedromerinno/mnnoschool/internal/cache"
	"github.com/pedromerinno/mnnoschool/internal/coordinator"
	"github.com/pedromerinno/mnnoschool/internal/directory"
	apperrors "github.com/pedromerinno/mnnoschool/internal/errors"
	"github.com/pedromerinno/mnnoschool/internal/events"
	"github.com/pedromerinno/mnnoschool/internal/fetch"
	"github.com/pedromerinno/mnnoschool/internal/metrics"
	"github.com/pedromerinno/mnnoschool/internal/model"
	"github.com/pedromerinno/mnnoschool/internal/selection"
	"go.uber.org/zap"
)

// Context aggregates the fetch orchestrator, the selection manager and the
// cache behind one API.
//
// Thread Safety: Context is safe for concurrent use. Its lock is never held
// across directory calls or event delivery.
type Context struct {
	mu      sync.RWMutex
	userID  string
	tenants model.TenantSet
	lastErr error
	loading int
	session uint64
	epoch   selection.Epoch
	mounted bool
	mounts  int
	loaded  bool

	directory   directory.Directory
	cache       *cache.Store
	coordinator *coordinator.Coordinator
	fetcher     *fetch.Orchestrator
	selection   *selection.Manager
	bus         *events.Bus
	logger      *zap.Logger
	metrics     *metrics.Metrics

	coordinatorOpts []coordinator.Option
	fetchOpts       []fetch.Option
	selectionOpts   []selection.Option
}

// Option configures a Context
type Option func(*Context)

// WithLogger sets the logger shared by every component
func WithLogger(logger *zap.Logger) Option {
	return func(c *Context) {
		c.logger = logger
	}
}

// WithMetrics sets the metrics sink shared by every component
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Context) {
		c.metrics = m
	}
}

// WithCoordinatorOptions passes options to the request coordinator
func WithCoordinatorOptions(opts ...coordinator.Option) Option {
	return func(c *Context) {
		c.coordinatorOpts = append(c.coordinatorOpts, opts...)
	}
}

// WithFetchOptions passes options to the fetch orchestrator
func WithFetchOptions(opts ...fetch.Option) Option {
	return func(c *Context) {
		c.fetchOpts = append(c.fetchOpts, opts...)
	}
}

// WithSelectionOptions passes options to the selection manager
func WithSelectionOptions(opts ...selection.Option) Option {
	return func(c *Context) {
		c.selectionOpts = append(c.selectionOpts, opts...)
	}
}

// New wires a tenant context over dir and store. Events are published on bus.
func New(dir directory.Directory, store *cache.Store, bus *events.Bus, opts ...Option) *Context {
	c := &Context{
		directory: dir,
		cache:     store,
		bus:       bus,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.coordinator = coordinator.New(append([]coordinator.Option{
		coordinator.WithLogger(c.logger),
	}, c.coordinatorOpts...)...)

	c.fetcher = fetch.NewOrchestrator(dir, store, c.coordinator, append([]fetch.Option{
		fetch.WithLogger(c.logger),
		fetch.WithMetrics(c.metrics),
		fetch.WithProvisional(c.provisional),
	}, c.fetchOpts...)...)

	c.selection = selection.NewManager(dir, store, bus, append([]selection.Option{
		selection.WithLogger(c.logger),
		selection.WithMetrics(c.metrics),
	}, c.selectionOpts...)...)

	return c
}

// UserID returns the signed-in user, or "" when signed out
func (c *Context) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// Tenants returns a copy of the accessible tenants
func (c *Context) Tenants() model.TenantSet {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tenants.Clone()
}

// Selected returns a copy of the active tenant, or nil
func (c *Context) Selected() *model.Tenant {
	return c.selection.Current()
}

// IsLoading reports whether a refresh is running
func (c *Context) IsLoading() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loading > 0
}

// LastError returns the error surfaced by the latest refresh, or nil
func (c *Context) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// Bus returns the event bus consumers subscribe to
func (c *Context) Bus() *events.Bus {
	return c.bus
}

// Coordinator exposes fetch state, mainly for diagnostics
func (c *Context) Coordinator() *coordinator.Coordinator {
	return c.coordinator
}

// SignIn starts a session for userID. All cached and persisted tenant state
// of any previous session is dropped first.
func (c *Context) SignIn(ctx context.Context, userID string) error {
	if userID == "" {
		return apperrors.Validation("SignIn", "user id is required", nil)
	}

	c.wipe(ctx)

	c.mu.Lock()
	c.userID = userID
	c.mu.Unlock()

	c.logger.Info("User signed in", zap.String("user_id", userID))
	return nil
}

// Resume starts a session for userID without dropping persisted state, so a
// restarted process can restore the previous selection.
func (c *Context) Resume(ctx context.Context, userID string) error {
	if userID == "" {
		return apperrors.Validation("Resume", "user id is required", nil)
	}

	c.mu.Lock()
	c.resetLocked()
	c.mu.Unlock()

	c.fetcher.Reset()
	c.selection.Reset()

	c.mu.Lock()
	c.epoch = c.selection.Epoch()
	c.userID = userID
	c.mu.Unlock()

	c.logger.Info("User session resumed", zap.String("user_id", userID))
	return nil
}

// SignOut ends the session and drops every cached and persisted tenant key
func (c *Context) SignOut(ctx context.Context) {
	userID := c.UserID()
	c.wipe(ctx)
	c.logger.Info("User signed out", zap.String("user_id", userID))
}

// wipe ends the session before touching shared state: results of the old
// session are discarded from then on, fetch and selection writes still in
// progress finish before their Reset returns, and InvalidateAll removes them.
func (c *Context) wipe(ctx context.Context) {
	c.mu.Lock()
	c.resetLocked()
	c.mu.Unlock()

	c.fetcher.Reset()
	c.selection.Reset()

	if err := c.cache.InvalidateAll(ctx); err != nil {
		c.logger.Warn("Failed to clear persisted tenant state", zap.Error(err))
	}
	c.metrics.RecordInvalidation("all")

	c.mu.Lock()
	c.epoch = c.selection.Epoch()
	c.mu.Unlock()
}

func (c *Context) resetLocked() {
	c.session++
	c.userID = ""
	c.tenants = nil
	c.lastErr = nil
	c.mounted = false
	c.mounts = 0
	c.loaded = false
}

// Mount registers a consumer. The first mount of a session loads the
// tenants; later and concurrent mounts do not fetch again. The returned
// unmount function does no network work.
func (c *Context) Mount(ctx context.Context) (unmount func()) {
	c.mu.Lock()
	first := c.userID != "" && !c.mounted
	if c.userID != "" {
		c.mounted = true
		c.mounts++
	}
	session := c.session
	c.mu.Unlock()

	if first {
		if _, err := c.Refresh(ctx, false); err != nil {
			c.logger.Debug("Initial tenant load failed", zap.Error(err))
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			if c.session == session && c.mounts > 0 {
				c.mounts--
			}
			c.mu.Unlock()
		})
	}
}

// Mounts returns the number of mounted consumers
func (c *Context) Mounts() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mounts
}

// Refresh loads the tenant set, reconciles the selection, and returns the new set.
// The returned error is also recorded as LastError.
//
// Only a usable result replaces the set and reconciles the selection: fresh,
// cached or stale data, or a permission failure. A transient failure with
// nothing cached, or a cancelled or superseded load, keeps the current set
// and selection.
func (c *Context) Refresh(ctx context.Context, force bool) (model.TenantSet, error) {
	c.mu.Lock()
	userID, session, epoch := c.userID, c.session, c.epoch
	if userID == "" {
		c.mu.Unlock()
		return model.TenantSet{}, apperrors.Validation("Refresh", "no user is signed in", nil)
	}
	c.loading++
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.loading--
		c.mu.Unlock()
	}()

	var (
		result fetch.Result
		err    error
	)
	if force {
		result, err = c.fetcher.ForceGetTenants(ctx, userID)
	} else {
		result, err = c.fetcher.GetTenants(ctx, userID, false)
	}

	usable := result.Source != fetch.SourceEmpty || apperrors.IsPermission(err)

	c.mu.Lock()
	if c.session != session {
		c.mu.Unlock()
		c.logger.Debug("Discarding refresh from an ended session", zap.String("user_id", userID))
		return model.TenantSet{}, nil
	}
	if !usable {
		if err != nil {
			c.lastErr = err
		}
		kept := c.tenants.Clone()
		c.mu.Unlock()
		c.logger.Debug("Keeping tenant context after a load without data",
			zap.String("user_id", userID),
			zap.Int("count", len(kept)),
			zap.Error(err))
		if kept == nil {
			kept = model.TenantSet{}
		}
		return kept, err
	}
	previous, hadPrevious := c.tenants, c.loaded
	c.tenants = result.Tenants.Clone()
	c.lastErr = err
	c.loaded = true
	c.mu.Unlock()

	if hadPrevious && !previous.SameMembers(result.Tenants) {
		added, removed := diffIDs(previous, result.Tenants)
		c.bus.Publish(events.TenantAccessChanged{
			UserID:  userID,
			Added:   added,
			Removed: removed,
			Tenants: result.Tenants.Clone(),
		})
	}

	c.selection.Reconcile(ctx, epoch, userID, result.Tenants)

	c.logger.Debug("Tenant context refreshed",
		zap.String("user_id", userID),
		zap.String("source", result.Source.String()),
		zap.Int("count", len(result.Tenants)),
		zap.Bool("force", force))

	return result.Tenants.Clone(), err
}

// Select makes tenantID the active tenant. The id must belong to the loaded tenant set.
func (c *Context) Select(ctx context.Context, tenantID string) error {
	c.mu.RLock()
	userID, epoch := c.userID, c.epoch
	tenant, ok := c.tenants.Find(tenantID)
	c.mu.RUnlock()

	if userID == "" {
		return apperrors.Validation("Select", "no user is signed in", nil)
	}
	if !ok {
		return apperrors.Validation("Select", "tenant "+tenantID+" is not accessible", nil)
	}
	return c.selection.SelectAt(ctx, epoch, userID, tenant)
}

// IsAdmin reports whether the signed-in user administers the active tenant.
// It is false when nothing is selected.
func (c *Context) IsAdmin(ctx context.Context) (bool, error) {
	userID := c.UserID()
	if userID == "" {
		return false, apperrors.Validation("IsAdmin", "no user is signed in", nil)
	}
	selected := c.selection.Current()
	if selected == nil {
		return false, nil
	}
	admin, err := c.directory.IsAdmin(ctx, userID, selected.ID)
	if err != nil {
		return false, apperrors.Classify("IsAdmin", err)
	}
	return admin, nil
}

// provisional shows cached tenants while the first load of a session runs
func (c *Context) provisional(userID string, tenants model.TenantSet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.userID == userID && !c.loaded {
		c.tenants = tenants
	}
}

func diffIDs(before, after model.TenantSet) (added, removed []string) {
	for _, t := range after {
		if !before.Contains(t.ID) {
			added = append(added, t.ID)
		}
	}
	for _, t := range before {
		if !after.Contains(t.ID) {
			removed = append(removed, t.ID)
		}
	}
	return added, removed
}
