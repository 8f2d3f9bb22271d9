// Package selection resolves and persists the active tenant of a user.
//
// The active tenant is always nil or a member, by id, of the tenant set it
// was last reconciled against. Changes are announced on the event bus:
// TenantSelected first, then TenantUpdated, then ContentReload.
package selection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pedromerinno/mnnoschool/internal/cache"
	"github.com/pedromerinno/mnnoschool/internal/directory"
	apperrors "github.com/pedromerinno/mnnoschool/internal/errors"
	"github.com/pedromerinno/mnnoschool/internal/events"
	"github.com/pedromerinno/mnnoschool/internal/metrics"
	"github.com/pedromerinno/mnnoschool/internal/model"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultSelectedTTL is how long the persisted tenant object is kept
	DefaultSelectedTTL = 24 * time.Hour

	// DefaultSelectedIDTTL is how long the persisted tenant id is kept
	DefaultSelectedIDTTL = 30 * 24 * time.Hour
)

// Reasons attached to TenantSelected events and selection metrics
const (
	ReasonUser     = "user"
	ReasonAuto     = "auto"
	ReasonRestored = "restored"
	ReasonLookup   = "lookup"
	ReasonFallback = "fallback"
	ReasonRevoked  = "revoked"
)

// Epoch identifies a session of the Manager. Reset starts a new epoch and
// every write begun under an older one is dropped.
type Epoch uint64

// Manager owns the active tenant
type Manager struct {
	mu       sync.RWMutex
	selected *model.Tenant

	// writeMu serializes selection writes with Reset
	writeMu sync.Mutex
	epoch   Epoch

	directory   directory.Directory
	cache       *cache.Store
	bus         *events.Bus
	lookups     singleflight.Group
	selectedTTL time.Duration
	idTTL       time.Duration
	logger      *zap.Logger
	metrics     *metrics.Metrics
}

// Option configures a Manager
type Option func(*Manager)

// WithSelectedTTL sets the TTL of the persisted tenant object
func WithSelectedTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		m.selectedTTL = ttl
	}
}

// WithSelectedIDTTL sets the TTL of the persisted tenant id
func WithSelectedIDTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		m.idTTL = ttl
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = mt
	}
}

// NewManager creates a selection manager
func NewManager(dir directory.Directory, store *cache.Store, bus *events.Bus, opts ...Option) *Manager {
	m := &Manager{
		directory:   dir,
		cache:       store,
		bus:         bus,
		selectedTTL: DefaultSelectedTTL,
		idTTL:       DefaultSelectedIDTTL,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Current returns a copy of the active tenant, or nil
func (m *Manager) Current() *model.Tenant {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneTenant(m.selected)
}

// Epoch returns the current epoch
func (m *Manager) Epoch() Epoch {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return m.epoch
}

// Reset forgets the in-memory selection without touching persisted state or
// publishing. A write in progress finishes first; later writes of the old
// epoch are dropped.
func (m *Manager) Reset() {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	m.epoch++
	m.swap(nil)
}

// guard runs fn when epoch is still current and reports whether it ran
func (m *Manager) guard(epoch Epoch, fn func()) bool {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if m.epoch != epoch {
		return false
	}
	fn()
	return true
}

// Restore resolves the active tenant against set:
//  1. a persisted selection whose id is in set is kept, refreshed to the set's copy
//  2. a set with exactly one member selects it
//  3. a persisted id in set is resolved through the directory, falling back to the first tenant
//  4. otherwise nothing is selected
func (m *Manager) Restore(ctx context.Context, userID string, set model.TenantSet) *model.Tenant {
	return m.restore(ctx, m.Epoch(), userID, set)
}

func (m *Manager) restore(ctx context.Context, epoch Epoch, userID string, set model.TenantSet) *model.Tenant {
	objKey := model.SelectedTenantKey(userID)
	idKey := model.SelectedTenantIDKey(userID)

	var persisted model.Tenant
	hasObj := m.cache.Get(ctx, objKey, &persisted)
	var persistedID string
	hasID := m.cache.Get(ctx, idKey, &persistedID)

	if hasObj {
		if member, ok := set.Find(persisted.ID); ok {
			return m.commit(ctx, epoch, userID, &member, ReasonRestored)
		}
		m.logger.Info("Persisted tenant no longer accessible",
			zap.String("user_id", userID),
			zap.String("tenant_id", persisted.ID))
		m.guard(epoch, func() { m.cache.Invalidate(ctx, objKey) })
	}
	if hasID && !set.Contains(persistedID) {
		m.guard(epoch, func() { m.cache.Invalidate(ctx, idKey) })
		hasID = false
	}

	if len(set) == 1 {
		only := set[0].Clone()
		return m.commit(ctx, epoch, userID, &only, ReasonAuto)
	}

	if hasID {
		tenant, reason := m.resolve(ctx, userID, persistedID, set)
		return m.commit(ctx, epoch, userID, tenant, reason)
	}

	return m.commit(ctx, epoch, userID, nil, ReasonRestored)
}

// resolve looks tenantID up in the directory, falling back to the first tenant of set
func (m *Manager) resolve(ctx context.Context, userID, tenantID string, set model.TenantSet) (*model.Tenant, string) {
	v, err, shared := m.lookups.Do(tenantID, func() (any, error) {
		return m.directory.GetTenant(ctx, tenantID)
	})
	if err == nil {
		if t, ok := v.(*model.Tenant); ok && t != nil && t.ID == tenantID {
			resolved := t.Clone()
			m.logger.Debug("Resolved persisted tenant id",
				zap.String("user_id", userID),
				zap.String("tenant_id", tenantID),
				zap.Bool("shared", shared))
			return &resolved, ReasonLookup
		}
		err = apperrors.NotFound("Restore", fmt.Sprintf("directory returned no tenant for %s", tenantID), nil)
	}
	if apperrors.KindOf(err) == apperrors.KindNotFound {
		m.bus.Publish(events.TenantDeleted{TenantID: tenantID})
	}

	first := set[0].Clone()
	m.logger.Warn("Tenant lookup failed, selecting first tenant",
		zap.String("user_id", userID),
		zap.String("tenant_id", tenantID),
		zap.String("fallback_tenant_id", first.ID),
		zap.Error(err))
	return &first, ReasonFallback
}

// Select makes tenant the active tenant once the directory confirms access.
// On any error the previous selection is left unchanged.
func (m *Manager) Select(ctx context.Context, userID string, tenant model.Tenant) error {
	return m.SelectAt(ctx, m.Epoch(), userID, tenant)
}

// SelectAt is Select bound to epoch. It fails with an aborted error when the
// Manager was reset since epoch.
func (m *Manager) SelectAt(ctx context.Context, epoch Epoch, userID string, tenant model.Tenant) error {
	if tenant.ID == "" {
		return apperrors.Validation("Select", "tenant id is required", nil)
	}

	if err := m.directory.CheckAccess(ctx, userID, tenant.ID); err != nil {
		err = apperrors.Classify("Select", err)
		m.logger.Warn("Tenant selection rejected",
			zap.String("user_id", userID),
			zap.String("tenant_id", tenant.ID),
			zap.String("error_kind", apperrors.KindOf(err).String()),
			zap.Error(err))
		return err
	}

	t := tenant.Clone()
	var prev *model.Tenant
	if !m.guard(epoch, func() {
		prev = m.swap(&t)
		m.persist(ctx, userID, &t)
	}) {
		return apperrors.ErrAborted
	}

	changeID := uuid.NewString()
	m.bus.Publish(events.TenantSelected{
		ChangeID:   changeID,
		UserID:     userID,
		Tenant:     cloneTenant(&t),
		PreviousID: idOf(prev),
		Reason:     ReasonUser,
	})
	m.bus.Publish(events.TenantUpdated{ChangeID: changeID, UserID: userID, Tenant: t.Clone()})
	m.bus.Publish(events.ContentReload{ChangeID: changeID, TenantID: t.ID})
	m.metrics.RecordSelectionChange(ReasonUser)

	m.logger.Info("Tenant selected",
		zap.String("user_id", userID),
		zap.String("tenant_id", t.ID),
		zap.String("previous_tenant_id", idOf(prev)))
	return nil
}

// ClearIfInvalid reconciles the active tenant with a freshly fetched set.
// A selection missing from set is cleared, TenantAccessChanged is published,
// and Restore runs again; a selection whose record changed is replaced with
// the set's copy.
func (m *Manager) ClearIfInvalid(ctx context.Context, userID string, set model.TenantSet) *model.Tenant {
	return m.clearIfInvalid(ctx, m.Epoch(), userID, set, true)
}

// Reconcile runs ClearIfInvalid bound to epoch, then Restore when nothing is
// selected. It leaves TenantAccessChanged to the caller, which knows the
// whole difference between the old and the new set.
func (m *Manager) Reconcile(ctx context.Context, epoch Epoch, userID string, set model.TenantSet) *model.Tenant {
	if m.Current() == nil {
		return m.restore(ctx, epoch, userID, set)
	}
	return m.clearIfInvalid(ctx, epoch, userID, set, false)
}

func (m *Manager) clearIfInvalid(ctx context.Context, epoch Epoch, userID string, set model.TenantSet, announce bool) *model.Tenant {
	current := m.Current()
	if current == nil {
		return nil
	}

	member, ok := set.Find(current.ID)
	if ok {
		if !member.Equal(*current) {
			return m.commit(ctx, epoch, userID, &member, ReasonRestored)
		}
		return cloneTenant(&member)
	}

	m.logger.Info("Active tenant no longer accessible",
		zap.String("user_id", userID),
		zap.String("tenant_id", current.ID))

	if !m.guard(epoch, func() {
		m.swap(nil)
		m.cache.Invalidate(ctx, model.SelectedTenantKey(userID))
		m.cache.Invalidate(ctx, model.SelectedTenantIDKey(userID))
	}) {
		return nil
	}
	if announce {
		m.bus.Publish(events.TenantAccessChanged{
			UserID:  userID,
			Removed: []string{current.ID},
			Tenants: set.Clone(),
		})
	}

	next := m.restore(ctx, epoch, userID, set)
	if next == nil {
		changeID := uuid.NewString()
		m.bus.Publish(events.TenantSelected{
			ChangeID:   changeID,
			UserID:     userID,
			PreviousID: current.ID,
			Reason:     ReasonRevoked,
		})
		m.bus.Publish(events.ContentReload{ChangeID: changeID})
		m.metrics.RecordSelectionChange(ReasonRevoked)
	}
	return next
}

// commit installs tenant and announces the difference to the previous
// selection. It returns the installed tenant, or nil when epoch has ended.
func (m *Manager) commit(ctx context.Context, epoch Epoch, userID string, tenant *model.Tenant, reason string) *model.Tenant {
	var prev *model.Tenant
	if !m.guard(epoch, func() {
		prev = m.swap(tenant)
		if tenant != nil {
			m.persist(ctx, userID, tenant)
		}
	}) {
		m.logger.Debug("Dropping selection of an ended session", zap.String("user_id", userID))
		return nil
	}

	if tenant == nil {
		if prev != nil {
			m.bus.Publish(events.TenantSelected{
				ChangeID:   uuid.NewString(),
				UserID:     userID,
				PreviousID: prev.ID,
				Reason:     reason,
			})
			m.metrics.RecordSelectionChange(reason)
		}
		return nil
	}

	changeID := uuid.NewString()
	switch {
	case prev == nil || prev.ID != tenant.ID:
		m.bus.Publish(events.TenantSelected{
			ChangeID:   changeID,
			UserID:     userID,
			Tenant:     cloneTenant(tenant),
			PreviousID: idOf(prev),
			Reason:     reason,
		})
		m.bus.Publish(events.ContentReload{ChangeID: changeID, TenantID: tenant.ID})
		m.metrics.RecordSelectionChange(reason)
		m.logger.Info("Tenant selected",
			zap.String("user_id", userID),
			zap.String("tenant_id", tenant.ID),
			zap.String("reason", reason))
	case !prev.Equal(*tenant):
		m.bus.Publish(events.TenantUpdated{ChangeID: changeID, UserID: userID, Tenant: tenant.Clone()})
		m.metrics.RecordSelectionChange("updated")
	}
	return cloneTenant(tenant)
}

func (m *Manager) swap(tenant *model.Tenant) *model.Tenant {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.selected
	m.selected = cloneTenant(tenant)
	return prev
}

func (m *Manager) persist(ctx context.Context, userID string, tenant *model.Tenant) {
	if err := m.cache.Set(ctx, model.SelectedTenantKey(userID), tenant, m.selectedTTL); err != nil {
		m.logger.Error("Failed to persist selected tenant", zap.String("user_id", userID), zap.Error(err))
	}
	if err := m.cache.Set(ctx, model.SelectedTenantIDKey(userID), tenant.ID, m.idTTL); err != nil {
		m.logger.Error("Failed to persist selected tenant id", zap.String("user_id", userID), zap.Error(err))
	}
}

func cloneTenant(t *model.Tenant) *model.Tenant {
	if t == nil {
		return nil
	}
	c := t.Clone()
	return &c
}

func idOf(t *model.Tenant) string {
	if t == nil {
		return ""
	}
	return t.ID
}
