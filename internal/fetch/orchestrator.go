// Package fetch loads a user's tenant set from the directory, combining the
// cache store, the request coordinator and the retry executor.
package fetch

import (
	"context"
	"sync"
	"time"

	"github.com/pedromerinno/mnnoschool/internal/cache"
	"github.com/pedromerinno/mnnoschool/internal/coordinator"
	"github.com/pedromerinno/mnnoschool/internal/directory"
	apperrors "github.com/pedromerinno/mnnoschool/internal/errors"
	"github.com/pedromerinno/mnnoschool/internal/metrics"
	"github.com/pedromerinno/mnnoschool/internal/model"
	"github.com/pedromerinno/mnnoschool/internal/retry"
	"go.uber.org/zap"
)

const (
	// DefaultTTL is how long a fetched tenant set stays fresh
	DefaultTTL = 30 * time.Minute

	// DefaultJoinTimeout bounds how long a joining caller waits for the flight it joined
	DefaultJoinTimeout = 10 * time.Second
)

// Source says where a Result came from
type Source int

const (
	SourceEmpty Source = iota
	SourceRemote
	SourceCache
	SourceStale
)

func (s Source) String() string {
	switch s {
	case SourceRemote:
		return "remote"
	case SourceCache:
		return "cache"
	case SourceStale:
		return "stale"
	default:
		return "empty"
	}
}

// Result is the outcome of GetTenants. Tenants is never nil.
type Result struct {
	Tenants model.TenantSet
	Source  Source
}

// ProvisionalFunc receives cached data before the remote call starts
type ProvisionalFunc func(userID string, tenants model.TenantSet)

// Orchestrator implements the tenant-set fetch flow
type Orchestrator struct {
	directory   directory.Directory
	cache       *cache.Store
	coordinator *coordinator.Coordinator
	executor    *retry.Executor
	ttl         time.Duration
	joinTimeout time.Duration
	provisional ProvisionalFunc
	logger      *zap.Logger
	metrics     *metrics.Metrics

	// commitMu makes the generation check and the cache write of a result
	// atomic with respect to Reset
	commitMu sync.Mutex
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithExecutor sets the retry executor. The default never retries.
func WithExecutor(e *retry.Executor) Option {
	return func(o *Orchestrator) {
		o.executor = e
	}
}

// WithTTL sets the tenant-set TTL
func WithTTL(ttl time.Duration) Option {
	return func(o *Orchestrator) {
		o.ttl = ttl
	}
}

// WithJoinTimeout sets how long joiners wait for the in-flight fetch
func WithJoinTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.joinTimeout = d
	}
}

// WithProvisional registers a hook that receives cached data while the remote call runs
func WithProvisional(fn ProvisionalFunc) Option {
	return func(o *Orchestrator) {
		o.provisional = fn
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// NewOrchestrator creates a fetch orchestrator
func NewOrchestrator(dir directory.Directory, store *cache.Store, coord *coordinator.Coordinator, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		directory:   dir,
		cache:       store,
		coordinator: coord,
		ttl:         DefaultTTL,
		joinTimeout: DefaultJoinTimeout,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.executor == nil {
		o.executor = retry.NewExecutor(retry.NoRetry(), retry.WithLogger(o.logger), retry.WithMetrics(o.metrics))
	}
	return o
}

// GetTenants returns the tenant set of userID.
//
// Cached data is preferred over an error: only a permission failure, or a
// failure with nothing cached, is returned to the caller. Cancellation and
// superseded fetches are silent and yield the best known data.
func (o *Orchestrator) GetTenants(ctx context.Context, userID string, force bool) (Result, error) {
	if userID == "" {
		return emptyResult(), apperrors.Validation("GetTenants", "user id is required", nil)
	}

	key := model.TenantsKey(userID)

	var cached model.TenantSet
	hasLocal := o.cache.Get(ctx, key, &cached)

	ticket, decision := o.coordinator.Begin(ctx, key, force, hasLocal)
	o.metrics.RecordDecision(decision.String())

	switch decision {
	case coordinator.DecisionThrottled:
		o.logger.Debug("Fetch throttled, serving cached tenants",
			zap.String("user_id", userID),
			zap.Int("count", len(cached)))
		return Result{Tenants: cached.Clone(), Source: SourceCache}, nil

	case coordinator.DecisionJoin:
		o.logger.Debug("Joining in-flight fetch", zap.String("user_id", userID))
		waitCtx, cancel := context.WithTimeout(ctx, o.joinTimeout)
		defer cancel()
		if err := o.coordinator.Wait(waitCtx, key); err != nil {
			o.logger.Debug("Stopped waiting for in-flight fetch",
				zap.String("user_id", userID),
				zap.Error(err))
			return o.bestKnown(ctx, key), nil
		}
		result := o.bestKnown(ctx, key)
		if result.Source == SourceEmpty {
			// The flight we joined left nothing behind; share its failure
			if err := o.coordinator.LastError(key); err != nil {
				return result, err
			}
		}
		return result, nil
	}

	return o.run(ctx, ticket, userID, cached, hasLocal)
}

// ForceGetTenants drops the cached set and fetches it again, superseding any flight
func (o *Orchestrator) ForceGetTenants(ctx context.Context, userID string) (Result, error) {
	if userID == "" {
		return emptyResult(), apperrors.Validation("ForceGetTenants", "user id is required", nil)
	}
	o.cache.Invalidate(ctx, model.TenantsKey(userID))
	o.metrics.RecordInvalidation("key")
	return o.GetTenants(ctx, userID, true)
}

func (o *Orchestrator) run(ctx context.Context, ticket *coordinator.Ticket, userID string, cached model.TenantSet, hasLocal bool) (Result, error) {
	key := ticket.Key()
	var (
		success   bool
		flightErr error
	)
	defer func() {
		if success {
			ticket.End(true)
			return
		}
		ticket.Fail(flightErr)
	}()

	if hasLocal && o.provisional != nil {
		o.provisional(userID, cached.Clone())
	}

	start := time.Now()
	tenants, err := retry.Do(ticket.Context(), o.executor, func(ctx context.Context) (model.TenantSet, error) {
		return o.directory.ListTenants(ctx, userID)
	})
	elapsed := time.Since(start).Seconds()

	if err == nil {
		if tenants == nil {
			tenants = model.TenantSet{}
		}
		if !o.commit(ctx, ticket, key, tenants) {
			o.metrics.RecordFetch("superseded", elapsed)
			o.logger.Debug("Discarding result of superseded fetch",
				zap.String("user_id", userID),
				zap.Uint64("generation", ticket.Generation()))
			return o.bestKnown(ctx, key), nil
		}

		success = true
		o.metrics.RecordFetch("success", elapsed)
		o.logger.Debug("Fetched tenants",
			zap.String("user_id", userID),
			zap.Int("count", len(tenants)),
			zap.Uint64("generation", ticket.Generation()))
		return Result{Tenants: tenants.Clone(), Source: SourceRemote}, nil
	}

	if apperrors.IsAborted(err) || !ticket.Current() {
		o.metrics.RecordFetch("aborted", elapsed)
		o.logger.Debug("Tenant fetch aborted",
			zap.String("user_id", userID),
			zap.Error(err))
		return o.bestKnown(ctx, key), nil
	}

	err = apperrors.Classify("GetTenants", err)

	if apperrors.IsPermission(err) {
		o.metrics.RecordFetch("permission_denied", elapsed)
		o.cache.Invalidate(context.WithoutCancel(ctx), key)
		o.metrics.RecordInvalidation("key")
		o.logger.Warn("Tenant access denied, cached tenants dropped",
			zap.String("user_id", userID),
			zap.Error(err))
		flightErr = err
		return emptyResult(), err
	}

	o.metrics.RecordFetch("failure", elapsed)

	var stale model.TenantSet
	if o.cache.Get(context.WithoutCancel(ctx), key, &stale) {
		o.metrics.RecordStaleServe()
		o.logger.Warn("Tenant fetch failed, serving cached tenants",
			zap.String("user_id", userID),
			zap.String("error_kind", apperrors.KindOf(err).String()),
			zap.Error(err))
		return Result{Tenants: stale, Source: SourceStale}, nil
	}

	o.logger.Error("Tenant fetch failed with nothing cached",
		zap.String("user_id", userID),
		zap.String("error_kind", apperrors.KindOf(err).String()),
		zap.Error(err))
	flightErr = err
	return emptyResult(), err
}

// Reset cancels every flight and forgets fetch history. A commit in progress
// finishes first; every commit after Reset returns is discarded.
func (o *Orchestrator) Reset() {
	o.commitMu.Lock()
	defer o.commitMu.Unlock()
	o.coordinator.Reset()
}

// commit stores tenants when the ticket is still current and reports whether it did
func (o *Orchestrator) commit(ctx context.Context, ticket *coordinator.Ticket, key string, tenants model.TenantSet) bool {
	o.commitMu.Lock()
	defer o.commitMu.Unlock()

	if !ticket.Current() {
		return false
	}
	if err := o.cache.Set(context.WithoutCancel(ctx), key, tenants, o.ttl); err != nil {
		o.logger.Error("Failed to cache tenants",
			zap.String("key", key),
			zap.Error(err))
	}
	return true
}

func (o *Orchestrator) bestKnown(ctx context.Context, key string) Result {
	var tenants model.TenantSet
	if o.cache.Get(context.WithoutCancel(ctx), key, &tenants) {
		if tenants == nil {
			tenants = model.TenantSet{}
		}
		return Result{Tenants: tenants, Source: SourceCache}
	}
	return emptyResult()
}

func emptyResult() Result {
	return Result{Tenants: model.TenantSet{}, Source: SourceEmpty}
}
