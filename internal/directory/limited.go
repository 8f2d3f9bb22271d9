package directory

import (
	"context"

	apperrors "github.com/pedromerinno/mnnoschool/internal/errors"
	"github.com/pedromerinno/mnnoschool/internal/model"
	"golang.org/x/time/rate"
)

// Limited wraps a Directory so calls never exceed a steady rate.
// A caller whose context ends while waiting for a slot gets the context error.
type Limited struct {
	next    Directory
	limiter *rate.Limiter
}

// NewLimited allows callsPerSecond calls with bursts of burst. A non-positive
// rate disables limiting.
func NewLimited(next Directory, callsPerSecond float64, burst int) *Limited {
	limit := rate.Limit(callsPerSecond)
	if callsPerSecond <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limited{
		next:    next,
		limiter: rate.NewLimiter(limit, burst),
	}
}

func (l *Limited) wait(ctx context.Context, op string) error {
	if err := l.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return apperrors.Classify(op, ctx.Err())
		}
		// The wait would outlast the deadline
		return apperrors.Network(op, "directory call rate exceeded", err)
	}
	return nil
}

func (l *Limited) ListTenants(ctx context.Context, userID string) (model.TenantSet, error) {
	if err := l.wait(ctx, "ListTenants"); err != nil {
		return nil, err
	}
	return l.next.ListTenants(ctx, userID)
}

func (l *Limited) GetTenant(ctx context.Context, tenantID string) (*model.Tenant, error) {
	if err := l.wait(ctx, "GetTenant"); err != nil {
		return nil, err
	}
	return l.next.GetTenant(ctx, tenantID)
}

func (l *Limited) CheckAccess(ctx context.Context, userID, tenantID string) error {
	if err := l.wait(ctx, "CheckAccess"); err != nil {
		return err
	}
	return l.next.CheckAccess(ctx, userID, tenantID)
}

func (l *Limited) IsAdmin(ctx context.Context, userID, tenantID string) (bool, error) {
	if err := l.wait(ctx, "IsAdmin"); err != nil {
		return false, err
	}
	return l.next.IsAdmin(ctx, userID, tenantID)
}

// Ping is not limited so health checks stay accurate under load
func (l *Limited) Ping(ctx context.Context) error {
	return l.next.Ping(ctx)
}
