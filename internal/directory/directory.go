// Package directory provides the remote data service the tenant context
// layer reads from: which tenants a user may access, tenant records, and
// membership checks. Implementations return errors classified with
// internal/errors so callers can tell transient failures from denials.
package directory

import (
	"context"

	"github.com/pedromerinno/mnnoschool/internal/model"
)

// Roles stored on a membership
const (
	RoleMember = "member"
	RoleAdmin  = "admin"
)

// Directory is the remote data service consulted by the fetch orchestrator
// and the selection manager
type Directory interface {
	// ListTenants returns the tenants userID may access, in display order
	ListTenants(ctx context.Context, userID string) (model.TenantSet, error)

	// GetTenant returns a single tenant record
	GetTenant(ctx context.Context, tenantID string) (*model.Tenant, error)

	// CheckAccess returns nil when userID may use tenantID and a permission error otherwise
	CheckAccess(ctx context.Context, userID, tenantID string) error

	// IsAdmin reports whether userID administers tenantID
	IsAdmin(ctx context.Context, userID, tenantID string) (bool, error)

	Ping(ctx context.Context) error
}
