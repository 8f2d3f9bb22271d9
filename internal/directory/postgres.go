package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	apperrors "github.com/pedromerinno/mnnoschool/internal/errors"
	"github.com/pedromerinno/mnnoschool/internal/model"
	"go.uber.org/zap"
)

// Schema creates the tables PostgresDirectory reads
const Schema = `
CREATE TABLE IF NOT EXISTS tenants (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    logo_url TEXT,
    accent_color TEXT,
    attributes JSONB NOT NULL DEFAULT '{}'::jsonb,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS tenant_memberships (
    user_id TEXT NOT NULL,
    tenant_id TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
    role TEXT NOT NULL DEFAULT 'member',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (user_id, tenant_id)
);
CREATE INDEX IF NOT EXISTS idx_memberships_user ON tenant_memberships(user_id);
`

// PostgresOptions holds the connection settings for PostgresDirectory
type PostgresOptions struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	MaxConns int
	MinConns int
}

// PostgresDirectory implements Directory on PostgreSQL
type PostgresDirectory struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresDirectory creates a new PostgreSQL-backed directory
func NewPostgresDirectory(ctx context.Context, opts PostgresOptions, logger *zap.Logger) (*PostgresDirectory, error) {
	connString := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s pool_max_conns=%d pool_min_conns=%d",
		opts.Host, opts.Port, opts.Database, opts.User, opts.Password, opts.MaxConns, opts.MinConns,
	)

	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresDirectory{
		pool:   pool,
		logger: logger,
	}, nil
}

// EnsureSchema creates the directory tables if they are missing
func (d *PostgresDirectory) EnsureSchema(ctx context.Context) error {
	if _, err := d.pool.Exec(ctx, Schema); err != nil {
		return apperrors.Classify("EnsureSchema", err)
	}
	return nil
}

// ListTenants retrieves the tenants a user is a member of
func (d *PostgresDirectory) ListTenants(ctx context.Context, userID string) (model.TenantSet, error) {
	if userID == "" {
		return nil, apperrors.Validation("ListTenants", "user id is required", nil)
	}

	query := `
		SELECT t.id, t.name, COALESCE(t.logo_url, ''), COALESCE(t.accent_color, ''), t.attributes
		FROM tenants t
		JOIN tenant_memberships m ON m.tenant_id = t.id
		WHERE m.user_id = $1
		ORDER BY t.name, t.id
	`

	rows, err := d.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, apperrors.Classify("ListTenants", err)
	}
	defer rows.Close()

	tenants := make(model.TenantSet, 0)
	for rows.Next() {
		var t model.Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.LogoURL, &t.AccentColor, &t.Attributes); err != nil {
			return nil, apperrors.Classify("ListTenants", err)
		}
		tenants = append(tenants, t)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Classify("ListTenants", err)
	}

	d.logger.Debug("Listed tenants from database",
		zap.String("user_id", userID),
		zap.Int("count", len(tenants)))

	return tenants, nil
}

// GetTenant retrieves a single tenant
func (d *PostgresDirectory) GetTenant(ctx context.Context, tenantID string) (*model.Tenant, error) {
	query := `
		SELECT id, name, COALESCE(logo_url, ''), COALESCE(accent_color, ''), attributes
		FROM tenants
		WHERE id = $1
	`

	var t model.Tenant
	err := d.pool.QueryRow(ctx, query, tenantID).Scan(&t.ID, &t.Name, &t.LogoURL, &t.AccentColor, &t.Attributes)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("GetTenant", fmt.Sprintf("tenant %s not found", tenantID), nil)
	}
	if err != nil {
		return nil, apperrors.Classify("GetTenant", err)
	}

	return &t, nil
}

// CheckAccess verifies that a membership exists
func (d *PostgresDirectory) CheckAccess(ctx context.Context, userID, tenantID string) error {
	_, err := d.role(ctx, "CheckAccess", userID, tenantID)
	return err
}

// IsAdmin reports whether the membership carries the admin role
func (d *PostgresDirectory) IsAdmin(ctx context.Context, userID, tenantID string) (bool, error) {
	role, err := d.role(ctx, "IsAdmin", userID, tenantID)
	if err != nil {
		return false, err
	}
	return role == RoleAdmin, nil
}

func (d *PostgresDirectory) role(ctx context.Context, op, userID, tenantID string) (string, error) {
	query := `SELECT role FROM tenant_memberships WHERE user_id = $1 AND tenant_id = $2`

	var role string
	err := d.pool.QueryRow(ctx, query, userID, tenantID).Scan(&role)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", apperrors.Permission(op, fmt.Sprintf("user %s has no access to tenant %s", userID, tenantID), nil)
	}
	if err != nil {
		return "", apperrors.Classify(op, err)
	}
	return role, nil
}

// Ping checks the database connection
func (d *PostgresDirectory) Ping(ctx context.Context) error {
	return d.pool.Ping(ctx)
}

// Close closes the connection pool
func (d *PostgresDirectory) Close() {
	d.pool.Close()
}
