package directory

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	apperrors "github.com/pedromerinno/mnnoschool/internal/errors"
	"github.com/pedromerinno/mnnoschool/internal/model"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Fixture is the yaml document FileDirectory serves
type Fixture struct {
	Tenants     []model.Tenant `yaml:"tenants"`
	Memberships []Membership   `yaml:"memberships"`
}

// Membership links a user to a tenant
type Membership struct {
	UserID   string `yaml:"user_id"`
	TenantID string `yaml:"tenant_id"`
	Role     string `yaml:"role"`
}

// FileDirectory implements Directory over a yaml fixture, for local
// development and demos
type FileDirectory struct {
	mu          sync.RWMutex
	path        string
	tenants     map[string]model.Tenant
	order       []string
	memberships map[string]map[string]string // user -> tenant -> role
	logger      *zap.Logger
}

// NewFileDirectory loads the fixture at path
func NewFileDirectory(path string, logger *zap.Logger) (*FileDirectory, error) {
	d := &FileDirectory{
		path:   path,
		logger: logger,
	}
	if err := d.Reload(); err != nil {
		return nil, err
	}
	return d, nil
}

// NewFileDirectoryFromFixture builds a directory from an in-memory fixture
func NewFileDirectoryFromFixture(f Fixture, logger *zap.Logger) (*FileDirectory, error) {
	d := &FileDirectory{logger: logger}
	if err := d.load(f); err != nil {
		return nil, err
	}
	return d, nil
}

// Reload re-reads the fixture file
func (d *FileDirectory) Reload() error {
	data, err := os.ReadFile(d.path)
	if err != nil {
		return fmt.Errorf("failed to read directory fixture: %w", err)
	}

	var f Fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to parse directory fixture: %w", err)
	}

	if err := d.load(f); err != nil {
		return err
	}

	d.logger.Info("Loaded directory fixture",
		zap.String("path", d.path),
		zap.Int("tenants", len(f.Tenants)),
		zap.Int("memberships", len(f.Memberships)))
	return nil
}

func (d *FileDirectory) load(f Fixture) error {
	tenants := make(map[string]model.Tenant, len(f.Tenants))
	order := make([]string, 0, len(f.Tenants))
	for _, t := range f.Tenants {
		if t.ID == "" {
			return fmt.Errorf("tenant %q has no id", t.Name)
		}
		if _, dup := tenants[t.ID]; dup {
			return fmt.Errorf("duplicate tenant id %s", t.ID)
		}
		tenants[t.ID] = t.Clone()
		order = append(order, t.ID)
	}

	// Same order as the SQL backend
	sort.SliceStable(order, func(i, j int) bool {
		a, b := tenants[order[i]], tenants[order[j]]
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.ID < b.ID
	})

	memberships := make(map[string]map[string]string)
	for _, m := range f.Memberships {
		if _, ok := tenants[m.TenantID]; !ok {
			return fmt.Errorf("membership of %s references unknown tenant %s", m.UserID, m.TenantID)
		}
		role := m.Role
		if role == "" {
			role = RoleMember
		}
		if memberships[m.UserID] == nil {
			memberships[m.UserID] = make(map[string]string)
		}
		memberships[m.UserID][m.TenantID] = role
	}

	d.mu.Lock()
	d.tenants = tenants
	d.order = order
	d.memberships = memberships
	d.mu.Unlock()
	return nil
}

func (d *FileDirectory) ListTenants(ctx context.Context, userID string) (model.TenantSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Classify("ListTenants", err)
	}
	if userID == "" {
		return nil, apperrors.Validation("ListTenants", "user id is required", nil)
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	roles := d.memberships[userID]
	tenants := make(model.TenantSet, 0, len(roles))
	for _, id := range d.order {
		if _, ok := roles[id]; ok {
			tenants = append(tenants, d.tenants[id].Clone())
		}
	}
	return tenants, nil
}

func (d *FileDirectory) GetTenant(ctx context.Context, tenantID string) (*model.Tenant, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Classify("GetTenant", err)
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	t, ok := d.tenants[tenantID]
	if !ok {
		return nil, apperrors.NotFound("GetTenant", fmt.Sprintf("tenant %s not found", tenantID), nil)
	}
	t = t.Clone()
	return &t, nil
}

func (d *FileDirectory) CheckAccess(ctx context.Context, userID, tenantID string) error {
	_, err := d.role(ctx, "CheckAccess", userID, tenantID)
	return err
}

func (d *FileDirectory) IsAdmin(ctx context.Context, userID, tenantID string) (bool, error) {
	role, err := d.role(ctx, "IsAdmin", userID, tenantID)
	if err != nil {
		return false, err
	}
	return role == RoleAdmin, nil
}

func (d *FileDirectory) role(ctx context.Context, op, userID, tenantID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", apperrors.Classify(op, err)
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	role, ok := d.memberships[userID][tenantID]
	if !ok {
		return "", apperrors.Permission(op, fmt.Sprintf("user %s has no access to tenant %s", userID, tenantID), nil)
	}
	return role, nil
}

func (d *FileDirectory) Ping(ctx context.Context) error {
	return ctx.Err()
}
