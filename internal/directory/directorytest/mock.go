// Package directorytest provides a testify mock of directory.Directory
package directorytest

import (
	"context"

	"github.com/pedromerinno/mnnoschool/internal/model"
	"github.com/stretchr/testify/mock"
)

// MockDirectory is a mock implementation of directory.Directory
type MockDirectory struct {
	mock.Mock
}

func (m *MockDirectory) ListTenants(ctx context.Context, userID string) (model.TenantSet, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(model.TenantSet), args.Error(1)
}

func (m *MockDirectory) GetTenant(ctx context.Context, tenantID string) (*model.Tenant, error) {
	args := m.Called(ctx, tenantID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Tenant), args.Error(1)
}

func (m *MockDirectory) CheckAccess(ctx context.Context, userID, tenantID string) error {
	args := m.Called(ctx, userID, tenantID)
	return args.Error(0)
}

func (m *MockDirectory) IsAdmin(ctx context.Context, userID, tenantID string) (bool, error) {
	args := m.Called(ctx, userID, tenantID)
	return args.Bool(0), args.Error(1)
}

func (m *MockDirectory) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
