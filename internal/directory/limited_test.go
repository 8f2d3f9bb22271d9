package directory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLimited_PassesCallsThrough(t *testing.T) {
	d := NewLimited(newFixtureDirectory(t), 0, 0)

	tenants, err := d.ListTenants(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"initech"}, tenants.IDs())

	admin, err := d.IsAdmin(context.Background(), "alice", "acme")
	require.NoError(t, err)
	assert.True(t, admin)
}

func TestLimited_DeadlineWhileWaiting(t *testing.T) {
	inner, err := NewFileDirectoryFromFixture(Fixture{}, zap.NewNop())
	require.NoError(t, err)
	d := NewLimited(inner, 0.001, 1)

	// Consumes the only token
	_, err = d.ListTenants(context.Background(), "u")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = d.GetTenant(ctx, "t")
	assert.Error(t, err)
}
