package selection

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/pedromerinno/mnnoschool/internal/cache"
	"github.com/pedromerinno/mnnoschool/internal/directory/directorytest"
	apperrors "github.com/pedromerinno/mnnoschool/internal/errors"
	"github.com/pedromerinno/mnnoschool/internal/events"
	"github.com/pedromerinno/mnnoschool/internal/model"
	"github.com/pedromerinno/mnnoschool/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	acme    = model.Tenant{ID: "t1", Name: "Acme"}
	globex  = model.Tenant{ID: "t2", Name: "Globex"}
	initech = model.Tenant{ID: "t3", Name: "Initech"}
)

type fixture struct {
	manager *Manager
	dir     *directorytest.MockDirectory
	cache   *cache.Store
	bus     *events.Bus
	topics  []string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := cache.NewMemoryTier(100, 0)
	t.Cleanup(mem.Close)

	f := &fixture{
		dir:   new(directorytest.MockDirectory),
		cache: cache.NewStore(mem, store.NewMemoryKV()),
		bus:   events.NewBus(zap.NewNop(), nil),
	}
	f.manager = NewManager(f.dir, f.cache, f.bus, WithLogger(zap.NewNop()))

	record := func(e events.Event) { f.topics = append(f.topics, e.Topic().String()) }
	for _, topic := range []events.Topic{
		events.TopicTenantSelected,
		events.TopicTenantUpdated,
		events.TopicTenantAccessChanged,
		events.TopicContentReload,
	} {
		f.bus.Subscribe(topic, record)
	}
	return f
}

func (f *fixture) persistID(t *testing.T, userID, tenantID string) {
	t.Helper()
	require.NoError(t, f.cache.Set(context.Background(), model.SelectedTenantIDKey(userID), tenantID, time.Hour))
}

func (f *fixture) persistTenant(t *testing.T, userID string, tenant model.Tenant) {
	t.Helper()
	require.NoError(t, f.cache.Set(context.Background(), model.SelectedTenantKey(userID), tenant, time.Hour))
	f.persistID(t, userID, tenant.ID)
}

func TestRestore_ScenarioA_SeveralTenantsNoPriorSelection(t *testing.T) {
	f := newFixture(t)

	selected := f.manager.Restore(context.Background(), "alice", model.TenantSet{acme, globex, initech})

	assert.Nil(t, selected)
	assert.Nil(t, f.manager.Current())
	assert.Empty(t, f.topics)
}

func TestRestore_ScenarioB_SingleTenantIsAutoSelected(t *testing.T) {
	f := newFixture(t)

	selected := f.manager.Restore(context.Background(), "alice", model.TenantSet{globex})

	require.NotNil(t, selected)
	assert.Equal(t, "t2", selected.ID)
	assert.Equal(t, []string{"tenant_selected", "content_reload"}, f.topics)

	var id string
	require.True(t, f.cache.Get(context.Background(), model.SelectedTenantIDKey("alice"), &id))
	assert.Equal(t, "t2", id)
}

func TestRestore_ScenarioC_PersistedIDMissingFromNewSet(t *testing.T) {
	t.Run("several tenants stay unselected", func(t *testing.T) {
		f := newFixture(t)
		f.persistTenant(t, "alice", acme)

		selected := f.manager.Restore(context.Background(), "alice", model.TenantSet{globex, initech})

		assert.Nil(t, selected)
		var id string
		assert.False(t, f.cache.Get(context.Background(), model.SelectedTenantIDKey("alice"), &id))
		assert.False(t, f.cache.IsFresh(context.Background(), model.SelectedTenantKey("alice")))
	})

	t.Run("single tenant is auto-selected", func(t *testing.T) {
		f := newFixture(t)
		f.persistTenant(t, "alice", acme)

		selected := f.manager.Restore(context.Background(), "alice", model.TenantSet{globex})

		require.NotNil(t, selected)
		assert.Equal(t, "t2", selected.ID)
	})
}

func TestRestore_KeepsPersistedSelectionRefreshedFromSet(t *testing.T) {
	f := newFixture(t)
	f.persistTenant(t, "alice", model.Tenant{ID: "t2", Name: "Globex (old name)"})

	selected := f.manager.Restore(context.Background(), "alice", model.TenantSet{acme, globex})

	require.NotNil(t, selected)
	assert.Equal(t, "Globex", selected.Name)
	f.dir.AssertNotCalled(t, "GetTenant", mock.Anything, mock.Anything)
}

func TestRestore_ResolvesSurvivingIDThroughDirectory(t *testing.T) {
	f := newFixture(t)
	f.persistID(t, "alice", "t3")
	fresh := model.Tenant{ID: "t3", Name: "Initech", AccentColor: "#00ff00"}
	f.dir.On("GetTenant", mock.Anything, "t3").Return(&fresh, nil).Once()

	selected := f.manager.Restore(context.Background(), "alice", model.TenantSet{acme, initech})

	require.NotNil(t, selected)
	assert.Equal(t, "#00ff00", selected.AccentColor)
	f.dir.AssertExpectations(t)
}

func TestRestore_LookupFailureFallsBackToFirstTenant(t *testing.T) {
	f := newFixture(t)
	f.persistID(t, "alice", "t3")
	f.dir.On("GetTenant", mock.Anything, "t3").
		Return(nil, apperrors.Network("GetTenant", "timeout", nil)).Once()

	selected := f.manager.Restore(context.Background(), "alice", model.TenantSet{acme, initech})

	require.NotNil(t, selected)
	assert.Equal(t, "t1", selected.ID)
}

func TestRestore_SelectionInvariant(t *testing.T) {
	pool := []model.Tenant{acme, globex, initech, {ID: "t4", Name: "Umbrella"}, {ID: "t5", Name: "Hooli"}}
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 200; i++ {
		f := newFixture(t)
		f.dir.On("GetTenant", mock.Anything, mock.Anything).
			Return(nil, apperrors.Server("GetTenant", "boom", nil)).Maybe()

		if rng.Intn(2) == 0 {
			f.persistTenant(t, "alice", pool[rng.Intn(len(pool))])
		} else if rng.Intn(2) == 0 {
			f.persistID(t, "alice", pool[rng.Intn(len(pool))].ID)
		}

		set := model.TenantSet{}
		for _, tenant := range pool {
			if rng.Intn(2) == 0 {
				set = append(set, tenant)
			}
		}

		selected := f.manager.Restore(context.Background(), "alice", set)
		if selected != nil {
			assert.True(t, set.Contains(selected.ID), "iteration %d: restored %s outside %v", i, selected.ID, set.IDs())
		}

		next := set[:rng.Intn(len(set)+1)]
		selected = f.manager.ClearIfInvalid(context.Background(), "alice", next)
		if selected != nil {
			assert.True(t, next.Contains(selected.ID), "iteration %d: kept %s outside %v", i, selected.ID, next.IDs())
		}
		if current := f.manager.Current(); current != nil {
			assert.True(t, next.Contains(current.ID), fmt.Sprintf("iteration %d", i))
		}
	}
}

func TestSelect_PublishesSelectedBeforeUpdated(t *testing.T) {
	f := newFixture(t)
	f.dir.On("CheckAccess", mock.Anything, "alice", "t2").Return(nil).Once()

	var changeIDs []string
	events.On(f.bus, func(e events.TenantSelected) { changeIDs = append(changeIDs, e.ChangeID) })
	events.On(f.bus, func(e events.TenantUpdated) { changeIDs = append(changeIDs, e.ChangeID) })

	require.NoError(t, f.manager.Select(context.Background(), "alice", globex))

	assert.Equal(t, []string{"tenant_selected", "tenant_updated", "content_reload"}, f.topics)
	require.Len(t, changeIDs, 2)
	assert.Equal(t, changeIDs[0], changeIDs[1])
	assert.Equal(t, "t2", f.manager.Current().ID)

	var persisted model.Tenant
	require.True(t, f.cache.Get(context.Background(), model.SelectedTenantKey("alice"), &persisted))
	assert.Equal(t, "Globex", persisted.Name)
}

func TestSelect_DeniedLeavesPriorSelection(t *testing.T) {
	f := newFixture(t)
	f.dir.On("CheckAccess", mock.Anything, "alice", "t1").Return(nil).Once()
	f.dir.On("CheckAccess", mock.Anything, "alice", "t3").
		Return(apperrors.Permission("CheckAccess", "no membership", nil)).Once()

	require.NoError(t, f.manager.Select(context.Background(), "alice", acme))
	f.topics = nil

	err := f.manager.Select(context.Background(), "alice", initech)

	assert.True(t, apperrors.IsPermission(err))
	assert.Equal(t, "t1", f.manager.Current().ID)
	assert.Empty(t, f.topics)
}

func TestClearIfInvalid_RemovedSelectionIsCleared(t *testing.T) {
	f := newFixture(t)
	f.dir.On("CheckAccess", mock.Anything, "alice", "t1").Return(nil).Once()
	require.NoError(t, f.manager.Select(context.Background(), "alice", acme))
	f.topics = nil

	var removed []string
	events.On(f.bus, func(e events.TenantAccessChanged) { removed = e.Removed })

	selected := f.manager.ClearIfInvalid(context.Background(), "alice", model.TenantSet{globex, initech})

	assert.Nil(t, selected)
	assert.Nil(t, f.manager.Current())
	assert.Equal(t, []string{"t1"}, removed)
	assert.Equal(t, []string{"tenant_access_changed", "tenant_selected", "content_reload"}, f.topics)
}

func TestClearIfInvalid_ChangedRecordPublishesUpdate(t *testing.T) {
	f := newFixture(t)
	f.dir.On("CheckAccess", mock.Anything, "alice", "t1").Return(nil).Once()
	require.NoError(t, f.manager.Select(context.Background(), "alice", acme))
	f.topics = nil

	renamed := model.Tenant{ID: "t1", Name: "Acme Corp"}
	selected := f.manager.ClearIfInvalid(context.Background(), "alice", model.TenantSet{renamed, globex})

	require.NotNil(t, selected)
	assert.Equal(t, "Acme Corp", selected.Name)
	assert.Equal(t, []string{"tenant_updated"}, f.topics)
}

func TestReconcile_LeavesAccessChangedToCaller(t *testing.T) {
	f := newFixture(t)
	f.dir.On("CheckAccess", mock.Anything, "alice", "t1").Return(nil).Once()
	require.NoError(t, f.manager.Select(context.Background(), "alice", acme))
	f.topics = nil

	selected := f.manager.Reconcile(context.Background(), f.manager.Epoch(), "alice", model.TenantSet{globex})

	require.NotNil(t, selected)
	assert.Equal(t, "t2", selected.ID)
	assert.NotContains(t, f.topics, "tenant_access_changed")
	assert.Equal(t, []string{"tenant_selected", "content_reload"}, f.topics)
}

func TestReconcile_RestoresWhenNothingSelected(t *testing.T) {
	f := newFixture(t)
	f.persistTenant(t, "alice", globex)

	selected := f.manager.Reconcile(context.Background(), f.manager.Epoch(), "alice", model.TenantSet{acme, globex})

	require.NotNil(t, selected)
	assert.Equal(t, "t2", selected.ID)
}

func TestReset_DropsWritesOfEndedEpoch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	epoch := f.manager.Epoch()

	f.manager.Reset()
	assert.NotEqual(t, epoch, f.manager.Epoch())

	f.dir.On("CheckAccess", mock.Anything, "alice", "t1").Return(nil).Once()
	err := f.manager.SelectAt(ctx, epoch, "alice", acme)
	assert.True(t, apperrors.IsAborted(err))

	assert.Nil(t, f.manager.Reconcile(ctx, epoch, "alice", model.TenantSet{globex}))
	assert.Nil(t, f.manager.Current())
	assert.Empty(t, f.topics)

	var id string
	assert.False(t, f.cache.Get(ctx, model.SelectedTenantIDKey("alice"), &id))
	assert.False(t, f.cache.IsFresh(ctx, model.SelectedTenantKey("alice")))
}

func TestCurrent_ReturnsCopy(t *testing.T) {
	f := newFixture(t)
	f.manager.Restore(context.Background(), "alice", model.TenantSet{{ID: "t1", Name: "Acme", Attributes: map[string]string{"plan": "pro"}}})

	c := f.manager.Current()
	c.Attributes["plan"] = "free"

	assert.Equal(t, "pro", f.manager.Current().Attributes["plan"])
}
