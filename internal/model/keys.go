package model

import "fmt"

// Resource key prefixes shared by the cache and the request coordinator
const (
	TenantsKeyPrefix          = "tenants:"
	SelectedTenantKeyPrefix   = "selected_tenant:"
	SelectedTenantIDKeyPrefix = "selected_tenant_id:"
)

// TenantsKey is the cache and fetch key of a user's tenant set
func TenantsKey(userID string) string {
	return fmt.Sprintf("%s%s", TenantsKeyPrefix, userID)
}

// SelectedTenantKey is the cache key of a user's persisted selection
func SelectedTenantKey(userID string) string {
	return fmt.Sprintf("%s%s", SelectedTenantKeyPrefix, userID)
}

// SelectedTenantIDKey is the cache key of the bare id of a user's last selection.
// It outlives the full record so a selection can be re-resolved by id.
func SelectedTenantIDKey(userID string) string {
	return fmt.Sprintf("%s%s", SelectedTenantIDKeyPrefix, userID)
}
