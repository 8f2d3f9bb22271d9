// Package events is the in-process publish/subscribe channel that tells
// decoupled consumers about tenant selection and data changes.
//
// Delivery is synchronous and best effort. There is no persistence and no
// replay for late subscribers. Subscribers must tolerate duplicate delivery
// of the same logical change.
package events

import "github.com/pedromerinno/mnnoschool/internal/model"

// Topic identifies the kind of event
type Topic int

const (
	// TopicTenantSelected is published when the active tenant changes
	TopicTenantSelected Topic = iota + 1

	// TopicTenantUpdated is published when the active tenant's data changed.
	// For a switch it always follows the TopicTenantSelected event of the same change.
	TopicTenantUpdated

	// TopicTenantAccessChanged is published when the set of accessible tenants changed
	TopicTenantAccessChanged

	// TopicTenantDeleted is published when a tenant disappeared from the directory
	TopicTenantDeleted

	// TopicContentReload tells dependent lists (videos, documents, roles) to reload
	TopicContentReload
)

// String returns the topic name used in logs and metric labels
func (t Topic) String() string {
	switch t {
	case TopicTenantSelected:
		return "tenant_selected"
	case TopicTenantUpdated:
		return "tenant_updated"
	case TopicTenantAccessChanged:
		return "tenant_access_changed"
	case TopicTenantDeleted:
		return "tenant_deleted"
	case TopicContentReload:
		return "content_reload"
	default:
		return "unknown"
	}
}

// Event is implemented by every payload type; the payload type fixes the topic
type Event interface {
	Topic() Topic
}

// TenantSelected announces a new active tenant. Tenant is nil when the selection was cleared.
type TenantSelected struct {
	ChangeID   string
	UserID     string
	Tenant     *model.Tenant
	PreviousID string
	Reason     string
}

func (TenantSelected) Topic() Topic { return TopicTenantSelected }

// TenantUpdated carries the current record of the active tenant
type TenantUpdated struct {
	ChangeID string
	UserID   string
	Tenant   model.Tenant
}

func (TenantUpdated) Topic() Topic { return TopicTenantUpdated }

// TenantAccessChanged reports a new accessible set for a user
type TenantAccessChanged struct {
	UserID  string
	Added   []string
	Removed []string
	Tenants model.TenantSet
}

func (TenantAccessChanged) Topic() Topic { return TopicTenantAccessChanged }

// TenantDeleted reports that a tenant no longer exists
type TenantDeleted struct {
	TenantID string
}

func (TenantDeleted) Topic() Topic { return TopicTenantDeleted }

// ContentReload asks tenant-scoped lists to refetch. TenantID is empty when nothing is selected.
type ContentReload struct {
	ChangeID string
	TenantID string
}

func (ContentReload) Topic() Topic { return TopicContentReload }
