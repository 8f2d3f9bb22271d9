package model

import "maps"

// Tenant represents a company a user can be scoped to
type Tenant struct {
	ID          string            `json:"id" yaml:"id"`
	Name        string            `json:"name" yaml:"name"`
	LogoURL     string            `json:"logo_url,omitempty" yaml:"logo_url,omitempty"`
	AccentColor string            `json:"accent_color,omitempty" yaml:"accent_color,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty" yaml:"attributes,omitempty"`
}

// Clone returns a deep copy of the tenant
func (t Tenant) Clone() Tenant {
	t.Attributes = maps.Clone(t.Attributes)
	return t
}

// Equal reports whether two tenants carry the same identity and attributes
func (t Tenant) Equal(other Tenant) bool {
	return t.ID == other.ID &&
		t.Name == other.Name &&
		t.LogoURL == other.LogoURL &&
		t.AccentColor == other.AccentColor &&
		maps.Equal(t.Attributes, other.Attributes)
}

// TenantSet is the ordered list of tenants a single user may access.
// It is always replaced wholesale, never merged.
type TenantSet []Tenant

// Contains reports whether the set holds a tenant with the given id
func (s TenantSet) Contains(id string) bool {
	_, ok := s.Find(id)
	return ok
}

// Find returns the member with the given id
func (s TenantSet) Find(id string) (Tenant, bool) {
	for _, t := range s {
		if t.ID == id {
			return t, true
		}
	}
	return Tenant{}, false
}

// IDs returns the member ids in order
func (s TenantSet) IDs() []string {
	ids := make([]string, 0, len(s))
	for _, t := range s {
		ids = append(ids, t.ID)
	}
	return ids
}

// Clone returns a deep copy. A nil set clones to an empty, non-nil set.
func (s TenantSet) Clone() TenantSet {
	out := make(TenantSet, 0, len(s))
	for _, t := range s {
		out = append(out, t.Clone())
	}
	return out
}

// Equal compares two sets member by member, in order
func (s TenantSet) Equal(other TenantSet) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if !s[i].Equal(other[i]) {
			return false
		}
	}
	return true
}

// SameMembers reports whether both sets contain exactly the same ids
func (s TenantSet) SameMembers(other TenantSet) bool {
	if len(s) != len(other) {
		return false
	}
	for _, t := range s {
		if !other.Contains(t.ID) {
			return false
		}
	}
	return true
}
