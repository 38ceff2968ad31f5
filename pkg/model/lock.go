package model

import "time"

const (
	DefaultLeaseDuration = 5 * time.Minute
	DefaultMaxExtensions = 3
)

type ResourceType string

const (
	ResourceField    ResourceType = "field"
	ResourceSection  ResourceType = "section"
	ResourceDocument ResourceType = "document"
)

func (t ResourceType) Valid() bool {
	switch t {
	case ResourceField, ResourceSection, ResourceDocument:
		return true
	}
	return false
}

// Suggested next actions attached to a denied lock request. Override is a
// UI affordance only; the authority never force-takes a lease.
const (
	SuggestWait            = "wait"
	SuggestViewOwner       = "view_owner"
	SuggestRequestOverride = "request_override"
)

// Lock is a time-bounded lease on a single resource of an entity.
type Lock struct {
	ResourceID     string       `json:"resource_id" validate:"required"`
	ResourceType   ResourceType `json:"resource_type" validate:"required,oneof=field section document"`
	FieldName      string       `json:"field_name,omitempty"`
	EntityType     string       `json:"entity_type" validate:"required"`
	EntityID       string       `json:"entity_id" validate:"required"`
	OwnerUserID    string       `json:"owner_user_id" validate:"required"`
	OwnerName      string       `json:"owner_name"`
	AcquiredAt     time.Time    `json:"acquired_at"`
	ExpiresAt      time.Time    `json:"expires_at"`
	ExtensionCount int          `json:"extension_count" validate:"gte=0,ltefield=MaxExtensions"`
	MaxExtensions  int          `json:"max_extensions" validate:"gte=0"`
}

func (l Lock) Entity() EntityRef {
	return EntityRef{Type: l.EntityType, ID: l.EntityID}
}

// Key identifies the locked resource across all entities.
func (l Lock) Key() string {
	return LockKey(l.Entity(), l.ResourceID)
}

func LockKey(entity EntityRef, resourceID string) string {
	return entity.Key() + ":" + resourceID
}

// Expired reports whether the lease has lapsed at now. A lease is live up to,
// but not including, its ExpiresAt instant.
func (l Lock) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

func (l Lock) Remaining(now time.Time) time.Duration {
	if l.Expired(now) {
		return 0
	}
	return l.ExpiresAt.Sub(now)
}

func (l Lock) CanExtend() bool {
	return l.ExtensionCount < l.MaxExtensions
}

type LockConflict struct {
	RequestedResourceID string    `json:"requested_resource_id"`
	CurrentOwnerID      string    `json:"current_owner_id"`
	CurrentOwnerName    string    `json:"current_owner_name"`
	ExpiresAt           time.Time `json:"expires_at"`
	SuggestedActions    []string  `json:"suggested_actions"`
}

func NewLockConflict(resourceID string, held Lock) *LockConflict {
	return &LockConflict{
		RequestedResourceID: resourceID,
		CurrentOwnerID:      held.OwnerUserID,
		CurrentOwnerName:    held.OwnerName,
		ExpiresAt:           held.ExpiresAt,
		SuggestedActions:    []string{SuggestWait, SuggestViewOwner, SuggestRequestOverride},
	}
}

// LockResult is either Granted (Lock set) or Denied (Conflict set).
type LockResult struct {
	Granted   bool          `json:"granted"`
	Refreshed bool          `json:"refreshed,omitempty"`
	Lock      *Lock         `json:"lock,omitempty"`
	Conflict  *LockConflict `json:"conflict,omitempty"`
}

func Granted(lock Lock, refreshed bool) LockResult {
	return LockResult{Granted: true, Refreshed: refreshed, Lock: &lock}
}

func Denied(conflict *LockConflict) LockResult {
	return LockResult{Conflict: conflict}
}
