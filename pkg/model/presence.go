package model

import "time"

const (
	IdleAfter = 2 * time.Minute
	AwayAfter = 5 * time.Minute
)

type PresenceStatus string

const (
	StatusActive PresenceStatus = "active"
	StatusIdle   PresenceStatus = "idle"
	StatusAway   PresenceStatus = "away"
)

// Identity is the acting user as supplied by the identity provider.
type Identity struct {
	UserID   string `json:"user_id" validate:"required"`
	UserName string `json:"user_name"`
	Avatar   string `json:"avatar,omitempty"`
}

type EntityRef struct {
	Type string `json:"type" validate:"required"`
	ID   string `json:"id" validate:"required"`
}

// Key is the room key used by the hub and the stores.
func (e EntityRef) Key() string {
	return e.Type + ":" + e.ID
}

func (e EntityRef) IsZero() bool {
	return e.Type == "" && e.ID == ""
}

type CurrentEntity struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	IsEditing bool   `json:"is_editing"`
}

type ActiveUser struct {
	UserID         string         `json:"user_id" validate:"required"`
	UserName       string         `json:"user_name"`
	Avatar         string         `json:"avatar,omitempty"`
	LastActivityAt time.Time      `json:"last_activity_at"`
	CurrentEntity  *CurrentEntity `json:"current_entity,omitempty"`
}

// Status derives the display-only activity state. It is never used to
// decide presence membership.
func (u ActiveUser) Status(now time.Time) PresenceStatus {
	since := now.Sub(u.LastActivityAt)
	switch {
	case since > AwayAfter:
		return StatusAway
	case since > IdleAfter:
		return StatusIdle
	default:
		return StatusActive
	}
}
