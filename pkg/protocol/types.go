package protocol

import "satukolab/pkg/model"

type Type string

// Events fanned out to every subscriber of an entity. The set is closed.
const (
	Typing           Type = "typing"
	CursorMoved      Type = "cursor_moved"
	DocumentLocked   Type = "document_locked"
	DocumentUnlocked Type = "document_unlocked"
	UserJoined       Type = "user_joined"
	UserLeft         Type = "user_left"
)

// Control messages exchanged between one client and the hub.
const (
	PresenceSync          Type = "presence_sync"
	LockRequest           Type = "lock_request"
	LockRelease           Type = "lock_release"
	LockExtend            Type = "lock_extend"
	LockResult            Type = "lock_result"
	ConflictSubmit        Type = "conflict_submit"
	ConflictBegin         Type = "conflict_begin"
	ConflictResolve       Type = "conflict_resolve"
	ConflictCancel        Type = "conflict_cancel"
	ConflictRequestInfo   Type = "conflict_request_info"
	ConflictList          Type = "conflict_list"
	ConflictResult        Type = "conflict_result"
	ConflictUpdated       Type = "conflict_updated"
	ConflictInfoRequested Type = "conflict_info_requested"
	Error                 Type = "error"
)

// Events lists the fan-out kinds in a stable order.
var Events = []Type{Typing, CursorMoved, DocumentLocked, DocumentUnlocked, UserJoined, UserLeft}

func (t Type) IsEvent() bool {
	switch t {
	case Typing, CursorMoved, DocumentLocked, DocumentUnlocked, UserJoined, UserLeft:
		return true
	}
	return false
}

// ClientPublishable reports whether clients may publish the event kind
// themselves. Lock and membership events originate only at the hub.
func (t Type) ClientPublishable() bool {
	return t == Typing || t == CursorMoved
}

type TypingPayload struct {
	FieldName string `json:"field_name" validate:"required"`
	IsTyping  bool   `json:"is_typing"`
}

type CursorMovedPayload struct {
	FieldName string `json:"field_name" validate:"required"`
	Position  int    `json:"position" validate:"gte=0"`
}

type DocumentLockedPayload struct {
	Lock model.Lock `json:"lock"`
}

type DocumentUnlockedPayload struct {
	ResourceID string `json:"resource_id" validate:"required"`
}

type UserJoinedPayload struct {
	User model.ActiveUser `json:"user"`
}

type UserLeftPayload struct {
	UserID string `json:"user_id" validate:"required"`
}

// PresenceSyncPayload is the complete presence and lock state of an entity,
// pushed on every (re)connect.
type PresenceSyncPayload struct {
	Users []model.ActiveUser `json:"users" validate:"dive"`
	Locks []model.Lock       `json:"locks" validate:"dive"`
}

type LockRequestPayload struct {
	ResourceID   string             `json:"resource_id" validate:"required"`
	ResourceType model.ResourceType `json:"resource_type" validate:"required,oneof=field section document"`
	FieldName    string             `json:"field_name,omitempty"`
	TimeoutMs    int64              `json:"timeout_ms" validate:"gte=0"`
}

type LockReleasePayload struct {
	ResourceID string `json:"resource_id" validate:"required"`
}

type LockExtendPayload struct {
	ResourceID string `json:"resource_id" validate:"required"`
	DurationMs int64  `json:"duration_ms" validate:"gte=0"`
}

type LockResultPayload struct {
	Op       Type                `json:"op" validate:"required,oneof=lock_request lock_release lock_extend"`
	Granted  bool                `json:"granted"`
	Refresh  bool                `json:"refreshed,omitempty"`
	Extended bool                `json:"extended,omitempty"`
	Lock     *model.Lock         `json:"lock,omitempty"`
	Conflict *model.LockConflict `json:"conflict,omitempty"`
}

func (p LockResultPayload) Result() model.LockResult {
	return model.LockResult{Granted: p.Granted, Refreshed: p.Refresh, Lock: p.Lock, Conflict: p.Conflict}
}

type ConflictSubmitPayload struct {
	Kind       model.ConflictKind `json:"kind" validate:"required,oneof=field_conflict section_conflict document_conflict version_conflict"`
	ResourceID string             `json:"resource_id" validate:"required_without=FieldName"`
	FieldName  string             `json:"field_name,omitempty"`
	Value      any                `json:"value"`
	Priority   model.Priority     `json:"priority,omitempty" validate:"omitempty,oneof=low medium high critical"`
}

type ConflictRefPayload struct {
	ConflictID string `json:"conflict_id" validate:"required"`
}

type ConflictResolvePayload struct {
	ConflictID string           `json:"conflict_id" validate:"required"`
	Resolution model.Resolution `json:"resolution"`
}

type ConflictInfoPayload struct {
	ConflictID string `json:"conflict_id" validate:"required"`
	Message    string `json:"message,omitempty"`
	From       string `json:"from,omitempty"`
}

type ConflictListPayload struct {
	History bool `json:"history,omitempty"`
}

// ConflictResultPayload answers a conflict request. Record is nil when a
// submission did not produce a conflict.
type ConflictResultPayload struct {
	Record  *model.ConflictRecord  `json:"record,omitempty"`
	Records []model.ConflictRecord `json:"records,omitempty"`
	Created bool                   `json:"created,omitempty"`
}

type ConflictUpdatedPayload struct {
	Record model.ConflictRecord `json:"record"`
}

type ErrorPayload struct {
	Code    string `json:"code" validate:"required"`
	Message string `json:"message"`
}
