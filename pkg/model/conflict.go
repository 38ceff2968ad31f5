package model

import (
	"fmt"
	"time"
)

type ConflictKind string

const (
	FieldConflict    ConflictKind = "field_conflict"
	SectionConflict  ConflictKind = "section_conflict"
	DocumentConflict ConflictKind = "document_conflict"
	VersionConflict  ConflictKind = "version_conflict"
)

func (k ConflictKind) Valid() bool {
	switch k {
	case FieldConflict, SectionConflict, DocumentConflict, VersionConflict:
		return true
	}
	return false
}

type ConflictStatus string

const (
	ConflictPending   ConflictStatus = "pending"
	ConflictResolving ConflictStatus = "resolving"
	ConflictResolved  ConflictStatus = "resolved"
	ConflictCancelled ConflictStatus = "cancelled"
)

func (s ConflictStatus) Terminal() bool {
	return s == ConflictResolved || s == ConflictCancelled
}

// CanTransition enforces pending -> resolving -> {resolved, cancelled}.
// A pending record may also go straight to a terminal state.
func (s ConflictStatus) CanTransition(to ConflictStatus) bool {
	switch s {
	case ConflictPending:
		return to == ConflictResolving || to.Terminal()
	case ConflictResolving:
		return to.Terminal()
	}
	return false
}

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank orders priorities; unknown values rank below low.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

type CompetingValue struct {
	UserID     string    `json:"user_id" validate:"required"`
	UserName   string    `json:"user_name,omitempty"`
	Value      any       `json:"value"`
	ObservedAt time.Time `json:"observed_at"`
}

type ResolutionKind string

const (
	AcceptUser  ResolutionKind = "accept_user"
	MergeValues ResolutionKind = "merge_values"
	CustomValue ResolutionKind = "custom_value"
	CancelKind  ResolutionKind = "cancel"
)

type Resolution struct {
	Kind           ResolutionKind `json:"kind"`
	SelectedUserID string         `json:"selected_user_id,omitempty"`
	MergedValue    any            `json:"merged_value,omitempty"`
	CustomValue    any            `json:"custom_value,omitempty"`
	Comments       string         `json:"comments,omitempty"`
}

// Validate checks that the payload required by Kind is present. It never
// needs the record, so callers can reject before any round trip.
func (r Resolution) Validate() error {
	switch r.Kind {
	case "":
		return fmt.Errorf("%w: kind is required", ErrInvalidResolution)
	case AcceptUser:
		if r.SelectedUserID == "" {
			return fmt.Errorf("%w: selected_user_id is required for %s", ErrInvalidResolution, r.Kind)
		}
	case MergeValues:
		if r.MergedValue == nil {
			return fmt.Errorf("%w: merged_value is required for %s", ErrInvalidResolution, r.Kind)
		}
	case CustomValue:
		if r.CustomValue == nil {
			return fmt.Errorf("%w: custom_value is required for %s", ErrInvalidResolution, r.Kind)
		}
	case CancelKind:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidResolution, r.Kind)
	}
	return nil
}

type ConflictRecord struct {
	ID                  string           `json:"id"`
	Kind                ConflictKind     `json:"kind"`
	Entity              EntityRef        `json:"entity"`
	ResourceID          string           `json:"resource_id"`
	FieldName           string           `json:"field_name,omitempty"`
	DedupKey            string           `json:"dedup_key"`
	CompetingValues     []CompetingValue `json:"competing_values"`
	Status              ConflictStatus   `json:"status"`
	Priority            Priority         `json:"priority"`
	CreatedAt           time.Time        `json:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at"`
	SuggestedResolution *ResolutionKind  `json:"suggested_resolution,omitempty"`
	SuggestedValue      any              `json:"suggested_value,omitempty"`
	Resolution          *Resolution      `json:"resolution,omitempty"`
	ResolvedValue       any              `json:"resolved_value,omitempty"`
	ResolvedBy          string           `json:"resolved_by,omitempty"`
}

// Participants returns the distinct users referenced by the competing values.
func (c ConflictRecord) Participants() []string {
	seen := make(map[string]bool, len(c.CompetingValues))
	users := make([]string, 0, len(c.CompetingValues))
	for _, v := range c.CompetingValues {
		if !seen[v.UserID] {
			seen[v.UserID] = true
			users = append(users, v.UserID)
		}
	}
	return users
}

func (c ConflictRecord) ValueOf(userID string) (CompetingValue, bool) {
	for _, v := range c.CompetingValues {
		if v.UserID == userID {
			return v, true
		}
	}
	return CompetingValue{}, false
}
