package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"satukolab/pkg/model"
)

var (
	ErrUnknownType    = errors.New("unknown message type")
	ErrInvalidPayload = errors.New("invalid payload")
)

var validate = validator.New()

// Envelope is the frame exchanged over the collaboration channel.
type Envelope struct {
	Type       Type            `json:"type"`
	RequestID  string          `json:"request_id,omitempty"`
	EntityType string          `json:"entity_type,omitempty"`
	EntityID   string          `json:"entity_id,omitempty"`
	UserID     string          `json:"user_id,omitempty"`
	Seq        uint64          `json:"seq,omitempty"`
	SentAt     time.Time       `json:"sent_at"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

func (e Envelope) Entity() model.EntityRef {
	return model.EntityRef{Type: e.EntityType, ID: e.EntityID}
}

// NewEnvelope validates payload against the schema for t and encodes it.
func NewEnvelope(t Type, payload any) (Envelope, error) {
	want, err := newPayload(t)
	if err != nil {
		return Envelope{}, err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	// Round-trip through the schema type so that an ad-hoc map cannot
	// smuggle a shape the receiver would reject.
	if err := json.Unmarshal(raw, want); err != nil {
		return Envelope{}, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, t, err)
	}
	if err := Validate(want); err != nil {
		return Envelope{}, fmt.Errorf("%s: %w", t, err)
	}
	return Envelope{Type: t, SentAt: time.Now().UTC(), Payload: raw}, nil
}

// Decode returns a pointer to the typed, validated payload of e.
func (e Envelope) Decode() (any, error) {
	p, err := newPayload(e.Type)
	if err != nil {
		return nil, err
	}
	if len(e.Payload) > 0 {
		if err := json.Unmarshal(e.Payload, p); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, e.Type, err)
		}
	}
	if err := Validate(p); err != nil {
		return nil, fmt.Errorf("%s: %w", e.Type, err)
	}
	return p, nil
}

// DecodeInto decodes and validates e into a payload of the caller's choosing.
func DecodeInto[T any](e Envelope) (*T, error) {
	p, err := e.Decode()
	if err != nil {
		return nil, err
	}
	typed, ok := p.(*T)
	if !ok {
		return nil, fmt.Errorf("%w: %s does not carry %T", ErrInvalidPayload, e.Type, typed)
	}
	return typed, nil
}

func Validate(payload any) error {
	if err := validate.Struct(payload); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

func newPayload(t Type) (any, error) {
	switch t {
	case Typing:
		return &TypingPayload{}, nil
	case CursorMoved:
		return &CursorMovedPayload{}, nil
	case DocumentLocked:
		return &DocumentLockedPayload{}, nil
	case DocumentUnlocked:
		return &DocumentUnlockedPayload{}, nil
	case UserJoined:
		return &UserJoinedPayload{}, nil
	case UserLeft:
		return &UserLeftPayload{}, nil
	case PresenceSync:
		return &PresenceSyncPayload{}, nil
	case LockRequest:
		return &LockRequestPayload{}, nil
	case LockRelease:
		return &LockReleasePayload{}, nil
	case LockExtend:
		return &LockExtendPayload{}, nil
	case LockResult:
		return &LockResultPayload{}, nil
	case ConflictSubmit:
		return &ConflictSubmitPayload{}, nil
	case ConflictBegin, ConflictCancel:
		return &ConflictRefPayload{}, nil
	case ConflictResolve:
		return &ConflictResolvePayload{}, nil
	case ConflictRequestInfo, ConflictInfoRequested:
		return &ConflictInfoPayload{}, nil
	case ConflictList:
		return &ConflictListPayload{}, nil
	case ConflictResult:
		return &ConflictResultPayload{}, nil
	case ConflictUpdated:
		return &ConflictUpdatedPayload{}, nil
	case Error:
		return &ErrorPayload{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
}
