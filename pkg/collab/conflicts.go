package collab

import (
	"context"
	"fmt"

	"satukolab/pkg/eventbus"
	"satukolab/pkg/model"
	"satukolab/pkg/protocol"
)

// Submission is one user's value for a contested resource.
type Submission struct {
	Kind       model.ConflictKind
	ResourceID string
	FieldName  string
	Value      any
	Priority   model.Priority
}

// InfoRequest is a triager's request for more context on a conflict.
type InfoRequest struct {
	ConflictID string
	From       string
	Message    string
}

// ConflictClient drives the conflict workflow of the session's entity.
// The resolver on the hub owns every record; the client only submits values
// and triage decisions.
type ConflictClient struct {
	s *Session
}

func NewConflictClient(s *Session) *ConflictClient {
	return &ConflictClient{s: s}
}

// Submit reports the caller's value for a resource. The result is nil when
// no conflict exists yet; created is true for the submission that opened a
// new record.
func (c *ConflictClient) Submit(ctx context.Context, sub Submission) (rec *model.ConflictRecord, created bool, err error) {
	p, err := c.call(ctx, protocol.ConflictSubmit, protocol.ConflictSubmitPayload{
		Kind:       sub.Kind,
		ResourceID: sub.ResourceID,
		FieldName:  sub.FieldName,
		Value:      sub.Value,
		Priority:   sub.Priority,
	})
	if err != nil {
		return nil, false, err
	}
	return p.Record, p.Created, nil
}

// ListActive returns the open records by priority, then age.
func (c *ConflictClient) ListActive(ctx context.Context) ([]model.ConflictRecord, error) {
	p, err := c.call(ctx, protocol.ConflictList, protocol.ConflictListPayload{})
	if err != nil {
		return nil, err
	}
	return p.Records, nil
}

// History returns the resolved and cancelled records.
func (c *ConflictClient) History(ctx context.Context) ([]model.ConflictRecord, error) {
	p, err := c.call(ctx, protocol.ConflictList, protocol.ConflictListPayload{History: true})
	if err != nil {
		return nil, err
	}
	return p.Records, nil
}

func (c *ConflictClient) Begin(ctx context.Context, conflictID string) (model.ConflictRecord, error) {
	return c.record(ctx, protocol.ConflictBegin, protocol.ConflictRefPayload{ConflictID: conflictID})
}

// Resolve applies res to the record. The resolution is checked locally
// first, so a malformed one never leaves the client.
func (c *ConflictClient) Resolve(ctx context.Context, conflictID string, res model.Resolution) (model.ConflictRecord, error) {
	if err := res.Validate(); err != nil {
		return model.ConflictRecord{}, err
	}
	if res.Kind == model.CancelKind {
		return c.Cancel(ctx, conflictID)
	}
	return c.record(ctx, protocol.ConflictResolve, protocol.ConflictResolvePayload{ConflictID: conflictID, Resolution: res})
}

func (c *ConflictClient) Cancel(ctx context.Context, conflictID string) (model.ConflictRecord, error) {
	return c.record(ctx, protocol.ConflictCancel, protocol.ConflictRefPayload{ConflictID: conflictID})
}

// RequestMoreInfo asks the record's participants for context. The record
// itself is not changed.
func (c *ConflictClient) RequestMoreInfo(ctx context.Context, conflictID, message string) error {
	_, err := c.call(ctx, protocol.ConflictRequestInfo, protocol.ConflictInfoPayload{ConflictID: conflictID, Message: message})
	return err
}

// OnUpdate calls fn for every record change in the entity.
func (c *ConflictClient) OnUpdate(fn func(model.ConflictRecord)) func() {
	return c.s.bus.Subscribe(protocol.ConflictUpdated, func(e eventbus.Event) {
		if p, ok := e.Payload.(*protocol.ConflictUpdatedPayload); ok {
			fn(p.Record)
		}
	})
}

// OnInfoRequested calls fn when a triager asks the session's user for
// more context.
func (c *ConflictClient) OnInfoRequested(fn func(InfoRequest)) func() {
	return c.s.bus.Subscribe(protocol.ConflictInfoRequested, func(e eventbus.Event) {
		if p, ok := e.Payload.(*protocol.ConflictInfoPayload); ok {
			fn(InfoRequest{ConflictID: p.ConflictID, From: p.From, Message: p.Message})
		}
	})
}

func (c *ConflictClient) record(ctx context.Context, t protocol.Type, payload any) (model.ConflictRecord, error) {
	p, err := c.call(ctx, t, payload)
	if err != nil {
		return model.ConflictRecord{}, err
	}
	if p.Record == nil {
		return model.ConflictRecord{}, fmt.Errorf("%s: reply carries no record", t)
	}
	return *p.Record, nil
}

func (c *ConflictClient) call(ctx context.Context, t protocol.Type, payload any) (*protocol.ConflictResultPayload, error) {
	env, err := c.s.request(ctx, "", t, payload)
	if err != nil {
		return nil, err
	}
	return protocol.DecodeInto[protocol.ConflictResultPayload](env)
}
