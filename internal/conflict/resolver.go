package conflict

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"satukolab/internal/metrics"
	"satukolab/pkg/logger"
	"satukolab/pkg/model"
)

var ErrNotEnoughValues = errors.New("a conflict needs at least two competing values")

// DefaultObservationWindow is how long a submitted value can still be
// contradicted by another user's submission.
const DefaultObservationWindow = 10 * time.Minute

// Notifier delivers resolver outcomes to the participants. It stands in for
// the hub and any external messaging collaborator.
type Notifier interface {
	ConflictUpdated(rec model.ConflictRecord)
	InfoRequested(rec model.ConflictRecord, from model.Identity, message string)
}

// Applier writes a chosen value to the record's storage. It is optional;
// without it the outcome is only broadcast.
type Applier interface {
	Apply(ctx context.Context, rec model.ConflictRecord, value any) error
}

// Observation is one user's submitted value for a logical resource.
type Observation struct {
	Kind       model.ConflictKind
	ResourceID string
	FieldName  string
	Value      any
	Priority   model.Priority
}

// Escalation turns known contention into a record directly.
type Escalation struct {
	Kind       model.ConflictKind
	ResourceID string
	FieldName  string
	Values     []model.CompetingValue
	Priority   model.Priority
}

// Resolver is the only writer of conflict records.
type Resolver struct {
	mu       sync.Mutex
	repo     Repository
	strategy MergeStrategy
	notifier Notifier
	applier  Applier
	metrics  *metrics.Metrics
	now      func() time.Time
	newID    func() string

	// latest submitted value per user, per dedup key
	observed map[string]map[string]model.CompetingValue
	window   time.Duration
	prunedAt time.Time
}

type Option func(*Resolver)

func WithStrategy(s MergeStrategy) Option { return func(r *Resolver) { r.strategy = s } }
func WithNotifier(n Notifier) Option      { return func(r *Resolver) { r.notifier = n } }
func WithApplier(a Applier) Option        { return func(r *Resolver) { r.applier = a } }
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}
func WithClock(now func() time.Time) Option { return func(r *Resolver) { r.now = now } }
func WithIDs(newID func() string) Option    { return func(r *Resolver) { r.newID = newID } }

// WithObservationWindow sets how long submissions are remembered while no
// record is open for their key.
func WithObservationWindow(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.window = d
		}
	}
}

func NewResolver(repo Repository, opts ...Option) *Resolver {
	r := &Resolver{
		repo:     repo,
		strategy: LongestOrLatest{},
		now:      time.Now,
		newID:    uuid.NewString,
		observed: make(map[string]map[string]model.CompetingValue),
		window:   DefaultObservationWindow,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Resolver) SetNotifier(n Notifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifier = n
}

// DedupKey identifies one logical conflict so that resubmissions of the
// same decision collapse into a single record.
func DedupKey(entity model.EntityRef, kind model.ConflictKind, resourceID, fieldName string) string {
	if resourceID == "" {
		resourceID = fieldName
	}
	return strings.Join([]string{entity.Type, entity.ID, string(kind), resourceID}, "|")
}

// Observe records who's value for a resource. Once two users have submitted
// different values a pending record is created; later submissions update the
// open record. It returns the affected record, or nil when there is no
// conflict, and whether a record was created.
func (r *Resolver) Observe(ctx context.Context, who model.Identity, entity model.EntityRef, obs Observation) (*model.ConflictRecord, bool, error) {
	if !obs.Kind.Valid() {
		return nil, false, fmt.Errorf("observe: invalid conflict kind %q", obs.Kind)
	}
	if obs.ResourceID == "" && obs.FieldName == "" {
		return nil, false, errors.New("observe: resource id or field name is required")
	}
	key := DedupKey(entity, obs.Kind, obs.ResourceID, obs.FieldName)

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.pruneLocked(now)
	value := model.CompetingValue{UserID: who.UserID, UserName: who.UserName, Value: obs.Value, ObservedAt: now}
	window, ok := r.observed[key]
	if !ok {
		window = make(map[string]model.CompetingValue)
		r.observed[key] = window
	}
	window[who.UserID] = value

	open, found, err := r.repo.FindOpen(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if found {
		if !upsertValue(&open, value) {
			return &open, false, nil
		}
		r.suggest(&open)
		open.UpdatedAt = now
		if err := r.repo.Update(ctx, open); err != nil {
			return nil, false, err
		}
		r.notifyUpdated(open)
		return &open, false, nil
	}

	values := windowValues(window)
	if distinct(values) < 2 {
		if len(values) > 1 {
			// Everyone agrees; a later change is a new edit, not a conflict.
			delete(r.observed, key)
		}
		return nil, false, nil
	}
	rec, err := r.create(ctx, entity, obs.Kind, obs.ResourceID, obs.FieldName, key, values, obs.Priority)
	if err != nil {
		return nil, false, err
	}
	return &rec, true, nil
}

// Escalate creates a record from contention already known to the caller, or
// merges the values into the open record with the same dedup key.
func (r *Resolver) Escalate(ctx context.Context, entity model.EntityRef, esc Escalation) (model.ConflictRecord, error) {
	if !esc.Kind.Valid() {
		return model.ConflictRecord{}, fmt.Errorf("escalate: invalid conflict kind %q", esc.Kind)
	}
	if len(esc.Values) < 2 {
		return model.ConflictRecord{}, ErrNotEnoughValues
	}
	key := DedupKey(entity, esc.Kind, esc.ResourceID, esc.FieldName)

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	values := make([]model.CompetingValue, len(esc.Values))
	for i, v := range esc.Values {
		if v.ObservedAt.IsZero() {
			v.ObservedAt = now
		}
		values[i] = v
	}

	open, found, err := r.repo.FindOpen(ctx, key)
	if err != nil {
		return model.ConflictRecord{}, err
	}
	if found {
		changed := false
		for _, v := range values {
			changed = upsertValue(&open, v) || changed
		}
		if changed {
			r.suggest(&open)
			open.UpdatedAt = now
			if err := r.repo.Update(ctx, open); err != nil {
				return model.ConflictRecord{}, err
			}
			r.notifyUpdated(open)
		}
		return open, nil
	}
	return r.create(ctx, entity, esc.Kind, esc.ResourceID, esc.FieldName, key, values, esc.Priority)
}

func (r *Resolver) create(ctx context.Context, entity model.EntityRef, kind model.ConflictKind, resourceID, fieldName, key string, values []model.CompetingValue, priority model.Priority) (model.ConflictRecord, error) {
	if priority.Rank() == 0 {
		priority = model.PriorityMedium
	}
	if resourceID == "" {
		resourceID = fieldName
	}
	now := r.now()
	rec := model.ConflictRecord{
		ID:              r.newID(),
		Kind:            kind,
		Entity:          entity,
		ResourceID:      resourceID,
		FieldName:       fieldName,
		DedupKey:        key,
		CompetingValues: values,
		Status:          model.ConflictPending,
		Priority:        priority,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	r.suggest(&rec)

	if err := r.repo.Create(ctx, rec); err != nil {
		return model.ConflictRecord{}, fmt.Errorf("create conflict %s: %w", key, err)
	}
	r.metrics.Conflict("created")
	logger.Sugar.Infof("Conflict %s opened on %s with %d competing values", rec.ID, key, len(values))
	r.notifyUpdated(rec)
	return rec, nil
}

// pruneLocked forgets submissions older than the observation window. It
// walks every key at most once per half window. Called with r.mu held.
func (r *Resolver) pruneLocked(now time.Time) {
	if now.Sub(r.prunedAt) < r.window/2 {
		return
	}
	r.prunedAt = now
	cutoff := now.Add(-r.window)
	for key, window := range r.observed {
		for user, v := range window {
			if v.ObservedAt.Before(cutoff) {
				delete(window, user)
			}
		}
		if len(window) == 0 {
			delete(r.observed, key)
		}
	}
}

// suggest proposes merge_values for text conflicts and accept_user
// otherwise. It runs again whenever the competing values change.
func (r *Resolver) suggest(rec *model.ConflictRecord) {
	rec.SuggestedValue = nil
	kind := model.AcceptUser
	if allStrings(rec.CompetingValues) {
		if v, ok := r.strategy.Merge(rec.CompetingValues); ok {
			kind = model.MergeValues
			rec.SuggestedValue = v
		}
	}
	rec.SuggestedResolution = &kind
}

func (r *Resolver) Get(ctx context.Context, id string) (model.ConflictRecord, error) {
	return r.repo.Get(ctx, id)
}

// ListActive returns the non-terminal records of entity (all entities when
// zero), most urgent and newest first.
func (r *Resolver) ListActive(ctx context.Context, entity model.EntityRef) ([]model.ConflictRecord, error) {
	recs, err := r.repo.ListActive(ctx, entity)
	if err != nil {
		return nil, err
	}
	SortActive(recs)
	return recs, nil
}

// History returns terminal records, which are read-only.
func (r *Resolver) History(ctx context.Context, entity model.EntityRef) ([]model.ConflictRecord, error) {
	return r.repo.ListTerminal(ctx, entity)
}

// SuggestMerge runs the merge strategy over a record's competing values.
func (r *Resolver) SuggestMerge(ctx context.Context, id string) (any, error) {
	rec, err := r.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	v, ok := r.strategy.Merge(rec.CompetingValues)
	if !ok {
		return nil, fmt.Errorf("merge strategy has no proposal for %s", id)
	}
	return v, nil
}

// Begin marks a pending record as being triaged.
func (r *Resolver) Begin(ctx context.Context, id string, actor model.Identity) (model.ConflictRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.repo.Get(ctx, id)
	if err != nil {
		return model.ConflictRecord{}, err
	}
	if rec.Status.Terminal() {
		return rec, fmt.Errorf("%w: %s is %s", model.ErrStaleConflict, id, rec.Status)
	}
	if rec.Status == model.ConflictResolving {
		return rec, nil
	}
	rec.Status = model.ConflictResolving
	rec.UpdatedAt = r.now()
	if err := r.repo.Update(ctx, rec); err != nil {
		return model.ConflictRecord{}, err
	}
	logger.Sugar.Debugf("Conflict %s taken up by %s", id, actor.UserID)
	r.notifyUpdated(rec)
	return rec, nil
}

// Resolve closes the record and then applies the chosen value. The
// resolution is validated before the record is even read. Closing first lets
// the repository's terminal guard pick a single winner when several
// resolvers share it; only the winner applies its value.
func (r *Resolver) Resolve(ctx context.Context, id string, res model.Resolution, actor model.Identity) (model.ConflictRecord, error) {
	if err := res.Validate(); err != nil {
		return model.ConflictRecord{}, err
	}
	if res.Kind == model.CancelKind {
		return r.Cancel(ctx, id, actor)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.repo.Get(ctx, id)
	if err != nil {
		return model.ConflictRecord{}, err
	}
	if !rec.Status.CanTransition(model.ConflictResolved) {
		return rec, fmt.Errorf("%w: %s is %s", model.ErrStaleConflict, id, rec.Status)
	}

	var value any
	switch res.Kind {
	case model.AcceptUser:
		v, ok := rec.ValueOf(res.SelectedUserID)
		if !ok {
			return rec, fmt.Errorf("%w: %s did not submit a value", model.ErrInvalidResolution, res.SelectedUserID)
		}
		value = v.Value
	case model.MergeValues:
		value = res.MergedValue
	case model.CustomValue:
		value = res.CustomValue
	}

	rec.Status = model.ConflictResolved
	rec.Resolution = &res
	rec.ResolvedValue = value
	rec.ResolvedBy = actor.UserID
	rec.UpdatedAt = r.now()
	if err := r.repo.Update(ctx, rec); err != nil {
		return model.ConflictRecord{}, err
	}
	delete(r.observed, rec.DedupKey)

	r.metrics.Conflict("resolved")
	logger.Sugar.Infof("Conflict %s resolved by %s (%s)", id, actor.UserID, res.Kind)
	r.notifyUpdated(rec)

	if r.applier != nil {
		if err := r.applier.Apply(ctx, rec, value); err != nil {
			logger.Sugar.Errorf("Conflict %s resolved but its value was not applied: %v", id, err)
			return rec, fmt.Errorf("apply resolution of %s: %w", id, err)
		}
	}
	return rec, nil
}

// Cancel closes the record without applying any value.
func (r *Resolver) Cancel(ctx context.Context, id string, actor model.Identity) (model.ConflictRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.repo.Get(ctx, id)
	if err != nil {
		return model.ConflictRecord{}, err
	}
	if !rec.Status.CanTransition(model.ConflictCancelled) {
		return rec, fmt.Errorf("%w: %s is %s", model.ErrStaleConflict, id, rec.Status)
	}
	rec.Status = model.ConflictCancelled
	rec.Resolution = &model.Resolution{Kind: model.CancelKind}
	rec.ResolvedBy = actor.UserID
	rec.UpdatedAt = r.now()
	if err := r.repo.Update(ctx, rec); err != nil {
		return model.ConflictRecord{}, err
	}
	delete(r.observed, rec.DedupKey)

	r.metrics.Conflict("cancelled")
	logger.Sugar.Infof("Conflict %s cancelled by %s", id, actor.UserID)
	r.notifyUpdated(rec)
	return rec, nil
}

// RequestMoreInfo asks the participants for context. The record is not
// modified.
func (r *Resolver) RequestMoreInfo(ctx context.Context, id string, from model.Identity, message string) error {
	rec, err := r.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	n := r.notifier
	r.mu.Unlock()
	if n != nil {
		n.InfoRequested(rec, from, message)
	}
	return nil
}

// notifyUpdated is called with r.mu held.
func (r *Resolver) notifyUpdated(rec model.ConflictRecord) {
	if r.notifier != nil {
		r.notifier.ConflictUpdated(rec)
	}
}

// upsertValue replaces or appends v in rec's competing values and reports
// whether anything changed.
func upsertValue(rec *model.ConflictRecord, v model.CompetingValue) bool {
	for i, cur := range rec.CompetingValues {
		if cur.UserID == v.UserID {
			if sameValue(cur.Value, v.Value) {
				return false
			}
			rec.CompetingValues[i] = v
			return true
		}
	}
	rec.CompetingValues = append(rec.CompetingValues, v)
	return true
}

func windowValues(window map[string]model.CompetingValue) []model.CompetingValue {
	values := make([]model.CompetingValue, 0, len(window))
	for _, v := range window {
		values = append(values, v)
	}
	sort.Slice(values, func(i, j int) bool {
		if values[i].ObservedAt.Equal(values[j].ObservedAt) {
			return values[i].UserID < values[j].UserID
		}
		return values[i].ObservedAt.Before(values[j].ObservedAt)
	})
	return values
}

func distinct(values []model.CompetingValue) int {
	var seen [][]byte
	for _, v := range values {
		b := canonical(v.Value)
		dup := false
		for _, s := range seen {
			if bytes.Equal(s, b) {
				dup = true
				break
			}
		}
		if !dup {
			seen = append(seen, b)
		}
	}
	return len(seen)
}

func sameValue(a, b any) bool {
	return bytes.Equal(canonical(a), canonical(b))
}

// canonical encodes v as JSON; map keys are sorted by encoding/json.
func canonical(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte(fmt.Sprintf("%#v", v))
	}
	return b
}
