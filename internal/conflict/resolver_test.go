package conflict

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"satukolab/pkg/model"
)

var (
	alice  = model.Identity{UserID: "a", UserName: "Alice"}
	bob    = model.Identity{UserID: "b", UserName: "Bob"}
	carol  = model.Identity{UserID: "c", UserName: "Carol"}
	client = model.EntityRef{Type: "client", ID: "42"}
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type notifications struct {
	mu      sync.Mutex
	updated []model.ConflictRecord
	info    []string
}

func (n *notifications) ConflictUpdated(rec model.ConflictRecord) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.updated = append(n.updated, rec)
}

func (n *notifications) InfoRequested(rec model.ConflictRecord, from model.Identity, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.info = append(n.info, rec.ID+":"+from.UserID+":"+message)
}

func (n *notifications) last() model.ConflictRecord {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.updated[len(n.updated)-1]
}

type applied struct {
	values map[string]any
}

func (a *applied) Apply(_ context.Context, rec model.ConflictRecord, value any) error {
	a.values[rec.ResourceID] = value
	return nil
}

func newResolver(t *testing.T) (*Resolver, *fakeClock, *notifications, *applied) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	n := &notifications{}
	app := &applied{values: map[string]any{}}
	seq := 0
	r := NewResolver(NewMemoryRepository(),
		WithClock(clock.Now),
		WithNotifier(n),
		WithApplier(app),
		WithIDs(func() string { seq++; return fmt.Sprintf("c%d", seq) }),
	)
	return r, clock, n, app
}

func fieldValue(v any) Observation {
	return Observation{Kind: model.FieldConflict, FieldName: "nome", Value: v}
}

func TestObserveCreatesConflictAndAcceptUser(t *testing.T) {
	ctx := context.Background()
	r, clock, n, app := newResolver(t)

	rec, created, err := r.Observe(ctx, alice, client, fieldValue("Maria Silva"))
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.False(t, created)

	clock.Advance(time.Second)
	rec, created, err = r.Observe(ctx, bob, client, fieldValue("Maria S."))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, created)
	assert.Equal(t, model.ConflictPending, rec.Status)
	assert.Len(t, rec.CompetingValues, 2)
	assert.Equal(t, model.PriorityMedium, rec.Priority)
	assert.Equal(t, "client|42|field_conflict|nome", rec.DedupKey)
	require.NotNil(t, rec.SuggestedResolution)
	assert.Equal(t, model.MergeValues, *rec.SuggestedResolution)
	assert.Equal(t, "Maria Silva", rec.SuggestedValue)

	resolved, err := r.Resolve(ctx, rec.ID, model.Resolution{Kind: model.AcceptUser, SelectedUserID: "a"}, carol)
	require.NoError(t, err)
	assert.Equal(t, model.ConflictResolved, resolved.Status)
	assert.Equal(t, "Maria Silva", resolved.ResolvedValue)
	assert.Equal(t, "c", resolved.ResolvedBy)
	assert.Equal(t, "Maria Silva", app.values["nome"])
	assert.Equal(t, model.ConflictResolved, n.last().Status)

	history, err := r.History(ctx, client)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, rec.ID, history[0].ID)
}

func TestCancelThenResolveIsStale(t *testing.T) {
	ctx := context.Background()
	r, _, _, app := newResolver(t)

	rec, err := r.Escalate(ctx, client, Escalation{
		Kind:      model.FieldConflict,
		FieldName: "nome",
		Values: []model.CompetingValue{
			{UserID: "a", Value: "x"},
			{UserID: "b", Value: "y"},
		},
	})
	require.NoError(t, err)

	cancelled, err := r.Cancel(ctx, rec.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, model.ConflictCancelled, cancelled.Status)
	assert.Nil(t, cancelled.ResolvedValue)
	assert.Empty(t, app.values)

	_, err = r.Resolve(ctx, rec.ID, model.Resolution{Kind: model.AcceptUser, SelectedUserID: "a"}, alice)
	assert.ErrorIs(t, err, model.ErrStaleConflict)
	_, err = r.Cancel(ctx, rec.ID, alice)
	assert.ErrorIs(t, err, model.ErrStaleConflict)
	_, err = r.Begin(ctx, rec.ID, alice)
	assert.ErrorIs(t, err, model.ErrStaleConflict)

	stored, err := r.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ConflictCancelled, stored.Status)
}

func TestObserveSameValueIsNotAConflict(t *testing.T) {
	ctx := context.Background()
	r, _, n, _ := newResolver(t)

	for _, who := range []model.Identity{alice, bob, carol} {
		rec, created, err := r.Observe(ctx, who, client, fieldValue(map[string]any{"x": 1, "y": 2}))
		require.NoError(t, err)
		assert.Nil(t, rec)
		assert.False(t, created)
	}
	assert.Empty(t, n.updated)
}

func TestResubmissionsCollapseIntoOneRecord(t *testing.T) {
	ctx := context.Background()
	r, _, _, _ := newResolver(t)

	_, _, err := r.Observe(ctx, alice, client, fieldValue("one"))
	require.NoError(t, err)
	first, created, err := r.Observe(ctx, bob, client, fieldValue("two"))
	require.NoError(t, err)
	require.True(t, created)

	again, created, err := r.Observe(ctx, bob, client, fieldValue("three"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
	v, ok := again.ValueOf("b")
	require.True(t, ok)
	assert.Equal(t, "three", v.Value)

	third, created, err := r.Observe(ctx, carol, client, fieldValue("four"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, third.ID)
	assert.Len(t, third.CompetingValues, 3)

	escalated, err := r.Escalate(ctx, client, Escalation{
		Kind:      model.FieldConflict,
		FieldName: "nome",
		Values:    []model.CompetingValue{{UserID: "a", Value: "one"}, {UserID: "d", Value: "five"}},
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, escalated.ID)
	assert.Len(t, escalated.CompetingValues, 4)

	active, err := r.ListActive(ctx, client)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestNewRecordAfterResolution(t *testing.T) {
	ctx := context.Background()
	r, _, _, _ := newResolver(t)

	_, _, _ = r.Observe(ctx, alice, client, fieldValue("one"))
	rec, _, err := r.Observe(ctx, bob, client, fieldValue("two"))
	require.NoError(t, err)
	_, err = r.Resolve(ctx, rec.ID, model.Resolution{Kind: model.CustomValue, CustomValue: "final"}, alice)
	require.NoError(t, err)

	next, created, err := r.Observe(ctx, alice, client, fieldValue("again"))
	require.NoError(t, err)
	assert.Nil(t, next)
	assert.False(t, created)

	next, created, err = r.Observe(ctx, bob, client, fieldValue("different"))
	require.NoError(t, err)
	require.True(t, created)
	assert.NotEqual(t, rec.ID, next.ID)
}

func TestListActiveOrdering(t *testing.T) {
	ctx := context.Background()
	r, clock, _, _ := newResolver(t)

	open := func(field string, p model.Priority) string {
		clock.Advance(time.Second)
		rec, err := r.Escalate(ctx, client, Escalation{
			Kind:      model.FieldConflict,
			FieldName: field,
			Priority:  p,
			Values:    []model.CompetingValue{{UserID: "a", Value: 1}, {UserID: "b", Value: 2}},
		})
		require.NoError(t, err)
		return rec.ID
	}
	lowOld := open("f1", model.PriorityLow)
	critical := open("f2", model.PriorityCritical)
	lowNew := open("f3", model.PriorityLow)
	medium := open("f4", "")

	active, err := r.ListActive(ctx, model.EntityRef{})
	require.NoError(t, err)
	var ids []string
	for _, rec := range active {
		ids = append(ids, rec.ID)
	}
	assert.Equal(t, []string{critical, medium, lowNew, lowOld}, ids)

	other, err := r.ListActive(ctx, model.EntityRef{Type: "client", ID: "7"})
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestResolveValidation(t *testing.T) {
	ctx := context.Background()
	r, _, _, app := newResolver(t)

	rec, err := r.Escalate(ctx, client, Escalation{
		Kind:      model.FieldConflict,
		FieldName: "nome",
		Values:    []model.CompetingValue{{UserID: "a", Value: 1}, {UserID: "b", Value: 2}},
	})
	require.NoError(t, err)
	require.NotNil(t, rec.SuggestedResolution)
	assert.Equal(t, model.AcceptUser, *rec.SuggestedResolution)

	tests := []struct {
		name string
		res  model.Resolution
	}{
		{"accept without user", model.Resolution{Kind: model.AcceptUser}},
		{"accept unknown user", model.Resolution{Kind: model.AcceptUser, SelectedUserID: "z"}},
		{"merge without value", model.Resolution{Kind: model.MergeValues}},
		{"custom without value", model.Resolution{Kind: model.CustomValue}},
		{"unknown kind", model.Resolution{Kind: "coin_flip"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Resolve(ctx, rec.ID, tt.res, alice)
			assert.ErrorIs(t, err, model.ErrInvalidResolution)
		})
	}

	stored, err := r.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ConflictPending, stored.Status)
	assert.Empty(t, app.values)

	merged, err := r.Resolve(ctx, rec.ID, model.Resolution{Kind: model.MergeValues, MergedValue: 3}, alice)
	require.NoError(t, err)
	assert.Equal(t, 3, merged.ResolvedValue)
}

func TestBeginAndCancelViaResolve(t *testing.T) {
	ctx := context.Background()
	r, _, n, _ := newResolver(t)

	rec, err := r.Escalate(ctx, client, Escalation{
		Kind:       model.SectionConflict,
		ResourceID: "address",
		Values:     []model.CompetingValue{{UserID: "a", Value: "x"}, {UserID: "b", Value: "y"}},
	})
	require.NoError(t, err)

	begun, err := r.Begin(ctx, rec.ID, carol)
	require.NoError(t, err)
	assert.Equal(t, model.ConflictResolving, begun.Status)
	again, err := r.Begin(ctx, rec.ID, carol)
	require.NoError(t, err)
	assert.Equal(t, model.ConflictResolving, again.Status)

	cancelled, err := r.Resolve(ctx, rec.ID, model.Resolution{Kind: model.CancelKind}, carol)
	require.NoError(t, err)
	assert.Equal(t, model.ConflictCancelled, cancelled.Status)
	assert.Equal(t, model.ConflictCancelled, n.last().Status)
}

func TestEscalateNeedsTwoValues(t *testing.T) {
	r, _, _, _ := newResolver(t)
	_, err := r.Escalate(context.Background(), client, Escalation{
		Kind:      model.FieldConflict,
		FieldName: "nome",
		Values:    []model.CompetingValue{{UserID: "a", Value: "x"}},
	})
	assert.ErrorIs(t, err, ErrNotEnoughValues)
}

func TestRequestMoreInfoDoesNotMutate(t *testing.T) {
	ctx := context.Background()
	r, _, n, _ := newResolver(t)

	rec, err := r.Escalate(ctx, client, Escalation{
		Kind:      model.FieldConflict,
		FieldName: "nome",
		Values:    []model.CompetingValue{{UserID: "a", Value: "x"}, {UserID: "b", Value: "y"}},
	})
	require.NoError(t, err)
	before := len(n.updated)

	require.NoError(t, r.RequestMoreInfo(ctx, rec.ID, carol, "which is right?"))
	assert.Equal(t, []string{rec.ID + ":c:which is right?"}, n.info)
	assert.Len(t, n.updated, before)

	stored, err := r.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.UpdatedAt, stored.UpdatedAt)

	err = r.RequestMoreInfo(ctx, "missing", carol, "?")
	assert.ErrorIs(t, err, model.ErrConflictNotFound)
}

func TestConcurrentObserveCreatesOneRecord(t *testing.T) {
	ctx := context.Background()
	r, _, _, _ := newResolver(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			who := model.Identity{UserID: fmt.Sprintf("u%d", i)}
			_, _, err := r.Observe(ctx, who, client, fieldValue(fmt.Sprintf("v%d", i)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	active, err := r.ListActive(ctx, client)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Len(t, active[0].CompetingValues, 8)
}

func TestLongestOrLatest(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s := LongestOrLatest{}

	v, ok := s.Merge([]model.CompetingValue{
		{UserID: "a", Value: "abc", ObservedAt: t0},
		{UserID: "b", Value: "abcd", ObservedAt: t0},
		{UserID: "c", Value: "wxyz", ObservedAt: t0.Add(time.Second)},
	})
	require.True(t, ok)
	assert.Equal(t, "wxyz", v)

	v, ok = s.Merge([]model.CompetingValue{
		{UserID: "a", Value: 10, ObservedAt: t0.Add(time.Minute)},
		{UserID: "b", Value: "long string", ObservedAt: t0},
	})
	require.True(t, ok)
	assert.Equal(t, 10, v)

	_, ok = s.Merge(nil)
	assert.False(t, ok)
}

func TestCustomStrategy(t *testing.T) {
	ctx := context.Background()
	joined := MergeFunc(func(values []model.CompetingValue) (any, bool) {
		out := ""
		for _, v := range values {
			out += v.Value.(string)
		}
		return out, true
	})
	r := NewResolver(NewMemoryRepository(), WithStrategy(joined))

	rec, err := r.Escalate(ctx, client, Escalation{
		Kind:      model.FieldConflict,
		FieldName: "nome",
		Values:    []model.CompetingValue{{UserID: "a", Value: "x"}, {UserID: "b", Value: "y"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "xy", rec.SuggestedValue)

	v, err := r.SuggestMerge(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "xy", v)
}

// gatedApplier holds Apply until release is closed.
type gatedApplier struct {
	entered chan struct{}
	release chan struct{}
	mu      sync.Mutex
	values  []any
}

func (g *gatedApplier) Apply(_ context.Context, _ model.ConflictRecord, value any) error {
	if g.entered != nil {
		close(g.entered)
		<-g.release
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.values = append(g.values, value)
	return nil
}

func TestSharedRepositoryAppliesOneResolution(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	first := &gatedApplier{entered: make(chan struct{}), release: make(chan struct{})}
	second := &gatedApplier{}
	r1 := NewResolver(repo, WithApplier(first))
	r2 := NewResolver(repo, WithApplier(second))

	rec, err := r1.Escalate(ctx, client, Escalation{
		Kind:      model.FieldConflict,
		FieldName: "nome",
		Values:    []model.CompetingValue{{UserID: "a", Value: "A"}, {UserID: "b", Value: "B"}},
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := r1.Resolve(ctx, rec.ID, model.Resolution{Kind: model.AcceptUser, SelectedUserID: "a"}, carol)
		done <- err
	}()
	<-first.entered

	_, err = r2.Resolve(ctx, rec.ID, model.Resolution{Kind: model.AcceptUser, SelectedUserID: "b"}, carol)
	assert.ErrorIs(t, err, model.ErrStaleConflict)
	close(first.release)
	require.NoError(t, <-done)

	assert.Equal(t, []any{"A"}, first.values)
	assert.Empty(t, second.values)
	stored, err := repo.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "A", stored.ResolvedValue)
}

func TestSuggestionFollowsCompetingValues(t *testing.T) {
	ctx := context.Background()
	r, _, _, _ := newResolver(t)

	_, _, err := r.Observe(ctx, alice, client, fieldValue("ab"))
	require.NoError(t, err)
	rec, created, err := r.Observe(ctx, bob, client, fieldValue("abcd"))
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, "abcd", rec.SuggestedValue)

	rec, _, err = r.Observe(ctx, carol, client, fieldValue("abcdefgh"))
	require.NoError(t, err)
	require.Len(t, rec.CompetingValues, 3)
	assert.Equal(t, "abcdefgh", rec.SuggestedValue)

	stored, err := r.Get(ctx, rec.ID)
	require.NoError(t, err)
	merged, err := r.SuggestMerge(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, merged, stored.SuggestedValue)

	escalated, err := r.Escalate(ctx, client, Escalation{
		Kind:      model.FieldConflict,
		FieldName: "nome",
		Values:    []model.CompetingValue{{UserID: "a", Value: "ab"}, {UserID: "d", Value: "abcdefghij"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "abcdefghij", escalated.SuggestedValue)
}

func TestAgreementClearsObservations(t *testing.T) {
	ctx := context.Background()
	r, _, _, _ := newResolver(t)

	for _, who := range []model.Identity{alice, bob} {
		rec, _, err := r.Observe(ctx, who, client, fieldValue("x"))
		require.NoError(t, err)
		assert.Nil(t, rec)
	}
	assert.Empty(t, r.observed)

	rec, created, err := r.Observe(ctx, alice, client, fieldValue("y"))
	require.NoError(t, err)
	assert.Nil(t, rec, "an earlier agreed value is not a competing one")
	assert.False(t, created)
}

func TestObservationsExpire(t *testing.T) {
	ctx := context.Background()
	r, clock, _, _ := newResolver(t)

	_, _, err := r.Observe(ctx, alice, client, fieldValue("x"))
	require.NoError(t, err)

	clock.Advance(DefaultObservationWindow + time.Minute)
	rec, _, err := r.Observe(ctx, bob, client, fieldValue("y"))
	require.NoError(t, err)
	assert.Nil(t, rec, "alice's value is too old to compete")

	clock.Advance(DefaultObservationWindow + time.Minute)
	_, _, err = r.Observe(ctx, alice, client, Observation{Kind: model.FieldConflict, FieldName: "email", Value: "a@b"})
	require.NoError(t, err)
	assert.Len(t, r.observed, 1, "idle keys are dropped")
	assert.Contains(t, r.observed, DedupKey(client, model.FieldConflict, "", "email"))
}
