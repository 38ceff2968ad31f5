package conflict

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"satukolab/pkg/model"
)

// Repository persists conflict records. Update must refuse to overwrite a
// stored record that is already terminal.
type Repository interface {
	Create(ctx context.Context, rec model.ConflictRecord) error
	Update(ctx context.Context, rec model.ConflictRecord) error
	Get(ctx context.Context, id string) (model.ConflictRecord, error)
	// FindOpen returns the non-terminal record carrying dedupKey, if any.
	FindOpen(ctx context.Context, dedupKey string) (model.ConflictRecord, bool, error)
	// ListActive and ListTerminal filter by entity unless it is zero.
	ListActive(ctx context.Context, entity model.EntityRef) ([]model.ConflictRecord, error)
	ListTerminal(ctx context.Context, entity model.EntityRef) ([]model.ConflictRecord, error)
}

// SortActive orders records for triage: priority descending, then newest
// first.
func SortActive(recs []model.ConflictRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		pi, pj := recs[i].Priority.Rank(), recs[j].Priority.Rank()
		if pi != pj {
			return pi > pj
		}
		return recs[i].CreatedAt.After(recs[j].CreatedAt)
	})
}

type MemoryRepository struct {
	mu      sync.RWMutex
	records map[string]model.ConflictRecord
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[string]model.ConflictRecord)}
}

func (r *MemoryRepository) Create(_ context.Context, rec model.ConflictRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[rec.ID]; ok {
		return fmt.Errorf("conflict %s already exists", rec.ID)
	}
	r.records[rec.ID] = clone(rec)
	return nil
}

func (r *MemoryRepository) Update(_ context.Context, rec model.ConflictRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.records[rec.ID]
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrConflictNotFound, rec.ID)
	}
	if cur.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", model.ErrStaleConflict, rec.ID, cur.Status)
	}
	r.records[rec.ID] = clone(rec)
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (model.ConflictRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return model.ConflictRecord{}, fmt.Errorf("%w: %s", model.ErrConflictNotFound, id)
	}
	return clone(rec), nil
}

func (r *MemoryRepository) FindOpen(_ context.Context, dedupKey string) (model.ConflictRecord, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range r.records {
		if rec.DedupKey == dedupKey && !rec.Status.Terminal() {
			return clone(rec), true, nil
		}
	}
	return model.ConflictRecord{}, false, nil
}

func (r *MemoryRepository) ListActive(_ context.Context, entity model.EntityRef) ([]model.ConflictRecord, error) {
	return r.list(entity, false), nil
}

func (r *MemoryRepository) ListTerminal(_ context.Context, entity model.EntityRef) ([]model.ConflictRecord, error) {
	recs := r.list(entity, true)
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].UpdatedAt.After(recs[j].UpdatedAt) })
	return recs, nil
}

func (r *MemoryRepository) list(entity model.EntityRef, terminal bool) []model.ConflictRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	recs := []model.ConflictRecord{}
	for _, rec := range r.records {
		if rec.Status.Terminal() != terminal {
			continue
		}
		if !entity.IsZero() && rec.Entity != entity {
			continue
		}
		recs = append(recs, clone(rec))
	}
	if !terminal {
		SortActive(recs)
	}
	return recs
}

func clone(rec model.ConflictRecord) model.ConflictRecord {
	rec.CompetingValues = append([]model.CompetingValue(nil), rec.CompetingValues...)
	if rec.Resolution != nil {
		res := *rec.Resolution
		rec.Resolution = &res
	}
	if rec.SuggestedResolution != nil {
		s := *rec.SuggestedResolution
		rec.SuggestedResolution = &s
	}
	return rec
}
