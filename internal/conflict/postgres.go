package conflict

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"satukolab/pkg/logger"
	"satukolab/pkg/model"
)

// ErrDuplicateOpen is returned by Create when another open record already
// carries the same dedup key.
var ErrDuplicateOpen = errors.New("an open conflict with this dedup key already exists")

const conflictColumns = `id, kind, entity_type, entity_id, resource_id, field_name, dedup_key, competing_values,
	status, priority, created_at, updated_at, suggested_resolution, suggested_value, resolution, resolved_value, resolved_by`

// PostgresRepository stores conflict records in the conflicts table. JSON
// documents live in JSONB columns.
type PostgresRepository struct {
	DB *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{DB: db}
}

func (r *PostgresRepository) Create(ctx context.Context, rec model.ConflictRecord) error {
	docs, err := encodeDocs(rec)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO conflicts (`+conflictColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		rec.ID, string(rec.Kind), rec.Entity.Type, rec.Entity.ID, rec.ResourceID, rec.FieldName, rec.DedupKey, docs.values,
		string(rec.Status), string(rec.Priority), rec.CreatedAt, rec.UpdatedAt, docs.suggested, docs.suggestedValue,
		docs.resolution, docs.resolvedValue, rec.ResolvedBy)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrDuplicateOpen, rec.DedupKey)
	}
	if err != nil {
		logger.Sugar.Errorf("Failed to create conflict %s: %v", rec.ID, err)
	}
	return err
}

// Update overwrites a non-terminal record. The status guard lives in the
// WHERE clause so a concurrent resolution cannot be clobbered.
func (r *PostgresRepository) Update(ctx context.Context, rec model.ConflictRecord) error {
	docs, err := encodeDocs(rec)
	if err != nil {
		return err
	}
	result, err := r.DB.ExecContext(ctx, `UPDATE conflicts SET competing_values = $2, status = $3, priority = $4, updated_at = $5,
		suggested_resolution = $6, suggested_value = $7, resolution = $8, resolved_value = $9, resolved_by = $10
		WHERE id = $1 AND status NOT IN ('resolved', 'cancelled')`,
		rec.ID, docs.values, string(rec.Status), string(rec.Priority), rec.UpdatedAt,
		docs.suggested, docs.suggestedValue, docs.resolution, docs.resolvedValue, rec.ResolvedBy)
	if err != nil {
		logger.Sugar.Errorf("Failed to update conflict %s: %v", rec.ID, err)
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var status string
	err = r.DB.QueryRowContext(ctx, "SELECT status FROM conflicts WHERE id = $1", rec.ID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", model.ErrConflictNotFound, rec.ID)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is %s", model.ErrStaleConflict, rec.ID, status)
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (model.ConflictRecord, error) {
	row := r.DB.QueryRowContext(ctx, "SELECT "+conflictColumns+" FROM conflicts WHERE id = $1", id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ConflictRecord{}, fmt.Errorf("%w: %s", model.ErrConflictNotFound, id)
	}
	return rec, err
}

func (r *PostgresRepository) FindOpen(ctx context.Context, dedupKey string) (model.ConflictRecord, bool, error) {
	row := r.DB.QueryRowContext(ctx, "SELECT "+conflictColumns+
		" FROM conflicts WHERE dedup_key = $1 AND status IN ('pending', 'resolving')", dedupKey)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ConflictRecord{}, false, nil
	}
	if err != nil {
		logger.Sugar.Errorf("Failed to find open conflict %s: %v", dedupKey, err)
		return model.ConflictRecord{}, false, err
	}
	return rec, true, nil
}

func (r *PostgresRepository) ListActive(ctx context.Context, entity model.EntityRef) ([]model.ConflictRecord, error) {
	recs, err := r.list(ctx, entity, "status IN ('pending', 'resolving')", "created_at DESC")
	if err != nil {
		return nil, err
	}
	SortActive(recs)
	return recs, nil
}

func (r *PostgresRepository) ListTerminal(ctx context.Context, entity model.EntityRef) ([]model.ConflictRecord, error) {
	return r.list(ctx, entity, "status IN ('resolved', 'cancelled')", "updated_at DESC")
}

func (r *PostgresRepository) list(ctx context.Context, entity model.EntityRef, cond, order string) ([]model.ConflictRecord, error) {
	where := []string{cond}
	var args []any
	if !entity.IsZero() {
		where = append(where, "entity_type = $1", "entity_id = $2")
		args = append(args, entity.Type, entity.ID)
	}
	query := "SELECT " + conflictColumns + " FROM conflicts WHERE " + strings.Join(where, " AND ") + " ORDER BY " + order

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		logger.Sugar.Errorf("Failed to list conflicts: %v", err)
		return nil, err
	}
	defer rows.Close()

	recs := []model.ConflictRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (model.ConflictRecord, error) {
	var (
		rec                                       model.ConflictRecord
		kind, status, priority                    string
		values                                    []byte
		suggested, resolvedBy                     sql.NullString
		suggestedValue, resolution, resolvedValue []byte
	)
	err := s.Scan(&rec.ID, &kind, &rec.Entity.Type, &rec.Entity.ID, &rec.ResourceID, &rec.FieldName, &rec.DedupKey, &values,
		&status, &priority, &rec.CreatedAt, &rec.UpdatedAt, &suggested, &suggestedValue, &resolution, &resolvedValue, &resolvedBy)
	if err != nil {
		return model.ConflictRecord{}, err
	}
	rec.Kind = model.ConflictKind(kind)
	rec.Status = model.ConflictStatus(status)
	rec.Priority = model.Priority(priority)
	rec.ResolvedBy = resolvedBy.String
	if suggested.Valid && suggested.String != "" {
		k := model.ResolutionKind(suggested.String)
		rec.SuggestedResolution = &k
	}
	if err := json.Unmarshal(values, &rec.CompetingValues); err != nil {
		return model.ConflictRecord{}, fmt.Errorf("decode competing values of %s: %w", rec.ID, err)
	}
	if err := decodeOptional(suggestedValue, &rec.SuggestedValue); err != nil {
		return model.ConflictRecord{}, err
	}
	if err := decodeOptional(resolvedValue, &rec.ResolvedValue); err != nil {
		return model.ConflictRecord{}, err
	}
	if len(resolution) > 0 && string(resolution) != "null" {
		var res model.Resolution
		if err := json.Unmarshal(resolution, &res); err != nil {
			return model.ConflictRecord{}, fmt.Errorf("decode resolution of %s: %w", rec.ID, err)
		}
		rec.Resolution = &res
	}
	return rec, nil
}

func decodeOptional(b []byte, dst *any) error {
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, dst)
}

type encodedDocs struct {
	values, suggestedValue, resolution, resolvedValue []byte
	suggested                                         sql.NullString
}

func encodeDocs(rec model.ConflictRecord) (encodedDocs, error) {
	var docs encodedDocs
	var err error
	if docs.values, err = json.Marshal(rec.CompetingValues); err != nil {
		return docs, fmt.Errorf("encode competing values: %w", err)
	}
	if docs.suggestedValue, err = json.Marshal(rec.SuggestedValue); err != nil {
		return docs, fmt.Errorf("encode suggested value: %w", err)
	}
	if docs.resolution, err = json.Marshal(rec.Resolution); err != nil {
		return docs, fmt.Errorf("encode resolution: %w", err)
	}
	if docs.resolvedValue, err = json.Marshal(rec.ResolvedValue); err != nil {
		return docs, fmt.Errorf("encode resolved value: %w", err)
	}
	if rec.SuggestedResolution != nil {
		docs.suggested = sql.NullString{String: string(*rec.SuggestedResolution), Valid: true}
	}
	return docs, nil
}
