// Package store persists the values chosen by conflict resolution.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"satukolab/pkg/logger"
	"satukolab/pkg/model"
)

// FieldValue is the last resolved value of one resource of an entity.
type FieldValue struct {
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	ResourceID string          `json:"resource_id"`
	Value      json.RawMessage `json:"value"`
	ConflictID string          `json:"conflict_id"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

type ValueRepository struct {
	DB *sql.DB
}

func NewValueRepository(db *sql.DB) *ValueRepository {
	return &ValueRepository{DB: db}
}

// Apply writes the value chosen for rec, replacing whatever an earlier
// resolution stored for the same resource.
func (r *ValueRepository) Apply(ctx context.Context, rec model.ConflictRecord, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode value of %s: %w", rec.ID, err)
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO entity_values (entity_type, entity_id, resource_id, value, conflict_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (entity_type, entity_id, resource_id) DO UPDATE SET value = $4, conflict_id = $5, updated_at = NOW()`,
		rec.Entity.Type, rec.Entity.ID, rec.ResourceID, raw, rec.ID)
	if err != nil {
		logger.Sugar.Errorf("Failed to apply value of %s to %s: %v", rec.ID, rec.Entity.Key(), err)
	}
	return err
}

func (r *ValueRepository) Values(ctx context.Context, entity model.EntityRef) ([]FieldValue, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT entity_type, entity_id, resource_id, value, conflict_id, updated_at
		FROM entity_values WHERE entity_type = $1 AND entity_id = $2 ORDER BY resource_id`, entity.Type, entity.ID)
	if err != nil {
		logger.Sugar.Errorf("Failed to list values of %s: %v", entity.Key(), err)
		return nil, err
	}
	defer rows.Close()

	values := []FieldValue{}
	for rows.Next() {
		var v FieldValue
		var raw []byte
		if err := rows.Scan(&v.EntityType, &v.EntityID, &v.ResourceID, &raw, &v.ConflictID, &v.UpdatedAt); err != nil {
			return nil, err
		}
		v.Value = raw
		values = append(values, v)
	}
	return values, rows.Err()
}
