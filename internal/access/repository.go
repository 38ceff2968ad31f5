package access

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"satukolab/pkg/logger"
	"satukolab/pkg/model"
)

type Role string

const (
	RoleOwner    Role = "owner"
	RoleWriter   Role = "writer"
	RoleReviewer Role = "reviewer"
	RoleReader   Role = "reader"
)

// CanEdit reports whether the role may take locks and submit values.
func (r Role) CanEdit() bool {
	return r == RoleOwner || r == RoleWriter
}

// CanTriage reports whether the role may resolve or cancel conflicts.
func (r Role) CanTriage() bool {
	return r == RoleOwner || r == RoleWriter || r == RoleReviewer
}

type Checker interface {
	Role(ctx context.Context, entity model.EntityRef, userID string) (Role, error)
}

type Member struct {
	UserID string `json:"user_id"`
	Role   Role   `json:"role"`
}

type Repository struct {
	DB *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{DB: db}
}

// Role returns the user's role on entity, or model.ErrForbidden when the
// user is not a member.
func (r *Repository) Role(ctx context.Context, entity model.EntityRef, userID string) (Role, error) {
	var role string
	err := r.DB.QueryRowContext(ctx,
		"SELECT role FROM entity_members WHERE entity_type = $1 AND entity_id = $2 AND user_id = $3",
		entity.Type, entity.ID, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s is not a member of %s", model.ErrForbidden, userID, entity.Key())
	}
	if err != nil {
		logger.Sugar.Errorf("Failed to get role of %s on %s: %v", userID, entity.Key(), err)
		return "", err
	}
	return Role(role), nil
}

func (r *Repository) AddMember(ctx context.Context, entity model.EntityRef, userID string, role Role) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO entity_members (entity_type, entity_id, user_id, role) VALUES ($1, $2, $3, $4)
		ON CONFLICT (entity_type, entity_id, user_id) DO UPDATE SET role = $4`, entity.Type, entity.ID, userID, string(role))
	if err != nil {
		logger.Sugar.Errorf("Failed to add member %s to %s: %v", userID, entity.Key(), err)
	}
	return err
}

func (r *Repository) Members(ctx context.Context, entity model.EntityRef) ([]Member, error) {
	rows, err := r.DB.QueryContext(ctx,
		"SELECT user_id, role FROM entity_members WHERE entity_type = $1 AND entity_id = $2 ORDER BY user_id",
		entity.Type, entity.ID)
	if err != nil {
		logger.Sugar.Errorf("Failed to list members of %s: %v", entity.Key(), err)
		return nil, err
	}
	defer rows.Close()

	members := []Member{}
	for rows.Next() {
		var m Member
		var role string
		if err := rows.Scan(&m.UserID, &role); err != nil {
			return nil, err
		}
		m.Role = Role(role)
		members = append(members, m)
	}
	return members, rows.Err()
}

// Static grants every user the same role. It backs deployments without a
// membership database.
type Static struct {
	Default Role
}

func (s Static) Role(context.Context, model.EntityRef, string) (Role, error) {
	if s.Default == "" {
		return RoleWriter, nil
	}
	return s.Default, nil
}
