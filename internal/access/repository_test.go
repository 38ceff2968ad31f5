package access

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"satukolab/pkg/model"
)

var client = model.EntityRef{Type: "client", ID: "42"}

func TestRole(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewRepository(db)

	mock.ExpectQuery("SELECT role FROM entity_members WHERE entity_type = \\$1 AND entity_id = \\$2 AND user_id = \\$3").
		WithArgs("client", "42", "a").
		WillReturnRows(sqlmock.NewRows([]string{"role"}).AddRow("writer"))
	role, err := repo.Role(context.Background(), client, "a")
	require.NoError(t, err)
	assert.Equal(t, RoleWriter, role)
	assert.True(t, role.CanEdit())

	mock.ExpectQuery("SELECT role FROM entity_members").
		WithArgs("client", "42", "z").
		WillReturnError(sql.ErrNoRows)
	_, err = repo.Role(context.Background(), client, "z")
	assert.ErrorIs(t, err, model.ErrForbidden)

	mock.ExpectQuery("SELECT role FROM entity_members").
		WithArgs("client", "42", "b").
		WillReturnError(errors.New("connection reset"))
	_, err = repo.Role(context.Background(), client, "b")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, model.ErrForbidden)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAddMemberAndMembers(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewRepository(db)

	mock.ExpectExec("INSERT INTO entity_members").
		WithArgs("client", "42", "b", "reader").
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, repo.AddMember(context.Background(), client, "b", RoleReader))

	mock.ExpectQuery("SELECT user_id, role FROM entity_members").
		WithArgs("client", "42").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "role"}).
			AddRow("a", "owner").
			AddRow("b", "reader"))
	members, err := repo.Members(context.Background(), client)
	require.NoError(t, err)
	assert.Equal(t, []Member{{UserID: "a", Role: RoleOwner}, {UserID: "b", Role: RoleReader}}, members)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRolePermissions(t *testing.T) {
	assert.False(t, RoleReader.CanEdit())
	assert.False(t, RoleReviewer.CanEdit())
	assert.True(t, RoleReviewer.CanTriage())
	assert.False(t, RoleReader.CanTriage())

	role, err := Static{}.Role(context.Background(), client, "anyone")
	require.NoError(t, err)
	assert.Equal(t, RoleWriter, role)
}
