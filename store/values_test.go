package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"satukolab/pkg/model"
)

func TestApplyUpsertsValue(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewValueRepository(db)

	rec := model.ConflictRecord{ID: "c1", Entity: model.EntityRef{Type: "client", ID: "42"}, ResourceID: "nome"}
	mock.ExpectExec("INSERT INTO entity_values").
		WithArgs("client", "42", "nome", []byte(`"Maria Silva"`), "c1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.Apply(context.Background(), rec, "Maria Silva"))

	mock.ExpectExec("INSERT INTO entity_values").WillReturnError(errors.New("connection reset"))
	assert.Error(t, repo.Apply(context.Background(), rec, 3))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyRejectsUnencodableValue(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	err = NewValueRepository(db).Apply(context.Background(), model.ConflictRecord{ID: "c1"}, make(chan int))
	assert.ErrorContains(t, err, "encode value of c1")
}

func TestValues(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT (.+) FROM entity_values").
		WithArgs("client", "42").
		WillReturnRows(sqlmock.NewRows([]string{"entity_type", "entity_id", "resource_id", "value", "conflict_id", "updated_at"}).
			AddRow("client", "42", "email", []byte(`"m@x.id"`), "c2", at).
			AddRow("client", "42", "nome", []byte(`"Maria Silva"`), "c1", at))

	values, err := NewValueRepository(db).Values(context.Background(), model.EntityRef{Type: "client", ID: "42"})
	require.NoError(t, err)
	require.Len(t, values, 2)
	assert.Equal(t, "nome", values[1].ResourceID)
	assert.JSONEq(t, `"Maria Silva"`, string(values[1].Value))
	assert.Equal(t, at, values[0].UpdatedAt)
}
