package db

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadActionsForTeam(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	actionDB := NewActionDB(sqlDB)

	mock.ExpectQuery("SELECT id, team_id, name, deleted, updated_at FROM actions").
		WithArgs(9).
		WillReturnRows(sqlmock.NewRows([]string{"id", "team_id", "name", "deleted", "updated_at"}).
			AddRow(1, 9, "Signed up", false, time.Now()))

	mock.ExpectQuery("SELECT url, url_matching, event_name, selector, property_filters FROM action_steps").
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"url", "url_matching", "event_name", "selector", "property_filters"}).
			AddRow("", "", "$identify", "", []byte(`[]`)))

	actions, err := actionDB.LoadActionsForTeam(context.Background(), 9)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, "Signed up", actions[0].Name)
	require.Len(t, actions[0].Steps, 1)
	assert.Equal(t, "$identify", actions[0].Steps[0].EventName)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDropAction(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	actionDB := NewActionDB(sqlDB)

	mock.ExpectExec("UPDATE actions SET deleted = true").
		WithArgs(4).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = actionDB.DropAction(context.Background(), 4)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
