package db

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetTeam_CreatesOnFirstSight(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	teamDB := NewTeamDB(sqlDB)

	mock.ExpectQuery("SELECT id, event_names").
		WithArgs(5).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO teams").
		WithArgs(5).
		WillReturnResult(sqlmock.NewResult(1, 1))

	team, err := teamDB.GetTeam(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, 5, team.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTeam_ReturnsExistingCaches(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	teamDB := NewTeamDB(sqlDB)

	mock.ExpectQuery("SELECT id, event_names").
		WithArgs(5).
		WillReturnRows(sqlmock.NewRows([]string{"id", "event_names", "event_properties", "event_properties_numerical", "updated_at"}).
			AddRow(5, "{$pageview}", "{}", "{}", time.Now()))

	team, err := teamDB.GetTeam(context.Background(), 5)
	require.NoError(t, err)
	assert.Contains(t, team.EventNames, "$pageview")
}

func TestAddEventNameIfMissing(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	teamDB := NewTeamDB(sqlDB)

	mock.ExpectExec("UPDATE teams").
		WithArgs(5, "$pageview").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = teamDB.AddEventNameIfMissing(context.Background(), 5, "$pageview")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
