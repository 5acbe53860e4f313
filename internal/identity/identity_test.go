package identity

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxcore/ingestd/internal/db"
)

func newTestResolver(t *testing.T) (*Resolver, sqlmock.Sqlmock) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	return New(db.NewPersonDB(sqlDB)), mock
}

func testCtx() context.Context { return context.Background() }
func nowCol() time.Time        { return time.Unix(1_700_000_000, 0) }

var personCols = []string{"id", "uuid", "team_id", "properties", "is_identified", "created_at"}

const personLookupQuery = "SELECT per.id, per.uuid, per.team_id, per.properties, per.is_identified, per.created_at"

func TestResolveDistinctID_ReturnsExistingPerson(t *testing.T) {
	r, mock := newTestResolver(t)
	mock.ExpectQuery(personLookupQuery).
		WithArgs(1, "user-1").
		WillReturnRows(sqlmock.NewRows(personCols).AddRow(10, "uuid-10", 1, []byte(`{}`), false, nowCol()))

	person, err := r.ResolveDistinctID(testCtx(), 1, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), person.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveDistinctID_CreatesOnFirstSight(t *testing.T) {
	r, mock := newTestResolver(t)
	mock.ExpectQuery(personLookupQuery).
		WithArgs(1, "new-user").
		WillReturnError(sql.ErrNoRows)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO persons").WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(99, nowCol()))
	mock.ExpectExec("INSERT INTO person_distinct_ids").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	person, err := r.ResolveDistinctID(testCtx(), 1, "new-user")
	require.NoError(t, err)
	assert.Equal(t, int64(99), person.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveDistinctID_RetriesOnceOnUniqueViolationRace(t *testing.T) {
	r, mock := newTestResolver(t)
	mock.ExpectQuery(personLookupQuery).
		WithArgs(1, "raced-user").
		WillReturnError(sql.ErrNoRows)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO persons").WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	mock.ExpectQuery(personLookupQuery).
		WithArgs(1, "raced-user").
		WillReturnRows(sqlmock.NewRows(personCols).AddRow(7, "uuid-7", 1, []byte(`{}`), false, nowCol()))

	person, err := r.ResolveDistinctID(testCtx(), 1, "raced-user")
	require.NoError(t, err)
	assert.Equal(t, int64(7), person.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAlias_APresentBAbsent_AttachesCurrentToA(t *testing.T) {
	r, mock := newTestResolver(t)
	mock.ExpectQuery(personLookupQuery).
		WithArgs(1, "anon-1").
		WillReturnRows(sqlmock.NewRows(personCols).AddRow(5, "uuid-5", 1, []byte(`{}`), false, nowCol()))
	mock.ExpectQuery(personLookupQuery).
		WithArgs(1, "known-1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO person_distinct_ids").WithArgs(int64(5), "known-1", 1).WillReturnResult(sqlmock.NewResult(1, 1))

	person, err := r.Alias(testCtx(), 1, "anon-1", "known-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), person.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAlias_AAbsentBPresent_AttachesPreviousToB(t *testing.T) {
	r, mock := newTestResolver(t)
	mock.ExpectQuery(personLookupQuery).
		WithArgs(1, "anon-2").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(personLookupQuery).
		WithArgs(1, "known-2").
		WillReturnRows(sqlmock.NewRows(personCols).AddRow(6, "uuid-6", 1, []byte(`{}`), false, nowCol()))
	mock.ExpectExec("INSERT INTO person_distinct_ids").WithArgs(int64(6), "anon-2", 1).WillReturnResult(sqlmock.NewResult(1, 1))

	person, err := r.Alias(testCtx(), 1, "anon-2", "known-2")
	require.NoError(t, err)
	assert.Equal(t, int64(6), person.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAlias_BothAbsent_CreatesOnePersonWithBothIds(t *testing.T) {
	r, mock := newTestResolver(t)
	mock.ExpectQuery(personLookupQuery).
		WithArgs(1, "anon-3").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(personLookupQuery).
		WithArgs(1, "known-3").
		WillReturnError(sql.ErrNoRows)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO persons").WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(20, nowCol()))
	mock.ExpectExec("INSERT INTO person_distinct_ids").WithArgs(int64(20), "anon-3", 1).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	mock.ExpectExec("INSERT INTO person_distinct_ids").WithArgs(int64(20), "known-3", 1).WillReturnResult(sqlmock.NewResult(1, 1))

	person, err := r.Alias(testCtx(), 1, "anon-3", "known-3")
	require.NoError(t, err)
	assert.Equal(t, int64(20), person.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAlias_BothPresentDistinct_MergesAIntoB(t *testing.T) {
	r, mock := newTestResolver(t)
	mock.ExpectQuery(personLookupQuery).
		WithArgs(1, "old-device").
		WillReturnRows(sqlmock.NewRows(personCols).AddRow(1, "uuid-1", 1, []byte(`{}`), false, nowCol()))
	mock.ExpectQuery(personLookupQuery).
		WithArgs(1, "logged-in").
		WillReturnRows(sqlmock.NewRows(personCols).AddRow(2, "uuid-2", 1, []byte(`{}`), true, nowCol()))

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT properties, created_at FROM persons WHERE id = \$1`).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"properties", "created_at"}).AddRow([]byte(`{"a":1}`), nowCol()))
	mock.ExpectQuery(`SELECT properties, created_at FROM persons WHERE id = \$1`).
		WithArgs(int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"properties", "created_at"}).AddRow([]byte(`{"b":2}`), nowCol()))
	mock.ExpectExec("UPDATE persons SET properties").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE person_distinct_ids SET person_id").WithArgs(int64(2), int64(1)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO cohort_people").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM cohort_people").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`DELETE FROM persons WHERE id = \$1`).WithArgs(int64(1)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	person, err := r.Alias(testCtx(), 1, "old-device", "logged-in")
	require.NoError(t, err)
	assert.Equal(t, int64(2), person.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAlias_SamePersonOnBothSidesIsNoop(t *testing.T) {
	r, mock := newTestResolver(t)
	mock.ExpectQuery(personLookupQuery).
		WithArgs(1, "alias-a").
		WillReturnRows(sqlmock.NewRows(personCols).AddRow(3, "uuid-3", 1, []byte(`{}`), false, nowCol()))
	mock.ExpectQuery(personLookupQuery).
		WithArgs(1, "alias-b").
		WillReturnRows(sqlmock.NewRows(personCols).AddRow(3, "uuid-3", 1, []byte(`{}`), false, nowCol()))

	person, err := r.Alias(testCtx(), 1, "alias-a", "alias-b")
	require.NoError(t, err)
	assert.Equal(t, int64(3), person.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}
