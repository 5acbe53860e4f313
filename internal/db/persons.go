package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/fluxcore/ingestd/internal/models"
)

// PersonDB handles persons, person_distinct_ids, and cohort_people — the
// tables internal/identity resolves aliasing and merges against (spec §3,
// §4.4 "Alias resolution").
type PersonDB struct {
	db *sql.DB
}

// NewPersonDB creates a PersonDB.
func NewPersonDB(sqlDB *sql.DB) *PersonDB {
	return &PersonDB{db: sqlDB}
}

// IsUniqueViolation reports whether err is a Postgres unique constraint
// violation (SQLSTATE 23505) on any constraint. Callers use it to detect the
// (team_id, distinct_id) race, the benign case spec §3/§9 says the core must
// treat as expected and retry exactly once.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// GetPersonByDistinctID returns the person bound to (teamID, distinctID),
// or sql.ErrNoRows if no such distinct id exists yet.
func (p *PersonDB) GetPersonByDistinctID(ctx context.Context, teamID int, distinctID string) (models.Person, error) {
	var person models.Person
	err := p.db.QueryRowContext(ctx, `
		SELECT per.id, per.uuid, per.team_id, per.properties, per.is_identified, per.created_at
		FROM persons per
		JOIN person_distinct_ids pdi ON pdi.person_id = per.id
		WHERE pdi.team_id = $1 AND pdi.distinct_id = $2
	`, teamID, distinctID).Scan(&person.ID, &person.UUID, &person.TeamID, &person.Properties, &person.IsIdentified, &person.CreatedAt)
	if err != nil {
		return models.Person{}, err
	}
	return person, nil
}

// CreatePersonWithDistinctID creates a new person and attaches distinctID to
// it in one transaction, covering the "both absent" alias case (spec §4.4).
// Returns an error satisfying IsUniqueViolation if another worker won the
// race on (teamID, distinctID) first.
func (p *PersonDB) CreatePersonWithDistinctID(ctx context.Context, teamID int, distinctID string) (models.Person, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Person{}, fmt.Errorf("begin create person: %w", err)
	}
	defer tx.Rollback()

	person := models.Person{UUID: uuid.NewString(), TeamID: teamID, Properties: models.Properties{}}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO persons (uuid, team_id, properties, is_identified)
		VALUES ($1, $2, $3, false)
		RETURNING id, created_at
	`, person.UUID, person.TeamID, models.Properties{}).Scan(&person.ID, &person.CreatedAt)
	if err != nil {
		return models.Person{}, fmt.Errorf("insert person: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO person_distinct_ids (person_id, distinct_id, team_id)
		VALUES ($1, $2, $3)
	`, person.ID, distinctID, teamID); err != nil {
		return models.Person{}, err
	}

	if err := tx.Commit(); err != nil {
		return models.Person{}, fmt.Errorf("commit create person: %w", err)
	}
	return person, nil
}

// AttachDistinctID binds an additional distinct id to an existing person,
// covering the "A present, B absent" / "A absent, B present" alias cases.
// Returns an error satisfying IsUniqueViolation on a concurrent race.
func (p *PersonDB) AttachDistinctID(ctx context.Context, personID int64, teamID int, distinctID string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO person_distinct_ids (person_id, distinct_id, team_id)
		VALUES ($1, $2, $3)
	`, personID, distinctID, teamID)
	if err != nil {
		return fmt.Errorf("attach distinct id: %w", err)
	}
	return nil
}

// ApplyProperties merges set/set_once into a person's properties and
// optionally marks it identified (spec §4.4 "apply $set/$set_once ... mark
// it identified").
func (p *PersonDB) ApplyProperties(ctx context.Context, personID int64, setOnce, set models.Properties, markIdentified bool) error {
	var current models.Properties
	if err := p.db.QueryRowContext(ctx, `SELECT properties FROM persons WHERE id = $1`, personID).Scan(&current); err != nil {
		return fmt.Errorf("read person properties: %w", err)
	}
	merged := models.Merge(current, setOnce, set)

	query := `UPDATE persons SET properties = $1`
	args := []interface{}{merged}
	if markIdentified {
		query += `, is_identified = true`
	}
	query += ` WHERE id = $2`
	args = append(args, personID)

	if _, err := p.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update person properties: %w", err)
	}
	return nil
}

// MergeInto merges person "from" into person "into" — moves all distinct
// ids and cohort memberships, merges properties with into-wins semantics,
// keeps the earlier created_at, then deletes "from" (spec §4.4 "Both
// present and distinct" case).
func (p *PersonDB) MergeInto(ctx context.Context, fromID, intoID int64) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin merge: %w", err)
	}
	defer tx.Rollback()

	var fromProps, intoProps models.Properties
	var fromCreatedAt, intoCreatedAt sql.NullTime
	if err := tx.QueryRowContext(ctx, `SELECT properties, created_at FROM persons WHERE id = $1`, fromID).Scan(&fromProps, &fromCreatedAt); err != nil {
		return fmt.Errorf("read merge source: %w", err)
	}
	if err := tx.QueryRowContext(ctx, `SELECT properties, created_at FROM persons WHERE id = $1`, intoID).Scan(&intoProps, &intoCreatedAt); err != nil {
		return fmt.Errorf("read merge target: %w", err)
	}

	// "merge properties with B-wins semantics": into's values take precedence.
	merged := models.Merge(fromProps, nil, intoProps)

	earliest := intoCreatedAt
	if fromCreatedAt.Valid && (!intoCreatedAt.Valid || fromCreatedAt.Time.Before(intoCreatedAt.Time)) {
		earliest = fromCreatedAt
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE persons SET properties = $1, created_at = $2 WHERE id = $3
	`, merged, earliest.Time, intoID); err != nil {
		return fmt.Errorf("update merge target properties: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE person_distinct_ids SET person_id = $1 WHERE person_id = $2
	`, intoID, fromID); err != nil {
		return fmt.Errorf("move distinct ids: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO cohort_people (cohort_id, person_id)
		SELECT cohort_id, $1 FROM cohort_people WHERE person_id = $2
		ON CONFLICT (cohort_id, person_id) DO NOTHING
	`, intoID, fromID); err != nil {
		return fmt.Errorf("move cohort memberships: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM cohort_people WHERE person_id = $1`, fromID); err != nil {
		return fmt.Errorf("clear old cohort memberships: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM persons WHERE id = $1`, fromID); err != nil {
		return fmt.Errorf("delete merged person: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit merge: %w", err)
	}
	return nil
}
