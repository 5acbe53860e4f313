// Package identity resolves person identity and drives the alias/merge
// algorithm described in spec §4.4 "Alias resolution" — split out of
// internal/ingest because it is independently testable per spec §8
// invariants 1 ("exactly one Person per equivalence class of distinct
// ids within a team") and 6 ("no merge ever produces two persons sharing
// a distinct id").
package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/fluxcore/ingestd/internal/db"
	"github.com/fluxcore/ingestd/internal/logger"
	"github.com/fluxcore/ingestd/internal/models"
)

// Resolver resolves and merges person identity on top of the relational
// store's person tables.
type Resolver struct {
	persons *db.PersonDB
	log     *zerolog.Logger
}

// New creates a Resolver.
func New(persons *db.PersonDB) *Resolver {
	return &Resolver{persons: persons, log: logger.Identity()}
}

// ResolveDistinctID returns the canonical person for (teamID, distinctID),
// creating one if this is the first time the core has ever seen that
// distinct id. This is the common path for every non-identify,
// non-create_alias event.
func (r *Resolver) ResolveDistinctID(ctx context.Context, teamID int, distinctID string) (models.Person, error) {
	person, err := r.persons.GetPersonByDistinctID(ctx, teamID, distinctID)
	if err == nil {
		return person, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Person{}, fmt.Errorf("resolve distinct id %q: %w", distinctID, err)
	}

	person, err = r.persons.CreatePersonWithDistinctID(ctx, teamID, distinctID)
	if err == nil {
		return person, nil
	}
	if !db.IsUniqueViolation(err) {
		return models.Person{}, fmt.Errorf("create person for %q: %w", distinctID, err)
	}
	// Another worker won the race between our lookup and our insert (spec
	// §4.4 "caught and the operation is retried once from the top").
	person, err = r.persons.GetPersonByDistinctID(ctx, teamID, distinctID)
	if err != nil {
		return models.Person{}, fmt.Errorf("re-resolve distinct id %q after race: %w", distinctID, err)
	}
	return person, nil
}

// Alias implements the four-case resolution from spec §4.4: let A =
// person(team, previous), B = person(team, current). The returned Person
// is always the surviving canonical identity for `current` (and, after a
// merge, for `previous` too).
//
// Exactly one retry is permitted on a unique-constraint race (spec §4.4
// "never more than once, to avoid unbounded loops"); a second race within
// the same call returns the race error to the caller.
func (r *Resolver) Alias(ctx context.Context, teamID int, previous, current string) (models.Person, error) {
	person, err := r.alias(ctx, teamID, previous, current)
	if err == nil {
		return person, nil
	}
	if !db.IsUniqueViolation(err) {
		return models.Person{}, err
	}
	r.log.Debug().Str("previous", previous).Str("current", current).Msg("identity race detected, retrying alias once")
	return r.alias(ctx, teamID, previous, current)
}

func (r *Resolver) alias(ctx context.Context, teamID int, previous, current string) (models.Person, error) {
	a, aErr := r.persons.GetPersonByDistinctID(ctx, teamID, previous)
	aPresent := aErr == nil
	if aErr != nil && !errors.Is(aErr, sql.ErrNoRows) {
		return models.Person{}, fmt.Errorf("look up previous distinct id %q: %w", previous, aErr)
	}

	b, bErr := r.persons.GetPersonByDistinctID(ctx, teamID, current)
	bPresent := bErr == nil
	if bErr != nil && !errors.Is(bErr, sql.ErrNoRows) {
		return models.Person{}, fmt.Errorf("look up current distinct id %q: %w", current, bErr)
	}

	switch {
	case aPresent && !bPresent:
		// "A present, B absent: attach current to A."
		if err := r.persons.AttachDistinctID(ctx, a.ID, teamID, current); err != nil {
			return models.Person{}, err
		}
		return a, nil

	case !aPresent && bPresent:
		// "A absent, B present: attach previous to B."
		if err := r.persons.AttachDistinctID(ctx, b.ID, teamID, previous); err != nil {
			return models.Person{}, err
		}
		return b, nil

	case !aPresent && !bPresent:
		// "Both absent: create a new person and attach both ids."
		person, err := r.persons.CreatePersonWithDistinctID(ctx, teamID, previous)
		if err != nil {
			return models.Person{}, err
		}
		if err := r.persons.AttachDistinctID(ctx, person.ID, teamID, current); err != nil {
			return models.Person{}, err
		}
		return person, nil

	default:
		// "Both present and distinct: merge A into B."
		if a.ID == b.ID {
			return b, nil
		}
		if err := r.persons.MergeInto(ctx, a.ID, b.ID); err != nil {
			return models.Person{}, fmt.Errorf("merge person %d into %d: %w", a.ID, b.ID, err)
		}
		return b, nil
	}
}

// ApplyIdentifyProperties applies $set/$set_once from a $identify event to
// the canonical person and marks it identified (spec §4.4 "on identify,
// apply $set/$set_once ... and mark it identified").
func (r *Resolver) ApplyIdentifyProperties(ctx context.Context, personID int64, setOnce, set models.Properties) error {
	return r.persons.ApplyProperties(ctx, personID, setOnce, set, true)
}
