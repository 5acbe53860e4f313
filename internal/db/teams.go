package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/fluxcore/ingestd/internal/models"
)

// TeamDB handles the additive team-cache table (spec §4.4 "Team-cache side
// effects").
type TeamDB struct {
	db *sql.DB
}

// NewTeamDB creates a TeamDB.
func NewTeamDB(sqlDB *sql.DB) *TeamDB {
	return &TeamDB{db: sqlDB}
}

// GetTeam loads one team row, inserting a bare row on first sight so the
// additive caches below always have a target to update into.
func (t *TeamDB) GetTeam(ctx context.Context, teamID int) (models.Team, error) {
	var team models.Team
	var eventNames, eventProps, eventPropsNum pq.StringArray
	err := t.db.QueryRowContext(ctx, `
		SELECT id, event_names, event_properties, event_properties_numerical, updated_at
		FROM teams WHERE id = $1
	`, teamID).Scan(&team.ID, &eventNames, &eventProps, &eventPropsNum, &team.UpdatedAt)
	if err == sql.ErrNoRows {
		_, insertErr := t.db.ExecContext(ctx, `
			INSERT INTO teams (id) VALUES ($1) ON CONFLICT (id) DO NOTHING
		`, teamID)
		if insertErr != nil {
			return models.Team{}, fmt.Errorf("create team %d: %w", teamID, insertErr)
		}
		return models.Team{ID: teamID}, nil
	}
	if err != nil {
		return models.Team{}, fmt.Errorf("get team %d: %w", teamID, err)
	}
	team.EventNames = []string(eventNames)
	team.EventProperties = []string(eventProps)
	team.EventPropertiesNum = []string(eventPropsNum)
	return team, nil
}

// AddEventNameIfMissing appends name to the team's event_names array, using
// array concatenation guarded by a NOT-contains predicate so concurrent
// writers coalesce through the row's last-writer-wins UPDATE rather than a
// read-modify-write race (spec §4.4 "last writer wins").
func (t *TeamDB) AddEventNameIfMissing(ctx context.Context, teamID int, name string) error {
	_, err := t.db.ExecContext(ctx, `
		UPDATE teams
		SET event_names = array_append(event_names, $2), updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND NOT ($2 = ANY(event_names))
	`, teamID, name)
	if err != nil {
		return fmt.Errorf("add event name for team %d: %w", teamID, err)
	}
	return nil
}

// AddEventPropertyIfMissing appends a property key, numeric or not, to the
// corresponding team array.
func (t *TeamDB) AddEventPropertyIfMissing(ctx context.Context, teamID int, property string, numerical bool) error {
	column := "event_properties"
	if numerical {
		column = "event_properties_numerical"
	}
	query := fmt.Sprintf(`
		UPDATE teams
		SET %s = array_append(%s, $2), updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND NOT ($2 = ANY(%s))
	`, column, column, column)
	if _, err := t.db.ExecContext(ctx, query, teamID, property); err != nil {
		return fmt.Errorf("add event property for team %d: %w", teamID, err)
	}
	return nil
}
