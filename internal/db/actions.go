package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/fluxcore/ingestd/internal/models"
)

// ActionDB handles actions and action_steps — the server-side event-match
// specifications the matchActions worker task evaluates (SPEC_FULL §4).
type ActionDB struct {
	db *sql.DB
}

// NewActionDB creates an ActionDB.
func NewActionDB(sqlDB *sql.DB) *ActionDB {
	return &ActionDB{db: sqlDB}
}

// LoadActionsForTeam returns every non-deleted action for a team, each with
// its steps attached.
func (a *ActionDB) LoadActionsForTeam(ctx context.Context, teamID int) ([]models.Action, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT id, team_id, name, deleted, updated_at
		FROM actions WHERE team_id = $1 AND deleted = false
	`, teamID)
	if err != nil {
		return nil, fmt.Errorf("load actions for team %d: %w", teamID, err)
	}
	defer rows.Close()

	var actions []models.Action
	for rows.Next() {
		var act models.Action
		if err := rows.Scan(&act.ID, &act.TeamID, &act.Name, &act.Deleted, &act.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		actions = append(actions, act)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range actions {
		steps, err := a.loadSteps(ctx, actions[i].ID)
		if err != nil {
			return nil, err
		}
		actions[i].Steps = steps
	}
	return actions, nil
}

func (a *ActionDB) loadSteps(ctx context.Context, actionID int) ([]models.ActionStep, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT url, url_matching, event_name, selector, property_filters
		FROM action_steps WHERE action_id = $1
	`, actionID)
	if err != nil {
		return nil, fmt.Errorf("load action steps for action %d: %w", actionID, err)
	}
	defer rows.Close()

	var steps []models.ActionStep
	for rows.Next() {
		var step models.ActionStep
		var filtersJSON []byte
		var url, urlMatching, eventName, selector sql.NullString
		if err := rows.Scan(&url, &urlMatching, &eventName, &selector, &filtersJSON); err != nil {
			return nil, fmt.Errorf("scan action step: %w", err)
		}
		step.URL = url.String
		step.URLMatching = urlMatching.String
		step.EventName = eventName.String
		step.Selector = selector.String
		if len(filtersJSON) > 0 {
			if err := json.Unmarshal(filtersJSON, &step.PropertyFilters); err != nil {
				return nil, fmt.Errorf("unmarshal property filters: %w", err)
			}
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// DropAction soft-deletes an action (the dropAction worker task kind).
func (a *ActionDB) DropAction(ctx context.Context, actionID int) error {
	_, err := a.db.ExecContext(ctx, `UPDATE actions SET deleted = true, updated_at = CURRENT_TIMESTAMP WHERE id = $1`, actionID)
	if err != nil {
		return fmt.Errorf("drop action %d: %w", actionID, err)
	}
	return nil
}
