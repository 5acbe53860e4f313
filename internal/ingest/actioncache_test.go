package ingest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxcore/ingestd/internal/models"
)

type fakeActionStore struct {
	byTeam  map[int][]models.Action
	dropped []int
	loads   int
}

func (f *fakeActionStore) LoadActionsForTeam(_ context.Context, teamID int) ([]models.Action, error) {
	f.loads++
	return f.byTeam[teamID], nil
}

func (f *fakeActionStore) DropAction(_ context.Context, actionID int) error {
	f.dropped = append(f.dropped, actionID)
	return nil
}

func TestActionCache_LoadsOncePerTeam(t *testing.T) {
	store := &fakeActionStore{byTeam: map[int][]models.Action{7: {{ID: 1, TeamID: 7, Name: "signup"}}}}
	cache := NewActionCache(store)

	first, err := cache.LoadActionsForTeam(context.Background(), 7)
	require.NoError(t, err)
	second, err := cache.LoadActionsForTeam(context.Background(), 7)
	require.NoError(t, err)

	assert.Equal(t, 1, store.loads)
	assert.Equal(t, first, second)
}

func TestActionCache_ReloadAllActionsForcesRefetch(t *testing.T) {
	store := &fakeActionStore{byTeam: map[int][]models.Action{7: {{ID: 1, TeamID: 7}}}}
	cache := NewActionCache(store)

	_, err := cache.LoadActionsForTeam(context.Background(), 7)
	require.NoError(t, err)
	cache.ReloadAllActions()
	_, err = cache.LoadActionsForTeam(context.Background(), 7)
	require.NoError(t, err)

	assert.Equal(t, 2, store.loads)
}

func TestActionCache_DropActionRefreshesOwningTeam(t *testing.T) {
	store := &fakeActionStore{byTeam: map[int][]models.Action{7: {{ID: 1, TeamID: 7}}}}
	cache := NewActionCache(store)

	_, err := cache.LoadActionsForTeam(context.Background(), 7)
	require.NoError(t, err)

	store.byTeam[7] = nil // simulate the row now being filtered out as deleted
	require.NoError(t, cache.DropAction(context.Background(), 1))

	assert.Equal(t, []int{1}, store.dropped)
	assert.Equal(t, 2, store.loads)

	actions, err := cache.LoadActionsForTeam(context.Background(), 7)
	require.NoError(t, err)
	assert.Empty(t, actions)
}

func TestActionCache_ReloadPrunesStaleActionTeamEntries(t *testing.T) {
	store := &fakeActionStore{byTeam: map[int][]models.Action{7: {{ID: 1, TeamID: 7}}}}
	cache := NewActionCache(store)

	_, err := cache.LoadActionsForTeam(context.Background(), 7)
	require.NoError(t, err)
	assert.Contains(t, cache.actionTeam, 1)

	store.byTeam[7] = nil // action 1 no longer belongs to team 7
	require.NoError(t, cache.ReloadAction(context.Background(), 7))

	assert.NotContains(t, cache.actionTeam, 1, "an action dropped from its team must not linger in actionTeam forever")
}

func TestActionCache_ReloadAllActionsClearsActionTeam(t *testing.T) {
	store := &fakeActionStore{byTeam: map[int][]models.Action{7: {{ID: 1, TeamID: 7}}}}
	cache := NewActionCache(store)

	_, err := cache.LoadActionsForTeam(context.Background(), 7)
	require.NoError(t, err)
	cache.ReloadAllActions()

	assert.Empty(t, cache.actionTeam)
}
