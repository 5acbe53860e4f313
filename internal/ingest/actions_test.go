package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fluxcore/ingestd/internal/models"
)

func TestMatchActions_EventNamePredicate(t *testing.T) {
	actions := []models.Action{
		{ID: 1, Steps: []models.ActionStep{{EventName: "$pageview"}}},
		{ID: 2, Steps: []models.ActionStep{{EventName: "signup"}}},
	}
	event := models.Event{Event: "$pageview"}
	assert.Equal(t, []int{1}, MatchActions(event, actions))
}

func TestMatchActions_URLContains(t *testing.T) {
	actions := []models.Action{
		{ID: 1, Steps: []models.ActionStep{{URL: "/pricing", URLMatching: "contains"}}},
	}
	event := models.Event{Properties: models.Properties{"$current_url": "https://example.com/pricing?ref=ad"}}
	assert.Equal(t, []int{1}, MatchActions(event, actions))
}

func TestMatchActions_URLExactRejectsPartialMatch(t *testing.T) {
	actions := []models.Action{
		{ID: 1, Steps: []models.ActionStep{{URL: "https://example.com/pricing", URLMatching: "exact"}}},
	}
	event := models.Event{Properties: models.Properties{"$current_url": "https://example.com/pricing?ref=ad"}}
	assert.Empty(t, MatchActions(event, actions))
}

func TestMatchActions_PropertyFilterOperators(t *testing.T) {
	actions := []models.Action{
		{ID: 1, Steps: []models.ActionStep{{PropertyFilters: []models.PropertyFilter{{Key: "plan", Value: "ent", Operator: "icontains"}}}}},
		{ID: 2, Steps: []models.ActionStep{{PropertyFilters: []models.PropertyFilter{{Key: "seats", Value: "10", Operator: "gt"}}}}},
	}
	event := models.Event{Properties: models.Properties{"plan": "Enterprise", "seats": float64(25)}}
	assert.ElementsMatch(t, []int{1, 2}, MatchActions(event, actions))
}

func TestMatchActions_MultipleStepsAreOrMatched(t *testing.T) {
	actions := []models.Action{
		{ID: 1, Steps: []models.ActionStep{
			{EventName: "signup"},
			{EventName: "purchase"},
		}},
	}
	event := models.Event{Event: "purchase"}
	assert.Equal(t, []int{1}, MatchActions(event, actions))
}

func TestMatchActions_DeletedActionNeverMatches(t *testing.T) {
	actions := []models.Action{
		{ID: 1, Deleted: true, Steps: []models.ActionStep{{EventName: "$pageview"}}},
	}
	event := models.Event{Event: "$pageview"}
	assert.Empty(t, MatchActions(event, actions))
}

func TestMatchActions_EmptyStepNeverMatches(t *testing.T) {
	actions := []models.Action{
		{ID: 1, Steps: []models.ActionStep{{}}},
	}
	event := models.Event{Event: "anything"}
	assert.Empty(t, MatchActions(event, actions))
}

func TestMatchActions_SelectorMatchesByAttrID(t *testing.T) {
	actions := []models.Action{
		{ID: 1, Steps: []models.ActionStep{{Selector: "#buy-now"}}},
	}
	event := models.Event{Properties: models.Properties{
		"$elements": []interface{}{
			map[string]interface{}{"tag_name": "button", "attr_id": "buy-now"},
		},
	}}
	assert.Equal(t, []int{1}, MatchActions(event, actions))
}

func TestMatchActions_SelectorMissingElementsNeverMatches(t *testing.T) {
	actions := []models.Action{
		{ID: 1, Steps: []models.ActionStep{{Selector: "#buy-now"}}},
	}
	event := models.Event{Properties: models.Properties{}}
	assert.Empty(t, MatchActions(event, actions))
}

func TestMatchActions_MissingPropertyFailsFilter(t *testing.T) {
	actions := []models.Action{
		{ID: 1, Steps: []models.ActionStep{{PropertyFilters: []models.PropertyFilter{{Key: "plan", Value: "ent"}}}}},
	}
	event := models.Event{Properties: models.Properties{}}
	assert.Empty(t, MatchActions(event, actions))
}
