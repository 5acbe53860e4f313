package models

import "time"

// Person is the canonical identity record that one or more distinct ids
// collapse into (spec §3). Exactly one Person exists per equivalence class
// of distinct ids within a team (spec §8 invariant 1).
type Person struct {
	ID           int64      `json:"id"`
	UUID         string     `json:"uuid"`
	TeamID       int        `json:"team_id"`
	CreatedAt    time.Time  `json:"created_at"`
	Properties   Properties `json:"properties"`
	IsIdentified bool       `json:"is_identified"`
}

// PersonDistinctID links a client-supplied distinct id to a Person within a
// team. (TeamID, DistinctID) is unique at the store level (spec §3); races on
// that constraint are expected and handled by internal/identity.
type PersonDistinctID struct {
	ID         int64  `json:"id"`
	PersonID   int64  `json:"person_id"`
	DistinctID string `json:"distinct_id"`
	TeamID     int    `json:"team_id"`
}

// Team tracks the additive, first-seen caches described in spec §4.4's
// "Team-cache side effects": event names, properties, and numerical
// properties ever observed for the team.
type Team struct {
	ID                 int        `json:"id"`
	EventNames         []string   `json:"event_names"`
	EventProperties    []string   `json:"event_properties"`
	EventPropertiesNum []string   `json:"event_properties_numerical"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Action and ActionStep implement the server-side event-matching model from
// spec §3 ("a match specification ... used to label events server-side").
// This is a supplemented feature (SPEC_FULL §4): matchActions is named as a
// worker-pool task kind in spec §4.2 but never detailed further.
type Action struct {
	ID        int          `json:"id"`
	TeamID    int          `json:"team_id"`
	Name      string       `json:"name"`
	Steps     []ActionStep `json:"steps"`
	Deleted   bool         `json:"deleted"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// ActionStep is one predicate within an Action. A step matches when every
// non-zero-value field it carries is satisfied by the event.
type ActionStep struct {
	URL             string           `json:"url,omitempty"`
	URLMatching     string           `json:"url_matching,omitempty"` // "exact", "contains", "regex"
	EventName       string           `json:"event,omitempty"`
	Selector        string           `json:"selector,omitempty"` // DOM element predicate
	PropertyFilters []PropertyFilter `json:"properties,omitempty"`
}

// PropertyFilter is one property-equality/operator predicate within an
// ActionStep.
type PropertyFilter struct {
	Key      string `json:"key"`
	Value    string `json:"value"`
	Operator string `json:"operator,omitempty"` // "exact", "icontains", "regex", "gt", "lt"
}
