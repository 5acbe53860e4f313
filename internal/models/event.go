// Package models defines the data types that flow through the ingestion core:
// raw ingress events, resolved person identities, and the plugin catalog that
// enriches events in-flight.
//
// These types cross package boundaries (ingestqueue, pluginhost, ingest,
// identity, db) and are kept free of behavior beyond small invariant helpers
// so that every package can depend on them without creating import cycles.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// Properties is an open, JSON-serializable property bag attached to events
// and persons. It implements sql.Scanner/driver.Valuer so it can be stored
// directly in a JSONB column.
type Properties map[string]interface{}

// Scan implements sql.Scanner for Properties.
func (p *Properties) Scan(value interface{}) error {
	if value == nil {
		*p = Properties{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	if len(bytes) == 0 {
		*p = Properties{}
		return nil
	}
	return json.Unmarshal(bytes, p)
}

// Value implements driver.Valuer for Properties.
func (p Properties) Value() (driver.Value, error) {
	if p == nil {
		return json.Marshal(Properties{})
	}
	return json.Marshal(p)
}

// Merge combines three property bags under "set_once ∪ existing ∪ set"
// semantics (spec §3): set_once only fills keys absent from the result,
// existing values are the baseline, and set overwrites everything —
// rightmost wins.
func Merge(existing, setOnce, set Properties) Properties {
	out := make(Properties, len(existing)+len(setOnce)+len(set))
	for k, v := range existing {
		out[k] = v
	}
	for k, v := range setOnce {
		if _, present := out[k]; !present {
			out[k] = v
		}
	}
	for k, v := range set {
		out[k] = v
	}
	return out
}

// Event is the canonical in-process representation of one analytics event,
// after it has been pulled off the ingress broker and decoded from its JSON
// envelope (spec §6) but before timestamp resolution and person identity
// have been resolved.
type Event struct {
	// UUID is a time-ordered 128-bit identifier, monotonic within the
	// process that minted it. Generated by the ingester if absent.
	UUID string `json:"uuid"`

	// DistinctID is the client-supplied end-user identifier, scoped to Team.
	DistinctID string `json:"distinct_id"`

	// TeamID scopes every other identifier in this event.
	TeamID int `json:"team_id"`

	// Event is the event name, e.g. "$pageview", "$identify", "$snapshot".
	Event string `json:"event"`

	// Properties is the open property map supplied by the client.
	Properties Properties `json:"properties"`

	// IP is the originating client IP, used for geo enrichment upstream of
	// this core (MaxMind refresh is out of scope per spec §1).
	IP string `json:"ip,omitempty"`

	// SiteURL is the origin the event was captured from.
	SiteURL string `json:"site_url,omitempty"`

	// Timestamp is the client-reported event time, if present.
	Timestamp *time.Time `json:"timestamp,omitempty"`

	// Offset is milliseconds-ago, an alternative to Timestamp (spec §4.4
	// precedence rule 3).
	Offset *int64 `json:"offset,omitempty"`

	// SentAt is when the client believes it sent the event, used for
	// clock-skew correction together with Timestamp (spec §4.4 rule 1).
	SentAt *time.Time `json:"sent_at,omitempty"`

	// Now is the broker's receive-time for this envelope, the `now` rule's
	// anchor when Timestamp/Offset are absent or used for skew correction
	// (spec §4.4 rules 1, 3, 4; spec §6 envelope field `now`).
	Now time.Time `json:"now"`
}

// PropString returns a string-valued property, or "" if absent or not a string.
func (e *Event) PropString(key string) string {
	if e.Properties == nil {
		return ""
	}
	v, ok := e.Properties[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// IsIdentify reports whether this event is a $identify call.
func (e *Event) IsIdentify() bool { return e.Event == "$identify" }

// IsCreateAlias reports whether this event is a $create_alias call.
func (e *Event) IsCreateAlias() bool { return e.Event == "$create_alias" }

// IsSnapshot reports whether this event is a session-recording snapshot,
// which is routed to a separate topic (spec §4.4 Publish).
func (e *Event) IsSnapshot() bool { return e.Event == "$snapshot" }

// NormalizedEvent is an Event after timestamp resolution and identity
// resolution, ready for publication to the analytics topic.
type NormalizedEvent struct {
	Event
	// PersonID is the resolved canonical person's team-scoped identity.
	PersonID int64 `json:"person_id"`
	// ResolvedAt is the event time computed per spec §4.4's precedence rules.
	ResolvedAt time.Time `json:"resolved_at"`
}

// SnapshotEvent is the JSON payload published to the session-recording
// topic (spec §4.4 Publish, §6 Outputs).
type SnapshotEvent struct {
	UUID         string    `json:"uuid"`
	TeamID       int       `json:"team_id"`
	DistinctID   string    `json:"distinct_id"`
	SessionID    string    `json:"session_id"`
	SnapshotData any       `json:"snapshot_data"`
	Timestamp    time.Time `json:"timestamp"`
	CreatedAt    time.Time `json:"created_at"`
}
