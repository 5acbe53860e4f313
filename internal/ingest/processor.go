// Package ingest implements the Event Processor (spec §4.4): it resolves
// the event's timestamp and person identity, runs the team-cache side
// effects and action matching, drives the plugin pipeline, and publishes
// the finished event.
package ingest

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/fluxcore/ingestd/internal/db"
	"github.com/fluxcore/ingestd/internal/identity"
	"github.com/fluxcore/ingestd/internal/logger"
	"github.com/fluxcore/ingestd/internal/models"
)

// PipelineRunner drives the per-team plugin pipeline for one event. Every
// worker owns its own *pluginhost.Host, which implements this; the
// processor depends on the narrow interface so it can be exercised without
// a live quickjs VM.
type PipelineRunner interface {
	RunProcessEvent(ctx context.Context, event models.Event) (*models.Event, error)
}

// Publisher is the outbound side of the processor: serializing and
// delivering finished events and person changes (spec §6 "Outputs"). The
// concrete implementation lives in internal/eventbus; this interface keeps
// the processor testable without a broker.
type Publisher interface {
	PublishEvent(ctx context.Context, event models.NormalizedEvent) error
	PublishSnapshot(ctx context.Context, snapshot models.SnapshotEvent) error
	PublishPerson(ctx context.Context, person models.Person) error
}

// ActionSource loads the actions a team's events are matched against.
// Implemented by *db.ActionDB; abstracted so the processor's tests don't
// need a real database.
type ActionSource interface {
	LoadActionsForTeam(ctx context.Context, teamID int) ([]models.Action, error)
}

// Processor is the Event Processor. One Processor is shared process-wide;
// the plugin pipeline it drives per call is supplied by the caller because
// the quickjs VM (*pluginhost.Host) is confined to a single worker (spec
// §4.2 "Isolation").
type Processor struct {
	identity *identity.Resolver
	teams    *db.TeamDB
	actions  ActionSource
	publish  Publisher
	log      *zerolog.Logger
}

// New creates a Processor.
func New(resolver *identity.Resolver, teams *db.TeamDB, actions ActionSource, publish Publisher) *Processor {
	return &Processor{
		identity: resolver,
		teams:    teams,
		actions:  actions,
		publish:  publish,
		log:      logger.Ingest(),
	}
}

// Process runs one event through the full pipeline: identity resolution,
// team-cache side effects, the plugin pipeline (via host), timestamp
// resolution, and publish. Action matching is not part of it; that runs
// separately through RunMatchActions. It returns nil, nil if a plugin
// dropped the event (spec §8 invariant 5) — that is not an error, it is the
// pipeline's normal "stop here" outcome.
func (p *Processor) Process(ctx context.Context, host PipelineRunner, event models.Event) (*models.NormalizedEvent, error) {
	person, err := p.resolveIdentity(ctx, event)
	if err != nil {
		return nil, fmt.Errorf("resolve identity: %w", err)
	}

	if err := p.applyTeamCacheSideEffects(ctx, event); err != nil {
		// Team-cache updates are best-effort bookkeeping, not load-bearing
		// for correctness of the event itself (spec §4.4 "never remove").
		p.log.Warn().Err(err).Int("team_id", event.TeamID).Msg("team-cache side effect failed")
	}

	processed, err := host.RunProcessEvent(ctx, event)
	if err != nil {
		return nil, fmt.Errorf("plugin pipeline: %w", err)
	}
	if processed == nil {
		return nil, nil
	}

	resolvedAt := ResolveTimestamp(*processed)
	normalized := models.NormalizedEvent{
		Event:      *processed,
		PersonID:   person.ID,
		ResolvedAt: resolvedAt,
	}

	if err := p.publishNormalized(ctx, normalized); err != nil {
		return nil, fmt.Errorf("publish: %w", err)
	}
	return &normalized, nil
}

// RunMatchActions loads a team's actions and matches event against them
// (the matchActions task kind named in spec §4.2 but left undetailed there;
// SPEC_FULL §4 supplements its implementation in internal/ingest/actions.go).
func (p *Processor) RunMatchActions(ctx context.Context, event models.Event) ([]int, error) {
	if p.actions == nil {
		return nil, nil
	}
	actions, err := p.actions.LoadActionsForTeam(ctx, event.TeamID)
	if err != nil {
		return nil, fmt.Errorf("load actions for team %d: %w", event.TeamID, err)
	}
	return MatchActions(event, actions), nil
}

// resolveIdentity dispatches $identify and $create_alias events through the
// alias algorithm (spec §4.4 "Identify / alias rules"); every other event
// resolves its distinct id the ordinary way.
func (p *Processor) resolveIdentity(ctx context.Context, event models.Event) (models.Person, error) {
	switch {
	case event.IsIdentify():
		anon := event.PropString("$anon_distinct_id")
		var person models.Person
		var err error
		if anon != "" && anon != event.DistinctID {
			person, err = p.identity.Alias(ctx, event.TeamID, anon, event.DistinctID)
		} else {
			person, err = p.identity.ResolveDistinctID(ctx, event.TeamID, event.DistinctID)
		}
		if err != nil {
			return models.Person{}, err
		}
		setOnce, _ := event.Properties["$set_once"].(map[string]interface{})
		set, _ := event.Properties["$set"].(map[string]interface{})
		if len(setOnce) > 0 || len(set) > 0 {
			if err := p.identity.ApplyIdentifyProperties(ctx, person.ID, models.Properties(setOnce), models.Properties(set)); err != nil {
				return models.Person{}, err
			}
		}
		p.publishPersonChange(ctx, person)
		return person, nil

	case event.IsCreateAlias():
		alias := event.PropString("alias")
		person, err := p.identity.Alias(ctx, event.TeamID, alias, event.DistinctID)
		if err != nil {
			return models.Person{}, err
		}
		p.publishPersonChange(ctx, person)
		return person, nil

	default:
		return p.identity.ResolveDistinctID(ctx, event.TeamID, event.DistinctID)
	}
}

// publishPersonChange fans person mutations out to the person/
// person_unique_id topics (spec §6 "Person changes fan out ... as JSON").
// Failures are logged, not propagated — a missed fan-out does not make the
// event itself unprocessable.
func (p *Processor) publishPersonChange(ctx context.Context, person models.Person) {
	if p.publish == nil {
		return
	}
	if err := p.publish.PublishPerson(ctx, person); err != nil {
		p.log.Warn().Err(err).Int64("person_id", person.ID).Msg("failed to publish person change")
	}
}

// applyTeamCacheSideEffects records first-sight event names and properties
// against the team row (spec §4.4 "Team-cache side effects").
func (p *Processor) applyTeamCacheSideEffects(ctx context.Context, event models.Event) error {
	if p.teams == nil {
		return nil
	}
	if event.Event != "" {
		if err := p.teams.AddEventNameIfMissing(ctx, event.TeamID, event.Event); err != nil {
			return err
		}
	}
	for key, val := range event.Properties {
		_, numerical := val.(float64)
		if err := p.teams.AddEventPropertyIfMissing(ctx, event.TeamID, key, numerical); err != nil {
			return err
		}
	}
	return nil
}

// publishNormalized routes a finished event to its topic: session-recording
// snapshots publish a narrow JSON payload on a separate topic, everything
// else publishes the full normalized event (spec §4.4 "Publish").
func (p *Processor) publishNormalized(ctx context.Context, event models.NormalizedEvent) error {
	if p.publish == nil {
		return nil
	}
	if event.IsSnapshot() {
		snapshot := models.SnapshotEvent{
			UUID:         event.UUID,
			TeamID:       event.TeamID,
			DistinctID:   event.DistinctID,
			SessionID:    event.PropString("$session_id"),
			SnapshotData: event.Properties["$snapshot_data"],
			Timestamp:    event.ResolvedAt,
			CreatedAt:    event.ResolvedAt,
		}
		return p.publish.PublishSnapshot(ctx, snapshot)
	}
	return p.publish.PublishEvent(ctx, event)
}
