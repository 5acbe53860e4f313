// Package ingestqueue implements the Queue Consumer (spec §4.1): it pulls
// envelopes off the ingress broker subject, decodes them into
// models.Event, and submits one processEvent task per envelope to the
// worker pool while bounding how much work it allows in flight.
package ingestqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/fluxcore/ingestd/internal/logger"
	"github.com/fluxcore/ingestd/internal/models"
	"github.com/fluxcore/ingestd/internal/workerpool"
)

// Subject is the ingress broker topic the consumer pulls from (spec §6
// "Ingress").
const Subject = "events_ingestion_handoff"

// Config configures the broker connection and consumer group.
type Config struct {
	URL          string
	User         string
	Password     string
	DurableGroup string // consumer group id, stable per deployment (spec §6)
	FetchBatch   int
	FetchWait    time.Duration
	PollInterval time.Duration
	DrainTimeout time.Duration
}

// envelope is the wire shape of one ingress message (spec §6 "Ingress").
// SentAt is decoded as a raw string for the same reason as innerEvent.
// Timestamp below: a malformed value must fall through to the next
// timestamp-resolution rule, not fail the whole envelope decode.
type envelope struct {
	DistinctID string          `json:"distinct_id"`
	IP         string          `json:"ip"`
	SiteURL    string          `json:"site_url"`
	Data       json.RawMessage `json:"data"`
	TeamID     int             `json:"team_id"`
	Now        *time.Time      `json:"now"`
	SentAt     string          `json:"sent_at"`
	UUID       string          `json:"uuid"`
}

// innerEvent is the nested event payload inside envelope.Data. Timestamp is
// decoded as a raw string, not *time.Time: spec §4.4 requires a
// malformed timestamp to "fall through to the next rule" (offset/
// now), not fail the whole envelope decode the way encoding/json's strict
// RFC3339 parsing into *time.Time would.
type innerEvent struct {
	Event      string            `json:"event"`
	Properties models.Properties `json:"properties"`
	Timestamp  string            `json:"timestamp"`
	Offset     *int64            `json:"offset"`
}

// parseTimestamp parses an RFC3339 timestamp string, returning nil (not an
// error) when raw is empty or fails to parse — spec §4.4's fall-through
// rule treats both cases identically.
func parseTimestamp(raw string) *time.Time {
	if raw == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil
	}
	return &t
}

// Consumer pulls events off a JetStream durable pull consumer and submits
// them to a worker pool, bounding outstanding work per spec §4.1's
// backpressure design (`pauseAt = C`, `resumeAt = C/2`).
type Consumer struct {
	cfg  Config
	pool *workerpool.Pool
	log  *zerolog.Logger

	conn *nats.Conn
	sub  *nats.Subscription

	pauseAt  int
	resumeAt int

	mu      sync.Mutex
	paused  bool
	running bool
	stopCh  chan struct{}

	// dispatched counts tasks handed to the pool but not yet resolved. It is
	// incremented synchronously in submit, before the task's goroutine is
	// spawned, so checkBackpressure never races ahead of its own signal the
	// way reading pool.InFlight() would (that counter only increments once
	// the spawned goroutine actually reaches pool.RunTask).
	dispatched int64

	wg       sync.WaitGroup
	fatalErr chan error
}

// New creates a Consumer bound to pool. pool.Capacity() determines the
// pause/resume backpressure thresholds.
func New(cfg Config, pool *workerpool.Pool) *Consumer {
	if cfg.FetchBatch <= 0 {
		cfg.FetchBatch = 25
	}
	if cfg.FetchWait <= 0 {
		cfg.FetchWait = 2 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 30 * time.Second
	}
	capacity := pool.Capacity()
	return &Consumer{
		cfg:      cfg,
		pool:     pool,
		log:      logger.IngestQueue(),
		pauseAt:  capacity,
		resumeAt: capacity / 2,
		stopCh:   make(chan struct{}),
		fatalErr: make(chan error, 1),
	}
}

// Start connects to the broker, binds the durable pull consumer, and
// begins the fetch loop. It resolves once the broker confirms the
// consumer is bound (spec §4.1 "resolves once the broker confirms group
// membership").
func (c *Consumer) Start(ctx context.Context) error {
	opts := []nats.Option{
		nats.Name("ingestd-consumer"),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(-1), // broker client retries disconnects with its own backoff (spec §7 (a))
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				c.log.Warn().Err(err).Msg("broker disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.log.Info().Str("url", nc.ConnectedUrl()).Msg("broker reconnected")
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			select {
			case c.fatalErr <- fmt.Errorf("broker connection closed"):
			default:
			}
		}),
	}
	if c.cfg.User != "" {
		opts = append(opts, nats.UserInfo(c.cfg.User, c.cfg.Password))
	}

	conn, err := nats.Connect(c.cfg.URL, opts...)
	if err != nil {
		return fmt.Errorf("connect to broker: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return fmt.Errorf("init jetstream context: %w", err)
	}

	sub, err := js.PullSubscribe(Subject, c.cfg.DurableGroup)
	if err != nil {
		conn.Close()
		return fmt.Errorf("bind pull consumer for %s/%s: %w", Subject, c.cfg.DurableGroup, err)
	}

	c.conn = conn
	c.sub = sub

	c.mu.Lock()
	c.running = true
	c.paused = false
	c.mu.Unlock()

	c.wg.Add(1)
	go c.fetchLoop()

	c.log.Info().Str("subject", Subject).Str("group", c.cfg.DurableGroup).Msg("consumer started")
	return nil
}

// Errors returns the channel fatal broker errors are delivered on (spec §4.1
// "a crashed consumer group surfaces through a fatal error channel").
func (c *Consumer) Errors() <-chan error {
	return c.fatalErr
}

// fetchLoop pulls batches while not paused and not stopped, submitting
// each decoded message to the pool on its own goroutine so the fetch loop
// itself never blocks on pipeline execution. The fetch size is capped at
// whatever budget remains under pauseAt, so a single Fetch can never push
// dispatched work past the pool's capacity (spec §8 invariant 4, "inFlight
// ≤ C is maintained at all times") regardless of how large FetchBatch is
// configured.
func (c *Consumer) fetchLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		if c.isPaused() {
			time.Sleep(c.cfg.PollInterval)
			continue
		}

		budget := c.pauseAt - int(atomic.LoadInt64(&c.dispatched))
		if budget <= 0 {
			time.Sleep(c.cfg.PollInterval)
			continue
		}
		batch := c.cfg.FetchBatch
		if budget < batch {
			batch = budget
		}

		msgs, err := c.sub.Fetch(batch, nats.MaxWait(c.cfg.FetchWait))
		if err != nil {
			if err == nats.ErrTimeout || err == context.DeadlineExceeded {
				continue
			}
			c.log.Warn().Err(err).Msg("fetch from broker failed")
			time.Sleep(c.cfg.PollInterval)
			continue
		}

		for i, msg := range msgs {
			if c.isPaused() {
				// Saturated mid-batch (another fetchLoop iteration cannot
				// race this one, but a long-running prior batch can still
				// drain concurrently): let the remainder redeliver instead
				// of dispatching past pauseAt.
				for _, remaining := range msgs[i:] {
					_ = remaining.Nak()
				}
				break
			}
			c.submit(msg)
		}
	}
}

// submit decodes one broker message and hands it to the pool asynchronously,
// acking it once the processEvent task resolves — success or a handled
// failure, never un-committing (SPEC_FULL §5 Open Question decision 2).
func (c *Consumer) submit(msg *nats.Msg) {
	event, err := decodeEnvelope(msg.Data)
	if err != nil {
		// Input validation failure (spec §7 (f)): drop the event, ack so the
		// broker doesn't redeliver an un-decodable message forever.
		c.log.Warn().Err(err).Msg("dropping malformed ingress envelope")
		_ = msg.Ack()
		return
	}

	// Count this task as dispatched before checking backpressure or handing
	// it to a goroutine — pool.InFlight() only increments once that
	// goroutine actually reaches pool.RunTask, which can lag behind the
	// scheduler by an arbitrary amount and would let checkBackpressure see a
	// stale, too-low count.
	atomic.AddInt64(&c.dispatched, 1)
	c.checkBackpressure()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			atomic.AddInt64(&c.dispatched, -1)
			c.checkBackpressure()
		}()

		result := c.pool.RunTask(context.Background(), workerpool.Task{Kind: workerpool.KindProcessEvent, Args: event})
		if result.Err != nil {
			c.log.Warn().Err(result.Err).Str("uuid", event.UUID).Int("team_id", event.TeamID).
				Msg("processEvent task failed; committing anyway per at-least-once-on-broker-offset policy")
		}
		if err := msg.Ack(); err != nil {
			c.log.Warn().Err(err).Str("uuid", event.UUID).Msg("failed to ack broker message after task resolution")
		}
	}()
}

// checkBackpressure pauses the fetch loop once dispatched work reaches
// pauseAt, and flips it back to resumed once drained below resumeAt (spec
// §4.1 backpressure design). Driven by the consumer's own dispatched
// counter rather than pool.InFlight() — see submit's comment.
func (c *Consumer) checkBackpressure() {
	dispatched := int(atomic.LoadInt64(&c.dispatched))
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.paused && dispatched >= c.pauseAt {
		c.paused = true
		c.log.Info().Int("dispatched", dispatched).Msg("consumer paused: worker pool saturated")
	} else if c.paused && dispatched <= c.resumeAt {
		c.paused = false
		c.log.Info().Int("dispatched", dispatched).Msg("consumer resumed: worker pool drained")
	}
}

func (c *Consumer) isPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// Pause stops broker polling without tearing down the subscription.
// Idempotent (spec §4.1 "pause()/resume() — idempotent").
func (c *Consumer) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
}

// Resume restarts broker polling. Idempotent.
func (c *Consumer) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = false
}

// Stop drains in-flight tasks then disconnects (spec §4.1 "stop()").
func (c *Consumer) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.mu.Unlock()

	close(c.stopCh)

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(c.cfg.DrainTimeout):
		c.log.Warn().Msg("consumer drain timed out, some handlers may still be running")
	}

	if c.conn != nil {
		c.conn.Close()
	}
	c.log.Info().Msg("consumer stopped")
}

// decodeEnvelope parses the broker envelope into a models.Event, applying
// the uuid-generation fallback and nested-event unmarshal (spec §6).
func decodeEnvelope(data []byte) (models.Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return models.Event{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if env.TeamID == 0 {
		return models.Event{}, fmt.Errorf("envelope missing team_id")
	}

	var inner innerEvent
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &inner); err != nil {
			return models.Event{}, fmt.Errorf("unmarshal nested event data: %w", err)
		}
	}

	id := env.UUID
	if id == "" {
		id = uuid.Must(uuid.NewV7()).String()
	}
	now := time.Now().UTC()
	if env.Now != nil {
		now = *env.Now
	}

	return models.Event{
		UUID:       id,
		DistinctID: env.DistinctID,
		TeamID:     env.TeamID,
		Event:      inner.Event,
		Properties: inner.Properties,
		IP:         env.IP,
		SiteURL:    env.SiteURL,
		Timestamp:  parseTimestamp(inner.Timestamp),
		Offset:     inner.Offset,
		SentAt:     parseTimestamp(env.SentAt),
		Now:        now,
	}, nil
}
