package ingest

import (
	"time"

	"github.com/fluxcore/ingestd/internal/models"
)

// ResolveTimestamp implements the four-rule precedence table from spec
// §4.4 "Timestamp resolution". now is the broker's receive-time for this
// envelope (models.Event.Now), the anchor every fallback rule is computed
// against.
//
//  1. timestamp and sent_at both present: now + (timestamp - sent_at),
//     a clock-skew correction that stays monotonic in the client's frame.
//  2. timestamp alone present: used verbatim.
//  3. offset (ms) present: now - offset.
//  4. none present: now.
func ResolveTimestamp(event models.Event) time.Time {
	now := event.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	if event.Timestamp != nil && event.SentAt != nil {
		skew := event.Timestamp.Sub(*event.SentAt)
		return now.Add(skew)
	}
	if event.Timestamp != nil {
		return *event.Timestamp
	}
	if event.Offset != nil {
		return now.Add(-time.Duration(*event.Offset) * time.Millisecond)
	}
	return now
}
