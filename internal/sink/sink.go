// Package sink forwards committed audit events to downstream consumers.
// Delivery is fire-and-forget: the coordinator publishes only after the
// owning transaction committed, and a lost message never affects settlement.
package sink

import (
	"log"

	"challenge-core/internal/domain"
)

// EventSink receives committed challenge events.
type EventSink interface {
	Publish(ev *domain.ChallengeEvent)
}

// NopSink discards events.
type NopSink struct{}

// Publish discards the event.
func (NopSink) Publish(*domain.ChallengeEvent) {}

// LogSink writes events to a logger, for local runs and debugging.
type LogSink struct {
	logger *log.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *log.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Publish logs the event.
func (s *LogSink) Publish(ev *domain.ChallengeEvent) {
	s.logger.Printf("event challenge=%s seq=%d kind=%s %s->%s",
		ev.ChallengeID, ev.Sequence, ev.Kind, ev.BeforeState, ev.AfterState)
}

// Fanout publishes each event to every member sink, in order.
type Fanout []EventSink

// Publish forwards the event to all members.
func (f Fanout) Publish(ev *domain.ChallengeEvent) {
	for _, s := range f {
		s.Publish(ev)
	}
}

// Compile-time interface checks.
var (
	_ EventSink = NopSink{}
	_ EventSink = (*LogSink)(nil)
)
