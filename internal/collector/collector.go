package collector

import (
	"context"
	"os/user"
	"time"

	"github.com/google/uuid"

	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/logger"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/metrics"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/pkg/models"
)

// Sink accepts collected events. Push must not block.
type Sink interface {
	Push(ev *models.ActivityEvent) bool
}

// Collector turns OS or API signals into activity events.
type Collector interface {
	Name() string
	Run(ctx context.Context, sink Sink) error
}

// NewEvent creates an event with a random id and the current UTC time.
func NewEvent(source models.Source, subtype models.Subtype, payloadRef string) *models.ActivityEvent {
	return &models.ActivityEvent{
		ID:         uuid.NewString(),
		Source:     source,
		Subtype:    subtype,
		OccurredAt: time.Now().UTC(),
		PayloadRef: payloadRef,
		Metadata:   map[string]string{},
	}
}

// StampSink fills agent id and actor on events that lack them and counts them.
type StampSink struct {
	Next    Sink
	AgentID string
	Actor   string
	Metrics *metrics.Metrics
}

// Push stamps and forwards ev. The return value reports whether an older event was dropped.
func (s *StampSink) Push(ev *models.ActivityEvent) bool {
	if ev.AgentID == "" {
		ev.AgentID = s.AgentID
	}
	if ev.Actor == "" {
		ev.Actor = s.Actor
	}
	s.Metrics.IncCollected(string(ev.Source))
	return s.Next.Push(ev)
}

// CurrentActor returns the login name of the user running the agent.
func CurrentActor() string {
	u, err := user.Current()
	if err != nil {
		return "unknown"
	}
	return u.Username
}

// Guard runs fn and converts a panic into a logged error, so one bad signal
// cannot stop a collector loop.
func Guard(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("%s collector recovered from panic: %v", name, r)
		}
	}()
	fn()
}
