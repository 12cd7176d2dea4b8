package distributed

import (
	"context"
	"errors"

	"voicechat/internal/core/domain"
	"voicechat/internal/core/ports"
	"voicechat/pkg/circuitbreaker"

	"go.uber.org/zap"
)

// GuardedPublisher stops publishing while Redis keeps failing, so a dead
// broker does not cost every signaling request a publish timeout.
type GuardedPublisher struct {
	next    ports.EventPublisher
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.SugaredLogger
}

func NewGuardedPublisher(next ports.EventPublisher, cfg circuitbreaker.Config, logger *zap.SugaredLogger) *GuardedPublisher {
	g := &GuardedPublisher{
		next:    next,
		breaker: circuitbreaker.New(cfg),
		logger:  logger.With("component", "event_publisher"),
	}
	g.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		g.logger.Warnw("event publishing circuit changed", "from", from.String(), "to", to.String())
	})
	return g
}

// Publish drops the event while the circuit is open.
func (g *GuardedPublisher) Publish(ctx context.Context, event domain.RoomEvent) error {
	err := g.breaker.Execute(ctx, func() error { return g.next.Publish(ctx, event) })
	if errors.Is(err, circuitbreaker.ErrOpen) {
		g.logger.Debugw("event dropped", "type", event.Type, "room", event.Room)
	}
	return err
}

func (g *GuardedPublisher) State() circuitbreaker.State { return g.breaker.State() }

var _ ports.EventPublisher = (*GuardedPublisher)(nil)
