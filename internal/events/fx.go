package events

import (
	"context"
	"strings"

	"github.com/smallbiznis/lexbill/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("events",
	fx.Provide(NewPublisher),
)

// NewPublisher connects to AMQP_URL when set. A broker that is down at
// startup degrades to the no-op publisher rather than failing the process.
func NewPublisher(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) Publisher {
	if strings.TrimSpace(cfg.AMQPURL) == "" {
		return NoopPublisher{}
	}

	pub, err := NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange, log)
	if err != nil {
		log.Warn("amqp unavailable, events disabled", zap.Error(err))
		return NoopPublisher{}
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return pub.Close() },
	})
	return pub
}
