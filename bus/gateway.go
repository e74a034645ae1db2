// Package bus provides the message bus gateway used by every orchestration
// component. It exposes two delivery modes over one NATS connection: an
// ephemeral broadcast channel (core NATS, at-most-once, fast-path
// notifications only) and a durable, replayable log (JetStream streams with
// consumer-group semantics, the source of truth for task and result
// delivery).
//
// Broadcast subjects live under the "broadcast." prefix so a core publish is
// never captured by a stream; the durable log subject is the log name itself.
// Both transports carry the exact same envelope bytes.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/stageflow/envelope"
)

// Log and topic naming conventions.
const (
	// ResultsLog is the shared durable log for result envelopes.
	ResultsLog = "results"

	// ResultsConsumerGroup consumes the results log in the orchestrator.
	ResultsConsumerGroup = "orchestrator-results-group"

	// DeadLetterLog holds messages that exhausted redelivery.
	DeadLetterLog = "deadletter"

	// broadcastPrefix namespaces the ephemeral channel away from the
	// durable log subjects.
	broadcastPrefix = "broadcast."
)

// TaskLog returns the durable log name for an agent type's tasks.
func TaskLog(agentType string) string {
	return "tasks." + agentType
}

// TaskConsumerGroup returns the consumer-group name for an agent type,
// derived deterministically from the consuming role.
func TaskConsumerGroup(agentType string) string {
	return agentType + "-group"
}

// streamName maps a log name to a JetStream stream name. Stream names cannot
// contain subject separators.
func streamName(logName string) string {
	return strings.ToUpper(strings.ReplaceAll(logName, ".", "_"))
}

// Config holds gateway tuning.
type Config struct {
	// MaxDeliver is the number of delivery attempts before a message is
	// moved to the dead-letter log instead of being retried forever.
	MaxDeliver int

	// AckWait is the claim timeout: how long a delivered message may stay
	// unacknowledged before it is redelivered to any consumer in the
	// group.
	AckWait time.Duration

	// PublishRetries bounds transport-error retries for one publish.
	PublishRetries int

	// PublishBackoff is the initial backoff between publish retries,
	// doubling per attempt.
	PublishBackoff time.Duration

	// FetchTimeout bounds each pull on the consume loop.
	FetchTimeout time.Duration
}

// DefaultConfig returns sensible gateway defaults.
func DefaultConfig() Config {
	return Config{
		MaxDeliver:     5,
		AckWait:        30 * time.Second,
		PublishRetries: 3,
		PublishBackoff: 250 * time.Millisecond,
		FetchTimeout:   5 * time.Second,
	}
}

// Gateway sends and receives envelopes over both bus channels.
type Gateway struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	config Config
	logger *slog.Logger
}

// New creates a gateway on an established NATS connection.
func New(nc *nats.Conn, config Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxDeliver <= 0 {
		config.MaxDeliver = DefaultConfig().MaxDeliver
	}
	if config.AckWait <= 0 {
		config.AckWait = DefaultConfig().AckWait
	}
	if config.PublishRetries <= 0 {
		config.PublishRetries = DefaultConfig().PublishRetries
	}
	if config.PublishBackoff <= 0 {
		config.PublishBackoff = DefaultConfig().PublishBackoff
	}
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = DefaultConfig().FetchTimeout
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	return &Gateway{
		nc:     nc,
		js:     js,
		config: config,
		logger: logger,
	}, nil
}

// PublishOptions controls a publish call.
type PublishOptions struct {
	// MirrorToLog appends the envelope, with identical field shape, to
	// the named durable log in addition to the broadcast publish.
	MirrorToLog string
}

// Publish sends an envelope on the ephemeral broadcast channel and, when
// MirrorToLog is set, appends the same bytes to the durable log. Transport
// errors are retried with backoff; exhausting retries surfaces the error to
// the caller rather than hanging.
func (g *Gateway) Publish(ctx context.Context, topic string, env *envelope.Envelope, opts PublishOptions) error {
	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	if err := g.withRetry(ctx, func() error {
		return g.nc.Publish(broadcastPrefix+topic, data)
	}); err != nil {
		return fmt.Errorf("broadcast publish %s: %w", topic, err)
	}
	publishedTotal.WithLabelValues(topic, "broadcast").Inc()

	if opts.MirrorToLog != "" {
		if err := g.withRetry(ctx, func() error {
			_, perr := g.js.Publish(ctx, opts.MirrorToLog, data)
			return perr
		}); err != nil {
			return fmt.Errorf("log publish %s: %w", opts.MirrorToLog, err)
		}
		publishedTotal.WithLabelValues(opts.MirrorToLog, "log").Inc()
	}

	return nil
}

// withRetry runs op with bounded backoff, doubling per attempt.
func (g *Gateway) withRetry(ctx context.Context, op func() error) error {
	backoff := g.config.PublishBackoff
	var err error
	for attempt := 0; attempt < g.config.PublishRetries; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if attempt == g.config.PublishRetries-1 {
			break
		}
		g.logger.Debug("Publish attempt failed, backing off",
			"attempt", attempt+1,
			"backoff", backoff,
			"error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}

// SubscribeBroadcast registers a handler on the ephemeral channel. Delivery
// is at most once; this channel is never the sole source of truth.
func (g *Gateway) SubscribeBroadcast(topic string, handler Handler) (*nats.Subscription, error) {
	sub, err := g.nc.Subscribe(broadcastPrefix+topic, func(msg *nats.Msg) {
		env, err := envelope.Validate(msg.Data)
		if err != nil {
			g.logger.Warn("Dropping invalid broadcast envelope",
				"topic", topic,
				"error", err)
			return
		}
		if err := handler(context.Background(), env); err != nil {
			g.logger.Warn("Broadcast handler failed",
				"topic", topic,
				"event_id", env.EventID,
				"error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe broadcast %s: %w", topic, err)
	}
	return sub, nil
}

// Close drains the underlying connection.
func (g *Gateway) Close() {
	if err := g.nc.Drain(); err != nil {
		g.logger.Warn("NATS drain failed", "error", err)
	}
}
