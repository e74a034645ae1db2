package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/stageflow/envelope"
)

// Handler processes one validated envelope. A nil return acknowledges the
// message. A plain error leaves it pending for redelivery; wrap with
// Permanent to route the message straight to the dead-letter log.
type Handler func(ctx context.Context, env *envelope.Envelope) error

// permanentError marks a message as unprocessable: no amount of redelivery
// will help, so it goes to the dead-letter log immediately.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps an error so the consume loop dead-letters the message
// instead of retrying it. Used for protocol and lookup errors.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether an error was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// EnsureLog idempotently creates the durable log's backing stream.
func (g *Gateway) EnsureLog(ctx context.Context, logName string) error {
	_, err := g.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName(logName),
		Subjects: []string{logName},
	})
	if err != nil {
		return fmt.Errorf("ensure log %s: %w", logName, err)
	}
	return nil
}

// EnsureConsumerGroup idempotently creates the durable consumer backing a
// consumer group on a log. Must be called before the first ConsumeLog.
func (g *Gateway) EnsureConsumerGroup(ctx context.Context, logName, group string) error {
	stream, err := g.js.Stream(ctx, streamName(logName))
	if err != nil {
		return fmt.Errorf("get stream for log %s: %w", logName, err)
	}

	_, err = stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       group,
		FilterSubject: logName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       g.config.AckWait,
		// One extra attempt as a backstop; the consume loop dead-letters
		// on the MaxDeliver'th failure before this limit is reached.
		MaxDeliver: g.config.MaxDeliver + 1,
	})
	if err != nil {
		return fmt.Errorf("ensure consumer group %s on %s: %w", group, logName, err)
	}
	return nil
}

// ConsumeLog runs a blocking pull loop over a durable log as one member of a
// consumer group. Each message is delivered to exactly one member;
// unacknowledged messages are redelivered after the claim timeout. A handler
// error leaves the message pending; after MaxDeliver attempts (or a
// Permanent error) the message is moved to the dead-letter log and
// acknowledged. Returns when ctx is done.
func (g *Gateway) ConsumeLog(ctx context.Context, logName, group, consumerID string, handler Handler) error {
	stream, err := g.js.Stream(ctx, streamName(logName))
	if err != nil {
		return fmt.Errorf("get stream for log %s: %w", logName, err)
	}
	consumer, err := stream.Consumer(ctx, group)
	if err != nil {
		return fmt.Errorf("get consumer group %s on %s: %w", group, logName, err)
	}

	g.logger.Info("Consuming durable log",
		"log", logName,
		"group", group,
		"consumer_id", consumerID)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msgs, err := consumer.Fetch(1, jetstream.FetchMaxWait(g.config.FetchTimeout))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			g.logger.Debug("Fetch timeout or error", "log", logName, "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			g.handleLogMessage(ctx, logName, group, consumerID, msg, handler)
		}

		if msgs.Error() != nil && !errors.Is(msgs.Error(), context.DeadlineExceeded) {
			g.logger.Warn("Message fetch error", "log", logName, "error", msgs.Error())
		}
	}
}

func (g *Gateway) handleLogMessage(ctx context.Context, logName, group, consumerID string, msg jetstream.Msg, handler Handler) {
	env, err := envelope.Validate(msg.Data())
	if err != nil {
		// Protocol error: reject at the envelope boundary, acknowledge
		// and dead-letter, never crash the loop.
		g.logger.Warn("Rejecting invalid envelope",
			"log", logName,
			"group", group,
			"error", err)
		g.DeadLetter(ctx, logName, group, msg.Data(), fmt.Sprintf("protocol: %v", err))
		g.ack(msg, logName)
		return
	}

	consumedTotal.WithLabelValues(logName, group).Inc()

	err = handler(ctx, env)
	if err == nil {
		g.ack(msg, logName)
		return
	}

	if IsPermanent(err) {
		g.logger.Error("Message processing failed permanently",
			"log", logName,
			"group", group,
			"event_id", env.EventID,
			"workflow_id", env.WorkflowID,
			"task_id", env.TaskID,
			"error", err)
		g.DeadLetter(ctx, logName, group, msg.Data(), err.Error())
		g.ack(msg, logName)
		return
	}

	delivered := uint64(1)
	if meta, merr := msg.Metadata(); merr == nil {
		delivered = meta.NumDelivered
	}

	if delivered >= uint64(g.config.MaxDeliver) {
		g.logger.Error("Message exhausted redelivery, dead-lettering",
			"log", logName,
			"group", group,
			"event_id", env.EventID,
			"attempts", delivered,
			"error", err)
		g.DeadLetter(ctx, logName, group, msg.Data(), fmt.Sprintf("retries exhausted after %d attempts: %v", delivered, err))
		g.ack(msg, logName)
		return
	}

	g.logger.Warn("Message processing failed, leaving pending",
		"log", logName,
		"group", group,
		"event_id", env.EventID,
		"attempt", delivered,
		"error", err)
	redeliveriesTotal.WithLabelValues(logName, group).Inc()
	if err := msg.Nak(); err != nil {
		g.logger.Warn("Failed to NAK message", "log", logName, "error", err)
	}
}

func (g *Gateway) ack(msg jetstream.Msg, logName string) {
	if err := msg.Ack(); err != nil {
		g.logger.Warn("Failed to ACK message", "log", logName, "error", err)
	}
}

// DeadLetterEntry is the shape stored on the dead-letter log.
type DeadLetterEntry struct {
	SourceLog     string          `json:"source_log"`
	ConsumerGroup string          `json:"consumer_group"`
	Reason        string          `json:"reason"`
	Message       json.RawMessage `json:"message"`
	At            time.Time       `json:"at"`
}

// DeadLetter appends a message to the dead-letter log. Best effort: a
// failure to dead-letter is logged, never propagated, so the consume loop
// keeps running.
func (g *Gateway) DeadLetter(ctx context.Context, sourceLog, group string, raw []byte, reason string) {
	entry := DeadLetterEntry{
		SourceLog:     sourceLog,
		ConsumerGroup: group,
		Reason:        reason,
		Message:       json.RawMessage(raw),
		At:            time.Now().UTC(),
	}
	if !json.Valid(raw) {
		entry.Message, _ = json.Marshal(string(raw))
	}

	data, err := json.Marshal(entry)
	if err != nil {
		g.logger.Error("Failed to marshal dead-letter entry", "error", err)
		return
	}

	if err := g.withRetry(ctx, func() error {
		_, perr := g.js.Publish(ctx, DeadLetterLog, data)
		return perr
	}); err != nil {
		g.logger.Error("Failed to publish dead-letter entry",
			"source_log", sourceLog,
			"reason", reason,
			"error", err)
		return
	}
	deadLetteredTotal.WithLabelValues(sourceLog).Inc()
}
