// Package delivery is the outbound email collaborator: executors hand
// messages to a persistent outbox and the scheduler's message loop drains it
// through a Transport.
package delivery

import (
	"context"
	"errors"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/autoflow/internal/metrics"
	"github.com/rendis/autoflow/internal/store"
	"github.com/rendis/autoflow/pkg/schema"
)

// Message is an email handed to the delivery collaborator.
type Message struct {
	ExecutionID string
	To          string
	ToName      string
	From        string
	Subject     string
	Body        string
}

// Deliverer accepts messages for delivery and drains queued ones.
type Deliverer interface {
	// SendMessage queues msg and returns its message id.
	SendMessage(ctx context.Context, msg Message) (string, error)
	// FlushQueued attempts delivery of up to limit queued messages and
	// returns how many were sent.
	FlushQueued(ctx context.Context, limit int) (int, error)
}

// Transport performs the actual hand-off of one message.
type Transport interface {
	Name() string
	Deliver(ctx context.Context, msg *store.OutboundMessage) error
}

// OutboxStore is the slice of store.Store the outbox needs.
type OutboxStore interface {
	EnqueueMessage(ctx context.Context, msg *store.OutboundMessage) error
	ListQueuedMessages(ctx context.Context, limit int) ([]*store.OutboundMessage, error)
	MarkMessage(ctx context.Context, id string, update store.MessageUpdate) error
}

// Config tunes the outbox.
type Config struct {
	// MaxAttempts is how many failed transport attempts mark a message failed.
	MaxAttempts int
	// DefaultFrom is used when a message carries no sender.
	DefaultFrom string
}

const defaultMaxAttempts = 3

// Outbox is the persistent Deliverer.
type Outbox struct {
	store     OutboxStore
	transport Transport
	cfg       Config
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewOutbox creates an outbox draining through transport.
func NewOutbox(s OutboxStore, transport Transport, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Outbox {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Outbox{
		store:     s,
		transport: transport,
		cfg:       cfg,
		logger:    logger,
		metrics:   m,
		now:       time.Now,
	}
}

// SendMessage validates the recipient and queues the message.
func (o *Outbox) SendMessage(ctx context.Context, msg Message) (string, error) {
	to := strings.TrimSpace(msg.To)
	if to == "" {
		return "", schema.NewError(schema.ErrCodeValidation, "no recipient")
	}
	if _, err := mail.ParseAddress(to); err != nil {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "invalid recipient %q", to).WithCause(err)
	}
	from := msg.From
	if from == "" {
		from = o.cfg.DefaultFrom
	}

	out := &store.OutboundMessage{
		ID:          uuid.New().String(),
		ExecutionID: msg.ExecutionID,
		To:          to,
		ToName:      msg.ToName,
		From:        from,
		Subject:     msg.Subject,
		Body:        msg.Body,
		Status:      store.MessageQueued,
		CreatedAt:   o.now(),
	}
	if err := o.store.EnqueueMessage(ctx, out); err != nil {
		return "", schema.NewErrorf(schema.ErrCodeStore, "queue message: %s", err.Error()).WithCause(err)
	}
	o.logger.DebugContext(ctx, "message queued",
		slog.String("message_id", out.ID),
		slog.String("to", to),
	)
	return out.ID, nil
}

// FlushQueued delivers up to limit queued messages, oldest first. A message
// whose attempts reach MaxAttempts is marked failed; otherwise it stays
// queued for the next flush.
func (o *Outbox) FlushQueued(ctx context.Context, limit int) (int, error) {
	msgs, err := o.store.ListQueuedMessages(ctx, limit)
	if err != nil {
		return 0, schema.NewErrorf(schema.ErrCodeStore, "list queued messages: %s", err.Error()).WithCause(err)
	}

	var (
		sent int
		errs []error
	)
	for _, msg := range msgs {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}

		deliverErr := o.transport.Deliver(ctx, msg)
		if deliverErr == nil {
			at := o.now()
			if err := o.store.MarkMessage(ctx, msg.ID, store.MessageUpdate{Status: store.MessageSent, SentAt: &at}); err != nil {
				errs = append(errs, err)
				continue
			}
			sent++
			o.metrics.MessageDelivered(ctx, o.transport.Name(), string(store.MessageSent))
			continue
		}

		status := store.MessageQueued
		if msg.Attempts+1 >= o.cfg.MaxAttempts {
			status = store.MessageFailed
		}
		o.logger.WarnContext(ctx, "message delivery failed",
			slog.String("message_id", msg.ID),
			slog.String("transport", o.transport.Name()),
			slog.Int("attempt", msg.Attempts+1),
			slog.String("status", string(status)),
			slog.String("error", deliverErr.Error()),
		)
		if err := o.store.MarkMessage(ctx, msg.ID, store.MessageUpdate{Status: status, Error: deliverErr.Error()}); err != nil {
			errs = append(errs, err)
		}
		o.metrics.MessageDelivered(ctx, o.transport.Name(), string(status))
	}
	return sent, errors.Join(errs...)
}
