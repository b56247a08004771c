package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/glimte/courier/contracts"
	"github.com/glimte/courier/internal/metrics"
	"github.com/glimte/courier/internal/rabbitmq"
	"github.com/glimte/courier/serialization"
	"github.com/glimte/courier/tracing"
)

// DefaultHandlerTimeout bounds a single business handler call.
const DefaultHandlerTimeout = 30 * time.Second

// Outcome is how a delivery was settled.
type Outcome int

const (
	// OutcomeAcked means the handler succeeded and the delivery was acked.
	OutcomeAcked Outcome = iota + 1
	// OutcomeDropped means the payload could not be decoded; it was acked and discarded.
	OutcomeDropped
	// OutcomeRequeued means the handler failed and the delivery was nacked with requeue.
	OutcomeRequeued
	// OutcomeDeadLettered means the redelivery bound was exceeded; the delivery
	// was moved to the dead-letter queue and acked.
	OutcomeDeadLettered
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAcked:
		return "acked"
	case OutcomeDropped:
		return "dropped"
	case OutcomeRequeued:
		return "requeued"
	case OutcomeDeadLettered:
		return "dead_lettered"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Replier sends handler responses back to the sender's unique queue.
type Replier interface {
	PublishUnique(ctx context.Context, target string, payload any, opts ...PublishOption) (string, error)
}

// DeadLetterer moves a delivery that exhausted its redeliveries aside.
type DeadLetterer interface {
	DeadLetter(ctx context.Context, d amqp.Delivery, originalQueue string, attempts int, reason error) error
}

// Handler settles deliveries: it recovers the trace context, decodes the
// payload, calls the business handler, publishes any response and then acks
// or nacks.
type Handler struct {
	handler     contracts.MessageHandler
	registry    *serialization.TypeRegistry
	codec       *serialization.PayloadCodec
	telemetry   tracing.Telemetry
	replier     Replier
	deadLetters DeadLetterer
	tracker     *RedeliveryTracker
	timeout     time.Duration
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// HandlerOption configures the Handler
type HandlerOption func(*Handler)

// WithReplier sets where responses are published
func WithReplier(r Replier) HandlerOption {
	return func(h *Handler) {
		h.replier = r
	}
}

// WithDeadLetterer sets the sink for deliveries over the redelivery bound
func WithDeadLetterer(d DeadLetterer) HandlerOption {
	return func(h *Handler) {
		h.deadLetters = d
	}
}

// WithRedeliveryTracker replaces the default tracker. nil disables the bound.
func WithRedeliveryTracker(t *RedeliveryTracker) HandlerOption {
	return func(h *Handler) {
		h.tracker = t
	}
}

// WithTelemetry sets the span factory
func WithTelemetry(t tracing.Telemetry) HandlerOption {
	return func(h *Handler) {
		if t != nil {
			h.telemetry = t
		}
	}
}

// WithHandlerTimeout bounds each business handler call. 0 disables it.
func WithHandlerTimeout(d time.Duration) HandlerOption {
	return func(h *Handler) {
		h.timeout = d
	}
}

// WithHandlerLogger sets the logger
func WithHandlerLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithHandlerMetrics records delivery outcomes
func WithHandlerMetrics(m *metrics.Metrics) HandlerOption {
	return func(h *Handler) {
		h.metrics = m
	}
}

// NewHandler creates a handler dispatching to handler. A nil registry or
// codec gets a fresh default.
func NewHandler(handler contracts.MessageHandler, registry *serialization.TypeRegistry, codec *serialization.PayloadCodec, options ...HandlerOption) *Handler {
	if registry == nil {
		registry = serialization.NewTypeRegistry()
	}
	if codec == nil {
		codec = serialization.NewPayloadCodec()
	}

	h := &Handler{
		handler:   handler,
		registry:  registry,
		codec:     codec,
		telemetry: tracing.NewOtelTelemetry(nil),
		tracker:   NewRedeliveryTracker(DefaultMaxRedeliveries),
		timeout:   DefaultHandlerTimeout,
		logger:    slog.Default(),
	}
	for _, opt := range options {
		opt(h)
	}
	return h
}

// ForQueue returns a delivery handler for a consumer on queue.
func (h *Handler) ForQueue(sender contracts.SenderType, queue string) rabbitmq.DeliveryHandler {
	return func(ctx context.Context, d amqp.Delivery) {
		h.Handle(ctx, sender, queue, d)
	}
}

// Handle processes one delivery and settles it. It never returns without
// acking or nacking d.
func (h *Handler) Handle(ctx context.Context, sender contracts.SenderType, queue string, d amqp.Delivery) Outcome {
	start := time.Now()
	env := envelopeFromDelivery(d)

	parent, err := tracing.Extract(env.Headers)
	if err != nil && env.Header(contracts.HeaderTraceParent) != "" {
		h.logger.Debug("ignoring malformed traceparent",
			"messageId", env.MessageID(),
			"traceparent", env.Header(contracts.HeaderTraceParent),
			"error", err,
		)
	}

	ctx, span := h.telemetry.StartSpan(ctx, "courier.receive "+sender.String(), trace.SpanKindConsumer, parent, map[string]string{
		"messaging.system":            "rabbitmq",
		"messaging.sender_type":       sender.String(),
		"messaging.destination.name":  queue,
		"messaging.rabbitmq.exchange": d.Exchange,
		"messaging.message.id":        env.MessageID(),
	})
	defer span.End()

	outcome := h.settle(ctx, sender, queue, d, env, span)

	span.SetAttributes(attribute.String("messaging.outcome", outcome.String()))
	h.metrics.ObserveDelivery(sender.String(), outcome.String(), time.Since(start))
	return outcome
}

func (h *Handler) settle(ctx context.Context, sender contracts.SenderType, queue string, d amqp.Delivery, env *contracts.Envelope, span trace.Span) Outcome {
	info := contracts.Delivery{
		SenderType:    sender,
		Sender:        env.ReplyTo(),
		CorrelationID: env.CorrelationID(),
		MessageID:     env.MessageID(),
	}

	response, err := h.dispatch(ctx, info, env)

	var decodeErr *DecodeError
	switch {
	case errors.As(err, &decodeErr):
		h.logger.Warn("dropping undecodable message",
			"queue", queue,
			"messageType", decodeErr.MessageType,
			"messageId", info.MessageID,
			"error", decodeErr.Err,
		)
		span.RecordError(err)
		h.ack(d, info.MessageID)
		return OutcomeDropped

	case err != nil:
		h.logger.Error("message handler failed",
			"queue", queue,
			"sender", sender.String(),
			"messageId", info.MessageID,
			"correlationId", info.CorrelationID,
			"error", err,
		)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return h.fail(ctx, queue, d, info.MessageID, err)
	}

	h.reply(ctx, info, response)
	h.tracker.Forget(info.MessageID)
	h.ack(d, info.MessageID)
	return OutcomeAcked
}

// dispatch classifies the envelope, decodes typed bodies and calls the
// business handler. Decode problems come back as *DecodeError.
func (h *Handler) dispatch(ctx context.Context, info contracts.Delivery, env *contracts.Envelope) (any, error) {
	if !env.IsTyped() {
		return h.invoke(ctx, func(ctx context.Context) (any, error) {
			resp, err := h.handler.HandleText(ctx, info, string(env.Body))
			if resp == nil {
				return nil, err
			}
			return *resp, err
		})
	}

	name := env.MessageType()
	mt, ok := h.registry.Resolve(name)
	h.metrics.ObserveTypeResolution(ok)
	if !ok {
		return nil, &DecodeError{MessageType: name, MessageID: info.MessageID, Err: serialization.ErrTypeNotRegistered, Timestamp: time.Now()}
	}

	msg, err := h.codec.Decode(ctx, mt, env.Body)
	if err != nil {
		return nil, &DecodeError{MessageType: name, MessageID: info.MessageID, Err: err, Timestamp: time.Now()}
	}

	return h.invoke(ctx, func(ctx context.Context) (any, error) {
		return h.handler.HandleTyped(ctx, info, msg, mt.Type)
	})
}

// invoke runs call under the handler timeout and turns a panic into an error.
// A handler that ignores its context is abandoned when the deadline passes.
func (h *Handler) invoke(ctx context.Context, call func(context.Context) (any, error)) (any, error) {
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	type result struct {
		value any
		err   error
	}
	done := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("%w: %v", ErrHandlerPanic, r)}
			}
		}()
		v, err := call(ctx)
		done <- result{value: v, err: err}
	}()

	select {
	case res := <-done:
		return res.value, res.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w after %s: %w", ErrHandlerTimeout, h.timeout, ctx.Err())
	}
}

// reply publishes a non-nil response to the sender. Failures are logged and
// do not affect the ack of the original delivery.
func (h *Handler) reply(ctx context.Context, info contracts.Delivery, response any) {
	if isNil(response) {
		return
	}
	if info.Sender == "" || info.CorrelationID == "" {
		h.logger.Debug("response discarded, no reply_to or correlation_id",
			"messageId", info.MessageID,
			"replyTo", info.Sender,
			"correlationId", info.CorrelationID,
		)
		return
	}
	if h.replier == nil {
		h.logger.Warn("response discarded, no replier configured", "messageId", info.MessageID)
		return
	}

	if _, err := h.replier.PublishUnique(ctx, info.Sender, response, WithCorrelationID(info.CorrelationID)); err != nil {
		h.logger.Error("failed to publish response",
			"replyTo", info.Sender,
			"correlationId", info.CorrelationID,
			"messageId", info.MessageID,
			"error", err,
		)
	}
}

// fail requeues d, or dead-letters it once the redelivery bound is exceeded.
func (h *Handler) fail(ctx context.Context, queue string, d amqp.Delivery, messageID string, cause error) Outcome {
	attempts, exceeded := h.tracker.Record(messageID, deliveryCount(d))

	if exceeded && h.deadLetters != nil {
		if err := h.deadLetters.DeadLetter(ctx, d, queue, attempts, cause); err != nil {
			h.logger.Error("failed to dead-letter message",
				"queue", queue,
				"messageId", messageID,
				"attempts", attempts,
				"error", err,
			)
		} else {
			h.logger.Warn("message dead-lettered",
				"queue", queue,
				"messageId", messageID,
				"attempts", attempts,
			)
			h.tracker.Forget(messageID)
			h.ack(d, messageID)
			return OutcomeDeadLettered
		}
	} else if exceeded {
		h.logger.Warn("redelivery bound exceeded without dead-letter sink",
			"queue", queue,
			"messageId", messageID,
			"attempts", attempts,
		)
	}

	if err := d.Nack(false, true); err != nil {
		h.logger.Error("failed to nack message",
			"messageId", messageID,
			"originalError", cause,
			"error", err,
		)
	}
	return OutcomeRequeued
}

func (h *Handler) ack(d amqp.Delivery, messageID string) {
	if err := d.Ack(false); err != nil {
		h.logger.Error("failed to ack message", "messageId", messageID, "error", err)
	}
}
