package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/glimte/courier/contracts"
)

var (
	// ErrTooManyPending is returned when the pending request limit is reached
	ErrTooManyPending = errors.New("bridge: too many pending requests")
	// ErrBridgeClosed is returned for requests made or pending at Close
	ErrBridgeClosed = errors.New("bridge: closed")
	// ErrUnexpectedReply is returned by RequestTyped when the reply has another type
	ErrUnexpectedReply = errors.New("bridge: unexpected reply")
)

// Reply is the response delivered to a waiting request. Exactly one of Text
// and Message is set.
type Reply struct {
	Delivery contracts.Delivery
	Text     *string
	Message  any
	Type     reflect.Type
}

// SendFunc publishes a request carrying correlationID.
type SendFunc func(ctx context.Context, correlationID string) error

type pendingRequest struct {
	replies chan Reply
	done    chan struct{}
}

// Bridge matches Unique replies to waiting requests by correlation id.
type Bridge struct {
	next           contracts.MessageHandler
	logger         *slog.Logger
	maxPending     int
	defaultTimeout time.Duration

	mu      sync.Mutex
	pending map[string]*pendingRequest
	closed  bool
}

// BridgeOption configures the Bridge
type BridgeOption func(*Bridge)

// WithMaxPendingRequests sets the maximum number of concurrent pending requests
func WithMaxPendingRequests(max int) BridgeOption {
	return func(b *Bridge) {
		b.maxPending = max
	}
}

// WithDefaultTimeout sets the timeout used when Request gets 0
func WithDefaultTimeout(timeout time.Duration) BridgeOption {
	return func(b *Bridge) {
		b.defaultTimeout = timeout
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) BridgeOption {
	return func(b *Bridge) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// New wraps next. A nil next drops every delivery that is not a reply.
func New(next contracts.MessageHandler, opts ...BridgeOption) *Bridge {
	b := &Bridge{
		next:           next,
		logger:         slog.Default(),
		maxPending:     1000,
		defaultTimeout: 30 * time.Second,
		pending:        make(map[string]*pendingRequest),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Request registers a correlation id, calls send with it and waits for the
// matching reply. A timeout of 0 uses the default.
func (b *Bridge) Request(ctx context.Context, send SendFunc, timeout time.Duration) (Reply, error) {
	if timeout <= 0 {
		timeout = b.defaultTimeout
	}
	requestCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	correlationID := uuid.New().String()
	pending := &pendingRequest{
		replies: make(chan Reply, 1),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return Reply{}, ErrBridgeClosed
	}
	if b.maxPending > 0 && len(b.pending) >= b.maxPending {
		b.mu.Unlock()
		return Reply{}, ErrTooManyPending
	}
	b.pending[correlationID] = pending
	b.mu.Unlock()

	defer b.forget(correlationID)

	if err := send(requestCtx, correlationID); err != nil {
		return Reply{}, fmt.Errorf("failed to send request: %w", err)
	}

	select {
	case reply := <-pending.replies:
		return reply, nil
	case <-pending.done:
		return Reply{}, ErrBridgeClosed
	case <-requestCtx.Done():
		return Reply{}, fmt.Errorf("request %s: %w", correlationID, requestCtx.Err())
	}
}

// RequestTyped is Request for callers expecting a typed reply of type *T.
func RequestTyped[T any](ctx context.Context, b *Bridge, send SendFunc, timeout time.Duration) (*T, error) {
	reply, err := b.Request(ctx, send, timeout)
	if err != nil {
		return nil, err
	}
	typed, ok := reply.Message.(*T)
	if !ok {
		var zero *T
		if reply.Text != nil {
			return nil, fmt.Errorf("%w: got text, want %T", ErrUnexpectedReply, zero)
		}
		return nil, fmt.Errorf("%w: got %T, want %T", ErrUnexpectedReply, reply.Message, zero)
	}
	return typed, nil
}

// HandleText implements contracts.MessageHandler
func (b *Bridge) HandleText(ctx context.Context, d contracts.Delivery, text string) (*string, error) {
	if b.deliver(d, Reply{Delivery: d, Text: &text}) {
		return nil, nil
	}
	if b.next == nil {
		return nil, nil
	}
	return b.next.HandleText(ctx, d, text)
}

// HandleTyped implements contracts.MessageHandler
func (b *Bridge) HandleTyped(ctx context.Context, d contracts.Delivery, msg any, msgType reflect.Type) (any, error) {
	if b.deliver(d, Reply{Delivery: d, Message: msg, Type: msgType}) {
		return nil, nil
	}
	if b.next == nil {
		return nil, nil
	}
	return b.next.HandleTyped(ctx, d, msg, msgType)
}

// deliver hands reply to the request waiting on its correlation id.
func (b *Bridge) deliver(d contracts.Delivery, reply Reply) bool {
	if d.SenderType != contracts.Unique || d.CorrelationID == "" {
		return false
	}

	b.mu.Lock()
	pending, ok := b.pending[d.CorrelationID]
	if ok {
		delete(b.pending, d.CorrelationID)
	}
	b.mu.Unlock()

	if !ok {
		return false
	}

	pending.replies <- reply
	b.logger.Debug("reply matched request", "correlationId", d.CorrelationID, "messageId", d.MessageID)
	return true
}

func (b *Bridge) forget(correlationID string) {
	b.mu.Lock()
	delete(b.pending, correlationID)
	b.mu.Unlock()
}

// PendingCount returns the number of requests waiting for a reply
func (b *Bridge) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Close fails every pending request with ErrBridgeClosed
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for id, req := range b.pending {
		close(req.done)
		delete(b.pending, id)
	}
	return nil
}
