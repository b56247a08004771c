package contracts

import (
	"context"
	"reflect"
)

// Delivery describes where a message came from. It is passed to every
// MessageHandler call.
type Delivery struct {
	SenderType    SenderType
	Sender        string // reply_to of the originating publisher
	CorrelationID string
	MessageID     string
}

// MessageHandler receives decoded payloads. A non-nil response is published
// back to the sender when both Sender and CorrelationID are set.
type MessageHandler interface {
	HandleText(ctx context.Context, d Delivery, text string) (*string, error)
	HandleTyped(ctx context.Context, d Delivery, msg any, msgType reflect.Type) (any, error)
}

// TextHandlerFunc adapts a function to a MessageHandler that only handles text.
// Typed payloads are accepted and ignored.
type TextHandlerFunc func(ctx context.Context, d Delivery, text string) (*string, error)

// HandleText implements MessageHandler
func (f TextHandlerFunc) HandleText(ctx context.Context, d Delivery, text string) (*string, error) {
	return f(ctx, d, text)
}

// HandleTyped implements MessageHandler
func (f TextHandlerFunc) HandleTyped(ctx context.Context, d Delivery, msg any, msgType reflect.Type) (any, error) {
	return nil, nil
}
