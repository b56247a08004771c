// Package bridge provides synchronous request-response over asynchronous
// messaging.
//
// A Bridge wraps the node's MessageHandler. Requests are published with a
// fresh correlation id and the caller blocks until a Unique delivery with
// that id comes back, or the timeout expires. Deliveries that answer no
// pending request fall through to the wrapped handler.
//
// Basic usage:
//
//	b := bridge.New(handler)
//	reply, err := b.Request(ctx, func(ctx context.Context, correlationID string) error {
//	    _, err := publisher.PublishAny(ctx, query, messaging.WithCorrelationID(correlationID))
//	    return err
//	}, 5*time.Second)
//
// The bridge must sit in front of the handler consuming the publisher's
// unique queue, since that is where replies arrive.
package bridge
