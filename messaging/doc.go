// Package messaging implements the three delivery semantics on top of the
// rabbitmq layer.
//
// This package provides:
//   - Publisher: builds envelopes for text, raw bytes and typed payloads and
//     publishes them as Multi (fanout), Any (shared queue) or Unique (direct)
//   - Handler: settles each delivery after recovering trace context,
//     decoding the payload, dispatching to a contracts.MessageHandler and
//     publishing any response back to the sender
//   - RedeliveryTracker: bounds how often a failing delivery is requeued
//     before it is moved to the dead-letter queue
//
// Example usage:
//
//	publisher, err := messaging.NewPublisher(ctx, conn, registry, codec)
//	handler := messaging.NewHandler(app, registry, codec,
//		messaging.WithReplier(publisher),
//		messaging.WithDeadLetterer(publisher),
//	)
//	err = publisher.ConsumeReplies(ctx, handler.ForQueue(contracts.Unique, publisher.UniqueQueue()))
//
//	id, err := publisher.PublishAny(ctx, &OrderPlaced{OrderID: "o-1"},
//		messaging.WithCorrelationID("req-42"))
package messaging
