// Package rabbitmq is the AMQP 0-9-1 layer of courier.
//
// It contains:
//   - Connection: dials the broker, owns the single channel and declares the
//     Multi exchange, the shared Any queue and its dead-letter queue
//   - ChannelPublisher: serializes publishes on the shared channel, with
//     optional publisher confirms
//   - Consumer: runs basic.consume loops and dispatches deliveries with
//     bounded concurrency
//
// Acknowledgement decisions are left to the delivery handler.
package rabbitmq
