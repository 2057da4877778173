// Package dispatch routes traffic between the connection manager and the
// higher layers.
//
// Inbound, Run is the single loop draining decoded frames: subscription
// lifecycle frames go to the channel registry, presence frames to the
// channel's member tracker, acks to their waiting senders, and events fan
// out to every bound handler in registration order. A panicking handler is
// logged and skipped; it never takes the loop down.
//
// Outbound, Send publishes to a channel. Fire-and-forget sends pass through
// rate admission once and write once; sends issued while the session is down
// are held in a bounded queue and replayed in order on the next Connected
// transition. Acked sends correlate by message id, retry on ack timeout with
// backoff between attempts, and report ErrDeliveryFailed once the attempt
// budget is spent.
package dispatch
