// Package realtime assembles the full client: one shared connection, the
// channel registry, the message dispatcher, and the rate governor, built from
// a single config. Callers construct a Client, Connect it, and then subscribe
// to channels and publish through it; everything underneath (reconnects,
// re-subscribes, rate admission, ack retries) is handled by the components.
package realtime
