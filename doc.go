// Package coherence is the distributed cache coherence and leader election
// core extracted from the base-node application framework.
//
// It keeps a two-level read-through cache consistent across a cluster of
// stateless replicas: L1 lives in process memory and is synchronized by
// broadcasting update and reset events over a shared pub/sub channel, L2
// lives in the shared store itself. A Redis-backed leader election lock
// guards singleton scheduled work, renewing its TTL at half-life and
// failing over when the holder crashes.
//
// The subpackages map onto the four core components: store (shared store
// client), timer (interval-multiplexing timer service), cache (coherence
// engine) and leader (election lock). broadcast carries coherence events
// over Redis, NATS, Kafka or process memory; presets composes a ready-made
// Redis-backed core.
package coherence
