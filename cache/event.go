package cache

import "encoding/json"

// Event names carried on the wire.
const (
	EventReset    = "reset"
	EventL1Update = "l1-update"
)

// Event is the coherence message broadcast to all replicas. Events are
// transient and never persisted; a missed event self-heals on the next miss
// or TTL expiry.
type Event struct {
	ID         string          `json:"id,omitempty"`
	Event      string          `json:"event"`
	Param      string          `json:"param"`
	Value      json.RawMessage `json:"value,omitempty"`
	CreatedAt  int64           `json:"createdAt,omitempty"` // unix milliseconds
	TTLSeconds int             `json:"ttlSeconds,omitempty"`
}
