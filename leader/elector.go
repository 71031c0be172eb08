// Package leader elects a single holder for a named election project across
// a cluster of replicas. The shared store's atomic set-if-absent-with-TTL is
// the sole arbiter: whoever reaches the store first when the key is absent
// becomes leader, everyone else stays candidate and retries on a fixed
// delay. The holder renews the key at half its TTL; a crashed holder simply
// lets it expire.
package leader

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"sync"
	"time"

	uuid "github.com/hashicorp/go-uuid"
	redis "github.com/redis/go-redis/v9"

	"github.com/TonyYang1985/go-coherence/errors"
	"github.com/TonyYang1985/go-coherence/log"
	"github.com/TonyYang1985/go-coherence/metrics"
	"github.com/TonyYang1985/go-coherence/store"
	"github.com/TonyYang1985/go-coherence/timer"
)

// KeyPrefix namespaces every leader lock key in the shared store.
const KeyPrefix = "coherence:leader:"

// Defaults applied when Options leave them zero.
const (
	DefaultTTL       = 10 * time.Second
	DefaultRetryWait = 2 * time.Second
)

// delScript removes the lock key only when this instance still holds it.
var delScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

// State of the elector for its project.
type State int

const (
	// Idle: not participating. Initial state, and the state after Stop.
	Idle State = iota
	// Candidate: lost the conditional set, waiting to retry.
	Candidate
	// Leader: holding the lock and renewing it.
	Leader
)

func (s State) String() string {
	switch s {
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "idle"
	}
}

// Options configures an Elector.
type Options struct {
	// Store is the shared store the lock lives in.
	Store *store.Client
	// Timers drives the renewal cadence.
	Timers *timer.Service
	// AppName and Project identify the election; together they derive the
	// lock key. All replicas competing for the same role must use the same
	// pair.
	AppName string
	Project string
	// TTL of the lock key. Renewed at TTL/2 by the holder. Defaults to
	// DefaultTTL.
	TTL time.Duration
	// RetryWait is the fixed delay before a candidate retries. No backoff,
	// no jitter. Defaults to DefaultRetryWait.
	RetryWait time.Duration
	// Logger reports swallowed store errors. Optional.
	Logger log.Logger

	// OnElected fires when this instance becomes leader.
	OnElected func()
	// OnRevoked fires when leadership is lost or released.
	OnRevoked func()
	// OnError fires for store errors, which never crash the process.
	OnError func(error)
}

// Elector runs the acquire/renew/release state machine for one election
// project. A process holds at most one lock per project; the Elector keeps
// no duplicate of the record beyond its own random instance id.
type Elector struct {
	store  *store.Client
	timers *timer.Service
	log    log.Logger

	key       string
	id        string
	ttl       time.Duration
	wait      time.Duration
	renewName string

	onElected func()
	onRevoked func()
	onError   func(error)

	mu    sync.Mutex
	state State
	retry *time.Timer
}

// New returns an Elector in the Idle state. Call Elect to participate.
func New(opts Options) (*Elector, error) {
	id, err := uuid.GenerateUUID()
	if err != nil {
		return nil, err
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	wait := opts.RetryWait
	if wait <= 0 {
		wait = DefaultRetryWait
	}
	key := lockKey(opts.AppName, opts.Project)
	return &Elector{
		store:     opts.Store,
		timers:    opts.Timers,
		log:       log.OrNop(opts.Logger),
		key:       key,
		id:        id,
		ttl:       ttl,
		wait:      wait,
		renewName: "leader:renew:" + key,
		onElected: opts.OnElected,
		onRevoked: opts.OnRevoked,
		onError:   opts.OnError,
	}, nil
}

// lockKey derives the shared-store key for an election project.
func lockKey(app, project string) string {
	sum := sha1.Sum([]byte(app + ":" + project))
	return KeyPrefix + hex.EncodeToString(sum[:])
}

// ID returns this instance's holder id.
func (e *Elector) ID() string { return e.id }

// Key returns the shared-store key the election runs on.
func (e *Elector) Key() string { return e.key }

// State returns the current state.
func (e *Elector) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Elect issues one atomic set-if-absent attempt. On success the instance
// becomes leader, fires OnElected and starts renewing at TTL/2. On failure
// it becomes candidate and retries after the fixed wait. Store errors are
// reported through OnError and swallowed; the attempt is retried like an
// ordinary loss.
func (e *Elector) Elect(ctx context.Context) {
	e.mu.Lock()
	if e.state == Leader {
		e.mu.Unlock()
		return
	}
	e.state = Candidate
	e.mu.Unlock()
	e.attempt(ctx)
}

func (e *Elector) attempt(ctx context.Context) {
	ok, err := e.store.SetNX(ctx, e.key, []byte(e.id), e.ttl)
	if err != nil {
		e.fail("elect", err)
		e.scheduleRetry()
		return
	}
	if !ok {
		e.scheduleRetry()
		return
	}

	e.mu.Lock()
	e.state = Leader
	e.cancelRetryLocked()
	e.mu.Unlock()

	metrics.ElectionCounter.Inc()
	metrics.LeaderGauge.Set(1)
	e.log.Info("elected leader", log.Fields{"key": e.key, "id": e.id})
	e.timers.OnTimer(e.renewName, e.renew, e.ttl/2)
	if e.onElected != nil {
		e.onElected()
	}
}

// IsLeader reports whether the stored holder id is this instance's id. An
// absent key means no leader.
func (e *Elector) IsLeader(ctx context.Context) (bool, error) {
	val, found, err := e.store.Get(ctx, e.key)
	if err != nil {
		return false, err
	}
	return found && string(val) == e.id, nil
}

// renew runs on the timer service at TTL/2. Still holding: extend the TTL.
// Lost holdership: stop renewing, fire OnRevoked, fall back to candidate. A
// bare store error is reported and swallowed without forcing a transition;
// only an authoritative "someone else holds it" demotes the leader.
func (e *Elector) renew(ctx context.Context) {
	ok, err := e.IsLeader(ctx)
	if err != nil {
		e.fail("renew", err)
		return
	}
	if !ok {
		e.timers.OffTimer(e.renewName)
		e.mu.Lock()
		e.state = Candidate
		e.mu.Unlock()
		metrics.LeaderGauge.Set(0)
		e.log.Info("leadership revoked", log.Fields{"key": e.key, "id": e.id})
		if e.onRevoked != nil {
			e.onRevoked()
		}
		e.scheduleRetry()
		return
	}
	if err := e.store.Expire(ctx, e.key, e.ttl); err != nil {
		e.fail("renew", err)
		return
	}
	metrics.RenewalCounter.Inc()
}

// Stop leaves the election. A current holder deletes the lock key (guarded
// by holder id) and fires OnRevoked. Renewal and retry timers are
// cancelled; the elector returns to Idle.
func (e *Elector) Stop(ctx context.Context) {
	e.timers.OffTimer(e.renewName)
	e.mu.Lock()
	wasLeader := e.state == Leader
	e.state = Idle
	e.cancelRetryLocked()
	e.mu.Unlock()

	if wasLeader {
		n, err := delScript.Run(ctx, e.store.Raw(), []string{e.key}, e.id).Int()
		switch {
		case err != nil && err != redis.Nil:
			e.fail("stop", err)
		case err == nil && n == 0:
			// The key changed hands between the last renewal and Stop.
			e.fail("stop", errors.ErrNotHolder)
		}
		metrics.LeaderGauge.Set(0)
		e.log.Info("leadership released", log.Fields{"key": e.key, "id": e.id})
		if e.onRevoked != nil {
			e.onRevoked()
		}
	}
}

// scheduleRetry arms a one-shot retry after the fixed wait. The retry only
// fires while the elector is still a candidate.
func (e *Elector) scheduleRetry() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Candidate {
		return
	}
	if e.retry != nil {
		e.retry.Stop()
	}
	e.retry = time.AfterFunc(e.wait, func() {
		e.mu.Lock()
		if e.state != Candidate {
			e.mu.Unlock()
			return
		}
		e.mu.Unlock()
		e.attempt(context.Background())
	})
}

func (e *Elector) cancelRetryLocked() {
	if e.retry != nil {
		e.retry.Stop()
		e.retry = nil
	}
}

func (e *Elector) fail(op string, err error) {
	e.log.Error("leader store operation failed", log.Fields{
		"op":    op,
		"key":   e.key,
		"error": err.Error(),
	})
	if e.onError != nil {
		e.onError(err)
	}
}
