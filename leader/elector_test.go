package leader

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	coherr "github.com/TonyYang1985/go-coherence/errors"
	"github.com/TonyYang1985/go-coherence/store"
	"github.com/TonyYang1985/go-coherence/timer"
)

type harness struct {
	mr *miniredis.Miniredis
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	t.Cleanup(mr.Close)
	return &harness{mr: mr}
}

// elector builds one competing instance with its own store connection and
// timer service, like a separate process replica.
func (h *harness) elector(t *testing.T, opts Options) (*Elector, *timer.Service) {
	t.Helper()
	client := store.NewClient(&redis.Options{Addr: h.mr.Addr()})
	timers := timer.New()
	opts.Store = client
	opts.Timers = timers
	if opts.AppName == "" {
		opts.AppName = "app"
	}
	if opts.Project == "" {
		opts.Project = "scheduler"
	}
	e, err := New(opts)
	if err != nil {
		t.Fatalf("new elector: %v", err)
	}
	t.Cleanup(func() {
		e.Stop(context.Background())
		timers.Stop()
		_ = client.Close()
	})
	return e, timers
}

func waitForState(t *testing.T, e *Elector, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for state %v, still %v", want, e.State())
}

func TestSingleLeaderAmongCompetitors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var elected atomic.Int32
	opts := Options{TTL: 10 * time.Second, RetryWait: time.Hour, OnElected: func() { elected.Add(1) }}
	a, _ := h.elector(t, opts)
	b, _ := h.elector(t, opts)

	a.Elect(ctx)
	b.Elect(ctx)

	states := []State{a.State(), b.State()}
	var leaders, candidates int
	for _, s := range states {
		switch s {
		case Leader:
			leaders++
		case Candidate:
			candidates++
		}
	}
	if leaders != 1 || candidates != 1 {
		t.Fatalf("expected exactly one leader and one candidate, got %v", states)
	}
	if elected.Load() != 1 {
		t.Fatalf("expected OnElected once, got %d", elected.Load())
	}

	winner := a
	if b.State() == Leader {
		winner = b
	}
	ok, err := winner.IsLeader(ctx)
	if err != nil || !ok {
		t.Fatalf("winner IsLeader = %v, %v", ok, err)
	}
	if !h.mr.Exists(winner.Key()) {
		t.Fatal("lock key absent from store")
	}
}

func TestCandidateTakesOverAfterExpiry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ttl := 2 * time.Second
	a, timersA := h.elector(t, Options{TTL: ttl, RetryWait: 20 * time.Millisecond})
	b, _ := h.elector(t, Options{TTL: ttl, RetryWait: 20 * time.Millisecond})

	a.Elect(ctx)
	b.Elect(ctx)
	if a.State() != Leader || b.State() != Candidate {
		t.Fatalf("unexpected initial states %v / %v", a.State(), b.State())
	}

	// Simulate the holder hanging: its renewal stops firing, the key
	// expires, and the candidate's retry wins the next attempt.
	timersA.Stop()
	h.mr.FastForward(ttl + time.Second)

	waitForState(t, b, Leader)
	ok, err := b.IsLeader(ctx)
	if err != nil || !ok {
		t.Fatalf("takeover IsLeader = %v, %v", ok, err)
	}
}

func TestRenewExtendsTTL(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a, _ := h.elector(t, Options{TTL: 10 * time.Second, RetryWait: time.Hour})
	a.Elect(ctx)
	if a.State() != Leader {
		t.Fatalf("expected leader, got %v", a.State())
	}

	h.mr.FastForward(4 * time.Second)
	if ttl := h.mr.TTL(a.Key()); ttl > 6*time.Second {
		t.Fatalf("precondition: ttl should have decayed, got %v", ttl)
	}

	a.renew(ctx)
	if ttl := h.mr.TTL(a.Key()); ttl != 10*time.Second {
		t.Fatalf("renew did not restore ttl, got %v", ttl)
	}
}

func TestRenewDemotesUsurpedLeader(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var revoked atomic.Int32
	a, _ := h.elector(t, Options{TTL: 10 * time.Second, RetryWait: time.Hour, OnRevoked: func() { revoked.Add(1) }})
	a.Elect(ctx)

	// Another instance now holds the key.
	if err := h.mr.Set(a.Key(), "someone-else"); err != nil {
		t.Fatalf("set: %v", err)
	}

	a.renew(ctx)
	if a.State() != Candidate {
		t.Fatalf("expected demotion to candidate, got %v", a.State())
	}
	if revoked.Load() != 1 {
		t.Fatalf("expected OnRevoked once, got %d", revoked.Load())
	}
}

func TestStopReleasesHeldLock(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var revoked atomic.Int32
	a, _ := h.elector(t, Options{TTL: 10 * time.Second, OnRevoked: func() { revoked.Add(1) }})
	a.Elect(ctx)
	if !h.mr.Exists(a.Key()) {
		t.Fatal("lock key absent after elect")
	}

	a.Stop(ctx)
	if a.State() != Idle {
		t.Fatalf("expected idle after stop, got %v", a.State())
	}
	if h.mr.Exists(a.Key()) {
		t.Fatal("stop did not delete the lock key")
	}
	if revoked.Load() != 1 {
		t.Fatalf("expected OnRevoked once, got %d", revoked.Load())
	}
}

func TestStopLeavesForeignLockAlone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var lastErr atomic.Value
	a, _ := h.elector(t, Options{
		TTL:       10 * time.Second,
		RetryWait: time.Hour,
		OnError:   func(err error) { lastErr.Store(err) },
	})
	a.Elect(ctx)

	// The key changed hands between the last renewal and Stop. The guarded
	// delete must not remove the new holder's key.
	if err := h.mr.Set(a.Key(), "new-holder"); err != nil {
		t.Fatalf("set: %v", err)
	}
	a.Stop(ctx)

	if got, _ := lastErr.Load().(error); got != coherr.ErrNotHolder {
		t.Fatalf("expected ErrNotHolder reported, got %v", got)
	}

	val, err := h.mr.Get(a.Key())
	if err != nil {
		t.Fatalf("expected foreign lock to survive: %v", err)
	}
	if val != "new-holder" {
		t.Fatalf("foreign lock value changed to %q", val)
	}
}

func TestStoreErrorsReportedNotFatal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var failures atomic.Int32
	a, _ := h.elector(t, Options{
		TTL:       10 * time.Second,
		RetryWait: time.Hour,
		OnError:   func(error) { failures.Add(1) },
	})

	h.mr.Close()
	a.Elect(ctx) // must not panic or return an error to the caller

	if failures.Load() == 0 {
		t.Fatal("expected OnError for the unreachable store")
	}
	if a.State() != Candidate {
		t.Fatalf("expected candidate after failed attempt, got %v", a.State())
	}
}

func TestIsLeaderWithAbsentKey(t *testing.T) {
	h := newHarness(t)
	a, _ := h.elector(t, Options{})
	ok, err := a.IsLeader(context.Background())
	if err != nil {
		t.Fatalf("isleader: %v", err)
	}
	if ok {
		t.Fatal("no key in store, but IsLeader reported true")
	}
}

func TestLockKeyDerivation(t *testing.T) {
	h := newHarness(t)
	a, _ := h.elector(t, Options{AppName: "billing", Project: "reaper"})
	b, _ := h.elector(t, Options{AppName: "billing", Project: "reaper"})
	c, _ := h.elector(t, Options{AppName: "billing", Project: "mailer"})

	if a.Key() != b.Key() {
		t.Fatalf("same election derived different keys: %q vs %q", a.Key(), b.Key())
	}
	if a.Key() == c.Key() {
		t.Fatalf("different projects collided on %q", a.Key())
	}
	if a.ID() == b.ID() {
		t.Fatal("instances share a holder id")
	}
}
