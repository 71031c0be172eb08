package timer

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestOnTimerFiresRepeatedly(t *testing.T) {
	s := New()
	defer s.Stop()

	var fired atomic.Int32
	s.OnTimer("tick", func(context.Context) {
		fired.Add(1)
	}, 10*time.Millisecond)

	deadline := time.After(time.Second)
	for fired.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("expected >=3 ticks, got %d", fired.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestIntervalsShareOneBucket(t *testing.T) {
	s := New()
	defer s.Stop()

	s.OnTimer("a", func(context.Context) {}, 50*time.Millisecond)
	s.OnTimer("b", func(context.Context) {}, 50*time.Millisecond)
	s.OnTimer("c", func(context.Context) {}, 100*time.Millisecond)

	s.mu.Lock()
	buckets := len(s.buckets)
	shared := len(s.buckets[50*time.Millisecond].callbacks)
	s.mu.Unlock()
	if buckets != 2 {
		t.Fatalf("expected 2 buckets got %d", buckets)
	}
	if shared != 2 {
		t.Fatalf("expected 2 callbacks sharing the 50ms bucket, got %d", shared)
	}
}

func TestOnTimerUpsertReplacesCallback(t *testing.T) {
	s := New()
	defer s.Stop()

	var old, repl atomic.Int32
	s.OnTimer("tick", func(context.Context) { old.Add(1) }, time.Hour)
	s.OnTimer("tick", func(context.Context) { repl.Add(1) }, time.Hour)

	s.mu.Lock()
	b := s.buckets[time.Hour]
	n := len(b.callbacks)
	s.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected 1 callback after upsert got %d", n)
	}
	s.dispatch(time.Hour, b)
	if old.Load() != 0 || repl.Load() != 1 {
		t.Fatalf("expected replacement to fire, old %d replacement %d", old.Load(), repl.Load())
	}
}

func TestOffTimerDiscardsEmptyBucket(t *testing.T) {
	s := New()
	defer s.Stop()

	s.OnTimer("a", func(context.Context) {}, 20*time.Millisecond)
	s.OnTimer("b", func(context.Context) {}, 20*time.Millisecond)
	s.OffTimer("a")

	s.mu.Lock()
	_, ok := s.buckets[20*time.Millisecond]
	s.mu.Unlock()
	if !ok {
		t.Fatal("bucket discarded while callbacks remain")
	}

	s.OffTimer("b")
	s.mu.Lock()
	_, ok = s.buckets[20*time.Millisecond]
	s.mu.Unlock()
	if ok {
		t.Fatal("empty bucket not discarded")
	}
}

func TestDispatchStartsCallbacksConcurrently(t *testing.T) {
	s := New()
	defer s.Stop()

	// Each callback waits for the other to start. The tick only completes
	// if both run at the same time.
	gateA := make(chan struct{})
	gateB := make(chan struct{})
	s.OnTimer("a", func(context.Context) {
		close(gateA)
		<-gateB
	}, time.Hour)
	s.OnTimer("b", func(context.Context) {
		close(gateB)
		<-gateA
	}, time.Hour)

	s.mu.Lock()
	b := s.buckets[time.Hour]
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.dispatch(time.Hour, b)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callbacks did not start concurrently")
	}
}

func TestPanickingCallbackDoesNotCancelOthers(t *testing.T) {
	s := New()
	defer s.Stop()

	var ran atomic.Bool
	s.OnTimer("bad", func(context.Context) { panic("boom") }, time.Hour)
	s.OnTimer("good", func(context.Context) { ran.Store(true) }, time.Hour)

	s.mu.Lock()
	b := s.buckets[time.Hour]
	s.mu.Unlock()
	s.dispatch(time.Hour, b)

	if !ran.Load() {
		t.Fatal("panicking callback cancelled its peer")
	}
}

func TestPanicRecoveryWithNilLoggerOption(t *testing.T) {
	// WithLogger(nil) must behave like no logger at all; the recover path
	// logs the panic and must not introduce one of its own.
	s := New(WithLogger(nil))
	defer s.Stop()

	var ran atomic.Bool
	s.OnTimer("bad", func(context.Context) { panic("boom") }, time.Hour)
	s.OnTimer("good", func(context.Context) { ran.Store(true) }, time.Hour)

	s.mu.Lock()
	b := s.buckets[time.Hour]
	s.mu.Unlock()
	s.dispatch(time.Hour, b)

	if !ran.Load() {
		t.Fatal("panicking callback cancelled its peer")
	}
}

func TestStopCancelsCallbackContext(t *testing.T) {
	s := New()

	ctxCh := make(chan context.Context, 1)
	s.OnTimer("tick", func(ctx context.Context) {
		select {
		case ctxCh <- ctx:
		default:
		}
	}, 10*time.Millisecond)

	var ctx context.Context
	select {
	case ctx = <-ctxCh:
	case <-time.After(time.Second):
		t.Fatal("callback never fired")
	}
	if err := ctx.Err(); err != nil {
		t.Fatalf("context cancelled while service running: %v", err)
	}

	s.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("Stop did not cancel the callback context")
	}
}

func TestStopCancelsEverything(t *testing.T) {
	s := New()

	var fired atomic.Int32
	s.OnTimer("tick", func(context.Context) { fired.Add(1) }, 10*time.Millisecond)
	s.Stop()
	n := fired.Load()
	time.Sleep(50 * time.Millisecond)
	if fired.Load() != n {
		t.Fatal("callback fired after Stop")
	}

	s.OnTimer("late", func(context.Context) {}, 10*time.Millisecond)
	s.mu.Lock()
	buckets := len(s.buckets)
	s.mu.Unlock()
	if buckets != 0 {
		t.Fatal("registration accepted after Stop")
	}
}

func TestOffTimerForUnknownNameIsNoop(t *testing.T) {
	s := New()
	defer s.Stop()
	s.OffTimer("missing")
}
