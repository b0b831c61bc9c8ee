package prober

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeSequenceSource struct {
	mu          sync.Mutex
	lastByID    map[string]uint32
	incremented map[string]int
	released    map[string]int
}

func newFakeSequenceSource() *fakeSequenceSource {
	return &fakeSequenceSource{
		lastByID:    make(map[string]uint32),
		incremented: make(map[string]int),
		released:    make(map[string]int),
	}
}

func (f *fakeSequenceSource) LastDeliveredSN(sourceID string) (uint32, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.lastByID[sourceID]
	return v, ok
}

func (f *fakeSequenceSource) IncrementSource(sourceID string) {
	f.mu.Lock()
	f.incremented[sourceID]++
	f.mu.Unlock()
}

func (f *fakeSequenceSource) ReleaseSource(sourceID string) {
	f.mu.Lock()
	f.released[sourceID]++
	f.mu.Unlock()
}

func TestProberFiresPeriodicallyForArmedSources(t *testing.T) {
	target := newFakeSequenceSource()
	fired := make(chan string, 8)
	fire := func(_ context.Context, zid, eid string, from uint32, done func(bool)) {
		fired <- zid + "/" + eid
		done(true)
	}
	p := New(20*time.Millisecond, target, fire, nil)
	defer p.Stop()

	p.Arm("z1/e1")

	select {
	case got := <-fired:
		if got != "z1/e1" {
			t.Fatalf("expected z1/e1, got %q", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for the periodic probe to fire")
	}
}

func TestProberArmIsIdempotentPerSource(t *testing.T) {
	target := newFakeSequenceSource()
	fire := func(context.Context, string, string, uint32, func(bool)) {}
	p := New(time.Hour, target, fire, nil)
	defer p.Stop()

	p.Arm("z1/e1")
	p.Arm("z1/e1")
	p.Arm("z1/e1")

	p.mu.Lock()
	count := len(p.cancels)
	p.mu.Unlock()
	if count != 1 {
		t.Fatalf("expected exactly one timer registered per source, got %d", count)
	}
}

func TestProberDisabledWhenPeriodIsZero(t *testing.T) {
	target := newFakeSequenceSource()
	p := New(0, target, func(context.Context, string, string, uint32, func(bool)) {}, nil)
	if p.Enabled() {
		t.Fatalf("expected a zero period to disable the prober")
	}
	p.Arm("z1/e1")
	p.mu.Lock()
	count := len(p.cancels)
	p.mu.Unlock()
	if count != 0 {
		t.Fatalf("expected Arm to be a no-op when disabled, got %d registrations", count)
	}
}

func TestProberDoesNotReleaseUntilAsyncFireCompletes(t *testing.T) {
	target := newFakeSequenceSource()
	doneCh := make(chan func(bool), 8)
	fire := func(_ context.Context, _, _ string, _ uint32, done func(bool)) {
		//1.- Simulate a real bus: the reply stream completes on another
		//    goroutine well after Fire (and tick) have returned.
		doneCh <- done
	}
	p := New(20*time.Millisecond, target, fire, nil)
	defer p.Stop()

	p.Arm("z1/e1")
	var done func(bool)
	select {
	case done = <-doneCh:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for fire to be invoked")
	}

	target.mu.Lock()
	released := target.released["z1/e1"]
	target.mu.Unlock()
	if released != 0 {
		t.Fatalf("expected no release before the async reply stream completes, got %d", released)
	}

	done(true)

	target.mu.Lock()
	released = target.released["z1/e1"]
	target.mu.Unlock()
	if released != 1 {
		t.Fatalf("expected exactly one release once the reply stream completes, got %d", released)
	}
}

func TestProberStopCancelsRunningTimers(t *testing.T) {
	target := newFakeSequenceSource()
	fire := func(_ context.Context, _, _ string, _ uint32, done func(bool)) { done(false) }
	p := New(5*time.Millisecond, target, fire, nil)
	p.Arm("z1/e1")
	time.Sleep(20 * time.Millisecond)
	p.Stop()
	// Stop must return once every goroutine has exited; a second Stop call
	// is a no-op and must not hang.
	p.Stop()
}
