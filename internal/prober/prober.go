// Package prober implements the PeriodicProber of §4.6: one Prober per
// subscriber, running a separate ticker for each armed sequenced source
// (there is no single shared timer), each tick firing a last-hope
// sequence-range query to recover tail losses from
// sporadic publishers. Modelled on the ticker-driven streaming loop in
// internal/timesync.Service.StreamTimeSync, generalized from a single
// periodic stream to one ticker per registered source.
package prober

import (
	"context"
	"sync"
	"time"

	"github.com/meshwave/advsub/internal/logging"
)

// SequenceSource is the subset of tracker.Tracker the prober needs to
// compute `_sn=<last_delivered+1>..` and to bind a SequencedReplies guard.
type SequenceSource interface {
	LastDeliveredSN(sourceID string) (sn uint32, has bool)
	IncrementSource(sourceID string)
	ReleaseSource(sourceID string)
}

// Fire issues `_sn=<from>..` for the (zid, eid) source and calls done(true)
// once the reply stream is complete; the prober releases the per-source
// counter it incremented only from that call.
type Fire func(ctx context.Context, zid, eid string, from uint32, done func(bool))

// Prober runs one ticker goroutine per registered source, matching
// "one event per (source, subscriber); not per sample" (§4.6).
type Prober struct {
	mu       sync.Mutex
	period   time.Duration
	target   SequenceSource
	fire     Fire
	log      *logging.Logger
	stopped  bool
	cancels  map[string]context.CancelFunc
	wg       sync.WaitGroup
	rootCtx  context.Context
	rootStop context.CancelFunc
}

// New constructs a Prober. period <= 0 disables the prober entirely
// (recovery.periodic_queries = None, §4.6).
func New(period time.Duration, target SequenceSource, fire Fire, log *logging.Logger) *Prober {
	if log == nil {
		log = logging.L()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Prober{
		period:   period,
		target:   target,
		fire:     fire,
		log:      log,
		cancels:  make(map[string]context.CancelFunc),
		rootCtx:  ctx,
		rootStop: cancel,
	}
}

// Enabled reports whether periodic probing is configured.
func (p *Prober) Enabled() bool { return p.period > 0 }

// Arm registers a periodic event for sourceID if one is not already
// running. Safe to call repeatedly; subsequent calls for the same source
// are no-ops (§4.7: arm only when the source was newly observed).
func (p *Prober) Arm(sourceID string) {
	if !p.Enabled() {
		return
	}
	zid, eid, ok := splitSourceID(sourceID)
	if !ok {
		return
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	if _, exists := p.cancels[sourceID]; exists {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(p.rootCtx)
	p.cancels[sourceID] = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go p.run(ctx, sourceID, zid, eid)
}

func (p *Prober) run(ctx context.Context, sourceID, zid, eid string) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx, sourceID, zid, eid)
		}
	}
}

func (p *Prober) tick(ctx context.Context, sourceID, zid, eid string) {
	//1.- Take the lock just long enough to read the last-delivered
	//    watermark and bump the per-source counter, then release it
	//    before issuing the query (§4.6, §5, §9 timer re-entrancy).
	from, has := p.target.LastDeliveredSN(sourceID)
	next := uint32(0)
	if has {
		next = from + 1
	}
	p.target.IncrementSource(sourceID)

	//2.- release is only ever invoked from the done callback passed into
	//    Fire, which the caller invokes exactly once the reply stream is
	//    known to be complete (whether that stream ends synchronously or,
	//    as with a real bus, asynchronously). It must never fire on
	//    tick's own return, since Fire's reply stream typically completes
	//    well after tick unwinds (§4.4, §4.6 guard-release contract).
	released := false
	release := func() {
		if !released {
			released = true
			p.target.ReleaseSource(sourceID)
		}
	}

	p.log.Debug("periodic tail probe", logging.String("source_id", sourceID), logging.Int64("from", int64(next)))
	p.fire(ctx, zid, eid, next, func(done bool) {
		if done {
			release()
		}
	})
}

// Stop cancels every registered event and waits for its goroutine to
// exit, then drops the timer — teardown must complete before any
// ReplyBarrier guard can outlive the core state (§5, §4.6).
func (p *Prober) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()
	p.rootStop()
	p.wg.Wait()
}

func splitSourceID(sourceID string) (zid, eid string, ok bool) {
	for i := 0; i < len(sourceID); i++ {
		if sourceID[i] == '/' {
			return sourceID[:i], sourceID[i+1:], true
		}
	}
	return "", "", false
}
