// Package tracker implements the SourceTracker of §4.1-§4.2: per-source
// ordered delivery with gap detection, modelled after the ordered
// delivery log in internal/events.Stream but keyed per publisher source
// instead of per logical stream, and gated by in-flight query counters
// instead of acknowledgement back-pressure.
package tracker

import (
	"sort"
	"sync"

	"github.com/meshwave/advsub/internal/sample"
)

// Miss is reported when a contiguous sequence range from a single source
// is determined unrecoverable (§8 P5).
type Miss struct {
	SourceID string
	NodeID   string
	Count    uint64
}

// MissSink receives miss notifications; implemented by miss.Registry.
type MissSink interface {
	Notify(Miss)
}

type sequencedState struct {
	lastDelivered  *uint32
	pendingQueries uint32
	pendingSN      []uint32
	pending        map[uint32]sample.Sample
}

type timestampedState struct {
	lastDelivered  *sample.HLC
	pendingQueries uint32
	pending        map[sample.HLC]sample.Sample
}

// Tracker owns the GlobalState of §3: the per-source maps, the global
// pending-query counter, and the configured miss sink. Every mutation
// below runs under mu, matching the single core-lock concurrency model
// of §5.
type Tracker struct {
	mu sync.Mutex

	sequenced   map[string]*sequencedState
	timestamped map[string]*timestampedState

	globalPendingQueries uint32

	retransmission bool
	deliver        func(sample.Sample)
	missSink       MissSink
}

// Config controls whether gap-fill retransmission is configured; when
// false, unrecoverable gaps are reported to missSink immediately instead
// of being buffered for a retransmit query (§4.1 step 1).
type Config struct {
	RetransmissionEnabled bool
	HistoryEnabled        bool
}

// New constructs a Tracker. deliver is invoked for every in-order sample;
// missSink is invoked for every detected gap. globalPendingQueries starts
// at 1 iff history is enabled (§3 Lifecycle), representing the initial
// history query the caller is about to issue.
func New(cfg Config, deliver func(sample.Sample), missSink MissSink) *Tracker {
	t := &Tracker{
		sequenced:      make(map[string]*sequencedState),
		timestamped:    make(map[string]*timestampedState),
		retransmission: cfg.RetransmissionEnabled,
		deliver:        deliver,
		missSink:       missSink,
	}
	if cfg.HistoryEnabled {
		t.globalPendingQueries = 1
	}
	return t
}

// IngestResult tells the caller what Ingest observed, so the caller can
// drive periodic-prober registration (§4.6) and the on-live-sample
// retransmission trigger (§4.7) without re-deriving tracker state.
type IngestResult struct {
	NewSource    bool
	NeedsGapFill bool // sequenced source now has buffered samples and no outstanding SequencedReplies guard is implied by the caller
}

// Ingest runs the delivery algorithm of §4.1 for a single sample, whatever
// its inbound path (live subscription, historical reply, retransmit reply).
func (t *Tracker) Ingest(s sample.Sample) IngestResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch s.Classify() {
	case sample.Sequenced:
		return t.ingestSequencedLocked(s)
	case sample.Timestamped:
		return t.ingestTimestampedLocked(s)
	default:
		//3.- Orderless path: deliver immediately, no state kept.
		t.deliverLocked(s)
		return IngestResult{}
	}
}

func (t *Tracker) ingestSequencedLocked(s sample.Sample) IngestResult {
	sourceID := s.SourceID
	sn := *s.SourceSN

	st, existed := t.sequenced[sourceID]
	if !existed {
		st = &sequencedState{pending: make(map[uint32]sample.Sample)}
		t.sequenced[sourceID] = st
	}

	if t.globalPendingQueries != 0 {
		//1.- A history-style query is outstanding for the whole subscriber;
		//    force buffering instead of immediate delivery.
		insertIfAbsent(st.pending, &st.pendingSN, sn, s)
		return IngestResult{NewSource: !existed}
	}

	if st.lastDelivered != nil {
		k := *st.lastDelivered
		switch {
		case sn <= k:
			//1.- Duplicate or stale; drop.
			return IngestResult{NewSource: !existed}
		case sn == k+1:
			// fallthrough to in-order delivery below
		default:
			//2.- sn > k+1: a gap. Buffer if retransmission will fill it,
			//    otherwise report the miss and deliver anyway.
			if t.retransmission {
				insertIfAbsent(st.pending, &st.pendingSN, sn, s)
				return IngestResult{NewSource: !existed, NeedsGapFill: len(st.pending) > 0 && st.pendingQueries == 0}
			}
			t.reportMiss(Miss{SourceID: sourceID, Count: uint64(sn - k - 1)})
			st.lastDelivered = &sn
			t.deliverLocked(s)
			t.drainSequencedLocked(st)
			return IngestResult{NewSource: !existed}
		}
	}

	//3.- last_delivered is None, or sn == k+1: deliver then greedily drain.
	st.lastDelivered = &sn
	t.deliverLocked(s)
	t.drainSequencedLocked(st)
	return IngestResult{NewSource: !existed, NeedsGapFill: len(st.pending) > 0 && st.pendingQueries == 0}
}

// drainSequencedLocked delivers buffered samples while the next pending
// key equals last_delivered+1 (§4.1 step 3).
func (t *Tracker) drainSequencedLocked(st *sequencedState) {
	for {
		next := *st.lastDelivered + 1
		s, ok := st.pending[next]
		if !ok {
			return
		}
		delete(st.pending, next)
		removeSN(&st.pendingSN, next)
		st.lastDelivered = &next
		t.deliverLocked(s)
	}
}

func (t *Tracker) ingestTimestampedLocked(s sample.Sample) IngestResult {
	nodeID := s.TS.NodeID
	st, existed := t.timestamped[nodeID]
	if !existed {
		st = &timestampedState{pending: make(map[sample.HLC]sample.Sample)}
		t.timestamped[nodeID] = st
	}

	if st.lastDelivered != nil && !st.lastDelivered.Before(*s.TS) {
		//1.- ts <= last_delivered: drop.
		return IngestResult{NewSource: !existed}
	}

	if t.globalPendingQueries != 0 || st.pendingQueries != 0 {
		//2.- A query is in flight (global or per-source); buffer keyed by
		//    timestamp, first-insertion wins.
		if _, dup := st.pending[*s.TS]; !dup {
			st.pending[*s.TS] = s
		}
		return IngestResult{NewSource: !existed}
	}

	//3.- Deliver and advance.
	ts := *s.TS
	st.lastDelivered = &ts
	t.deliverLocked(s)
	return IngestResult{NewSource: !existed}
}

func (t *Tracker) deliverLocked(s sample.Sample) {
	if t.deliver != nil {
		t.deliver(s)
	}
}

func (t *Tracker) reportMiss(m Miss) {
	if t.missSink != nil {
		t.missSink.Notify(m)
	}
}

func insertIfAbsent(pending map[uint32]sample.Sample, order *[]uint32, sn uint32, s sample.Sample) {
	if _, dup := pending[sn]; dup {
		return
	}
	pending[sn] = s
	*order = append(*order, sn)
}

func removeSN(order *[]uint32, sn uint32) {
	for i, v := range *order {
		if v == sn {
			*order = append((*order)[:i], (*order)[i+1:]...)
			return
		}
	}
}

// --- Reply-barrier-facing operations (§4.2, §4.4) ---

// GlobalPendingQueries reports the current global counter, for tests and
// for the ReplyBarrier's InitialReplies release path.
func (t *Tracker) GlobalPendingQueries() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.globalPendingQueries
}

// IncrementGlobal bumps the global pending-query counter (§3 Lifecycle:
// incremented whenever a liveliness-triggered history query is issued
// without a resolvable source id).
func (t *Tracker) IncrementGlobal() {
	t.mu.Lock()
	t.globalPendingQueries++
	t.mu.Unlock()
}

// ReleaseGlobal decrements the global counter with saturating_sub
// semantics (§4.4, §5) and, when it reaches zero, flushes every known
// source and reports which sequenced sources now need periodic-prober
// registration.
func (t *Tracker) ReleaseGlobal() (sequencedSources []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.globalPendingQueries > 0 {
		t.globalPendingQueries--
	}
	if t.globalPendingQueries != 0 {
		return nil
	}
	for id, st := range t.sequenced {
		if st.pendingQueries == 0 {
			t.flushSequencedLocked(st)
		}
		sequencedSources = append(sequencedSources, id)
	}
	for _, st := range t.timestamped {
		if st.pendingQueries == 0 {
			t.flushTimestampedLocked(st)
		}
	}
	sort.Strings(sequencedSources)
	return sequencedSources
}

// IncrementSource bumps the per-source pending-query counter for a
// sequenced source, creating the source state lazily if needed.
func (t *Tracker) IncrementSource(sourceID string) {
	t.mu.Lock()
	st, ok := t.sequenced[sourceID]
	if !ok {
		st = &sequencedState{pending: make(map[uint32]sample.Sample)}
		t.sequenced[sourceID] = st
	}
	st.pendingQueries++
	t.mu.Unlock()
}

// ReleaseSource decrements a sequenced source's per-source counter and
// flushes it when both that counter and the global counter are zero
// (§4.4 SequencedReplies).
func (t *Tracker) ReleaseSource(sourceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.sequenced[sourceID]
	if !ok {
		return
	}
	if st.pendingQueries > 0 {
		st.pendingQueries--
	}
	if st.pendingQueries == 0 && t.globalPendingQueries == 0 {
		t.flushSequencedLocked(st)
	}
}

// IncrementNode bumps the per-node pending-query counter for a
// timestamped source, creating the source state lazily if needed.
func (t *Tracker) IncrementNode(nodeID string) {
	t.mu.Lock()
	st, ok := t.timestamped[nodeID]
	if !ok {
		st = &timestampedState{pending: make(map[sample.HLC]sample.Sample)}
		t.timestamped[nodeID] = st
	}
	st.pendingQueries++
	t.mu.Unlock()
}

// ReleaseNode decrements a timestamped node's per-source counter and
// flushes it when both that counter and the global counter are zero
// (§4.4 TimestampedReplies).
func (t *Tracker) ReleaseNode(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.timestamped[nodeID]
	if !ok {
		return
	}
	if st.pendingQueries > 0 {
		st.pendingQueries--
	}
	if st.pendingQueries == 0 && t.globalPendingQueries == 0 {
		t.flushTimestampedLocked(st)
	}
}

// flushSequencedLocked implements §4.2 flush_sequenced. Precondition:
// st.pendingQueries == 0 && t.globalPendingQueries == 0 (checked by callers).
func (t *Tracker) flushSequencedLocked(st *sequencedState) {
	order := append([]uint32(nil), st.pendingSN...)
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
	pending := st.pending
	st.pending = make(map[uint32]sample.Sample)
	st.pendingSN = nil

	for _, sn := range order {
		s, ok := pending[sn]
		if !ok {
			continue
		}
		switch {
		case st.lastDelivered == nil || sn == *st.lastDelivered+1:
			cur := sn
			st.lastDelivered = &cur
			t.deliverLocked(s)
		case sn > *st.lastDelivered+1:
			gap := sn - *st.lastDelivered - 1
			t.reportMiss(Miss{SourceID: s.SourceID, Count: uint64(gap)})
			cur := sn
			st.lastDelivered = &cur
			t.deliverLocked(s)
		default:
			//3.- Duplicate; drop.
		}
	}
}

// flushTimestampedLocked implements §4.2 flush_timestamped.
func (t *Tracker) flushTimestampedLocked(st *timestampedState) {
	type entry struct {
		ts sample.HLC
		s  sample.Sample
	}
	entries := make([]entry, 0, len(st.pending))
	for ts, s := range st.pending {
		entries = append(entries, entry{ts: ts, s: s})
	}
	st.pending = make(map[sample.HLC]sample.Sample)
	sort.Slice(entries, func(i, j int) bool { return entries[i].ts.Before(entries[j].ts) })

	for _, e := range entries {
		if st.lastDelivered != nil && !st.lastDelivered.Before(e.ts) {
			continue
		}
		ts := e.ts
		st.lastDelivered = &ts
		t.deliverLocked(e.s)
	}
}

// LastDeliveredSN reports the last delivered sequence number for a
// sequenced source, used by the PeriodicProber to compute `_sn=<k+1>..`.
func (t *Tracker) LastDeliveredSN(sourceID string) (sn uint32, has bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.sequenced[sourceID]
	if !ok || st.lastDelivered == nil {
		return 0, false
	}
	return *st.lastDelivered, true
}

// HasPendingGap reports whether a sequenced source currently has buffered
// out-of-order samples with no outstanding SequencedReplies guard — the
// precondition for the on-live-sample retransmission trigger (§4.7).
func (t *Tracker) HasPendingGap(sourceID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.sequenced[sourceID]
	if !ok {
		return false
	}
	return len(st.pending) > 0 && st.pendingQueries == 0
}

// KnownSequencedSources lists every sequenced source observed so far, for
// PeriodicProber registration sweeps.
func (t *Tracker) KnownSequencedSources() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.sequenced))
	for id := range t.sequenced {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
