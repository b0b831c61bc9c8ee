// Package barrier implements the ReplyBarrier of §4.4: reference-counted
// "pending query" guards whose release triggers a buffered-sample flush.
// The Rust original encodes "query complete" as the destruction of a
// guard object cloned into every reply callback; Go has no destructor, so
// Guard.Release plays that role and is made idempotent with sync.Once,
// matching the once.Do teardown pattern grpc_bridge.go uses for its own
// subscription cancel funcs.
package barrier

import "sync"

// releaser is satisfied by tracker.Tracker; kept narrow so this package
// does not import tracker and create a cycle.
type releaser interface {
	ReleaseGlobal() []string
	ReleaseSource(sourceID string)
	ReleaseNode(nodeID string)
}

// Class names which counter a Guard's release decrements (§4.4).
type Class int

const (
	// InitialReplies decrements the global counter.
	InitialReplies Class = iota
	// SequencedReplies decrements a single sequenced source's counter.
	SequencedReplies
	// TimestampedReplies decrements a single timestamped node's counter.
	TimestampedReplies
)

// Guard represents one in-flight query. It MUST be released exactly once,
// whether the reply stream completed normally, timed out (§7
// QueryTimeout is normal completion), or teardown cancelled it early.
// Release is safe to call more than once; only the first call has effect.
type Guard struct {
	class    Class
	sourceID string
	nodeID   string
	target   releaser
	once     sync.Once

	// onFlush, when set, is invoked with the sequenced sources that became
	// flush-eligible as a side effect of this release (only populated for
	// InitialReplies guards, which can flush every known source at once).
	onFlush func(flushedSequencedSources []string)
}

// NewInitialReplies constructs a guard bound to the global counter.
func NewInitialReplies(target releaser, onFlush func([]string)) *Guard {
	return &Guard{class: InitialReplies, target: target, onFlush: onFlush}
}

// NewSequencedReplies constructs a guard bound to one sequenced source.
func NewSequencedReplies(target releaser, sourceID string) *Guard {
	return &Guard{class: SequencedReplies, sourceID: sourceID, target: target}
}

// NewTimestampedReplies constructs a guard bound to one timestamped node.
func NewTimestampedReplies(target releaser, nodeID string) *Guard {
	return &Guard{class: TimestampedReplies, nodeID: nodeID, target: target}
}

// Release decrements the bound counter exactly once. Implementations MUST
// call Release when the reply stream is known to be complete (normal
// termination, timeout, or subscriber teardown) — the underlying counters
// use saturating-sub semantics so a spurious double call is harmless, but
// Once additionally guarantees the flush side effects fire only once.
func (g *Guard) Release() {
	if g == nil || g.target == nil {
		return
	}
	g.once.Do(func() {
		switch g.class {
		case InitialReplies:
			flushed := g.target.ReleaseGlobal()
			if g.onFlush != nil {
				g.onFlush(flushed)
			}
		case SequencedReplies:
			g.target.ReleaseSource(g.sourceID)
		case TimestampedReplies:
			g.target.ReleaseNode(g.nodeID)
		}
	})
}

// Class reports which counter this guard is bound to, for diagnostics.
func (g *Guard) Class() Class { return g.class }
