// Package sample defines the data model of §3: the opaque bus sample and
// the two ways a publisher can make its stream orderable.
package sample

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/timestamppb"
)

// timestampFromPhysical interprets the HLC physical component as
// milliseconds since the Unix epoch, the same unit the broker's time-sync
// envelopes use (internal/timesync).
func timestampFromPhysical(physicalMs uint64) time.Time {
	return time.UnixMilli(int64(physicalMs)).UTC()
}

// Kind distinguishes a publication from a retraction.
type Kind int

const (
	// Put carries a live payload.
	Put Kind = iota
	// Delete retracts the key expression; it still consumes a sequence
	// number on a sequenced source (§4A).
	Delete
)

func (k Kind) String() string {
	if k == Delete {
		return "delete"
	}
	return "put"
}

// HLC is a hybrid logical clock timestamp: physical time, a logical tie
// breaker, and the node that stamped it. Timestamps compare under
// (physical, logical, node-id) lexicographic order (§4.1).
type HLC struct {
	Physical uint64
	Logical  uint32
	NodeID   string
}

// Compare returns -1, 0, or 1 the way bytes.Compare does.
func (h HLC) Compare(other HLC) int {
	if h.Physical != other.Physical {
		if h.Physical < other.Physical {
			return -1
		}
		return 1
	}
	if h.Logical != other.Logical {
		if h.Logical < other.Logical {
			return -1
		}
		return 1
	}
	if h.NodeID == other.NodeID {
		return 0
	}
	if h.NodeID < other.NodeID {
		return -1
	}
	return 1
}

// Before reports whether h strictly precedes other.
func (h HLC) Before(other HLC) bool { return h.Compare(other) < 0 }

// Proto renders the physical component as a standard protobuf timestamp,
// the wire-stable representation used when this sample crosses a
// bus.Session boundary backed by a real transport.
func (h HLC) Proto() *timestamppb.Timestamp {
	return timestamppb.New(timestampFromPhysical(h.Physical))
}

// Sample is the opaque datum the core ingests from any inbound path: a
// live subscription callback, a historical reply, or a retransmit reply.
type Sample struct {
	KeyExpr  string
	SourceID string // "<zid>/<eid>" for a sequenced source
	SourceSN *uint32
	TS       *HLC
	Kind     Kind
	Payload  []byte
}

// SourceKindTag names which ordering path (§4.1) a sample must take.
type SourceKindTag int

const (
	// Sequenced sources carry a source_sn and are keyed by source_id.
	Sequenced SourceKindTag = iota
	// Timestamped sources carry an HLC timestamp and are keyed by node id.
	Timestamped
	// Orderless sources bypass ordering entirely.
	Orderless
)

// Classify reports which ordering path s must take.
func (s Sample) Classify() SourceKindTag {
	if s.SourceID != "" && s.SourceSN != nil {
		return Sequenced
	}
	if s.TS != nil {
		return Timestamped
	}
	return Orderless
}

func (s Sample) String() string {
	switch s.Classify() {
	case Sequenced:
		return fmt.Sprintf("Sample{source=%s sn=%d kind=%s}", s.SourceID, *s.SourceSN, s.Kind)
	case Timestamped:
		return fmt.Sprintf("Sample{node=%s ts=%d.%d kind=%s}", s.TS.NodeID, s.TS.Physical, s.TS.Logical, s.Kind)
	default:
		return fmt.Sprintf("Sample{ke=%s kind=%s orderless}", s.KeyExpr, s.Kind)
	}
}
