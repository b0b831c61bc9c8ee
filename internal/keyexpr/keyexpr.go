// Package keyexpr implements the hierarchical key-expression alphabet and
// templates of §6: `/`-separated segments with `*` (one segment) and `**`
// (zero-or-more segments) wildcards, intersection testing, the three query
// key-expression templates, and the liveliness token grammar.
package keyexpr

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// AdvPrefix is the namespace every advanced-subscriber control key
	// expression lives under.
	AdvPrefix = "@adv"
	// Sub marks a subscriber-role liveliness token.
	Sub = "sub"
	// Pub marks a publisher-role liveliness token.
	Pub = "pub"
	// At separates a control prefix from the subscribed key expression it annotates.
	At = "@"
	// Star matches exactly one segment.
	Star = "*"
	// StarStar matches zero or more segments.
	StarStar = "**"
	// Uhlc is the reserved entity-id marker for timestamped sources.
	Uhlc = "uhlc"
)

// split breaks a key expression into its `/`-separated segments.
func split(ke string) []string {
	if ke == "" {
		return nil
	}
	return strings.Split(ke, "/")
}

// Intersects reports whether two key expressions can both match at least
// one common concrete key, per the `*`/`**` wildcard alphabet. Used to
// filter replies whose emitting key expression is broader than the
// subscriber's own (cache-side wildcard overreach, §4.3).
func Intersects(a, b string) bool {
	return intersects(split(a), split(b))
}

func intersects(a, b []string) bool {
	switch {
	case len(a) == 0 && len(b) == 0:
		return true
	case len(a) == 0:
		return allStarStar(b)
	case len(b) == 0:
		return allStarStar(a)
	}

	ah, bh := a[0], b[0]
	switch {
	case ah == StarStar && bh == StarStar:
		return intersects(a[1:], b) || intersects(a, b[1:]) || intersects(a[1:], b[1:])
	case ah == StarStar:
		return intersects(a[1:], b) || intersects(a, b[1:])
	case bh == StarStar:
		return intersects(a, b[1:]) || intersects(a[1:], b)
	case ah == Star || bh == Star || ah == bh:
		return intersects(a[1:], b[1:])
	default:
		return false
	}
}

func allStarStar(segments []string) bool {
	for _, s := range segments {
		if s != StarStar {
			return false
		}
	}
	return true
}

// Join concatenates segments into a key expression.
func Join(segments ...string) string {
	return strings.Join(segments, "/")
}

// InitialHistory builds `@adv/**/@/<sub-ke>` (§4.3 row 1).
func InitialHistory(subKE string) string {
	return Join(AdvPrefix, StarStar, At, subKE)
}

// LivelinessPublisherDiscovery builds `@adv/pub/**/@/<sub-ke>` (§6).
func LivelinessPublisherDiscovery(subKE string) string {
	return Join(AdvPrefix, Pub, StarStar, At, subKE)
}

// SequenceRange builds `@adv/*/<zid>/<eid>/**/@/<sub-ke>` (§4.3 row 3).
func SequenceRange(zid, eid, subKE string) string {
	return Join(AdvPrefix, Star, zid, eid, StarStar, At, subKE)
}

// LivelinessToken builds `@adv/<role>/<zid>/<eid>/<meta-or-empty>/@/<ke>`
// (§6). An empty meta segment is required when no metadata is supplied, a
// workaround for a routing-matching edge case in the bus.
func LivelinessToken(role, zid, eid, meta, ke string) string {
	return Join(AdvPrefix, role, zid, eid, meta, At, ke)
}

// LivelinessTokenInfo is the parsed content of a liveliness token KE.
// ZID is empty when the token's zid segment is present but not a
// resolvable id; RawZID always carries the original segment for logging.
type LivelinessTokenInfo struct {
	Role   string
	ZID    string
	RawZID string
	EID    string
	Meta   string
	KE     string
}

// IsTimestamped reports whether the token identifies a timestamped source
// (the reserved `uhlc` entity-id marker).
func (i LivelinessTokenInfo) IsTimestamped() bool { return i.EID == Uhlc }

// isValidZID reports whether zid is a resolvable id: plain alphanumeric
// identifiers (optionally with `-`/`_`) resolve to a peer id, while a
// segment carrying whitespace or reserved alphabet characters (`@`, `*`)
// is structurally present in the key expression but cannot be resolved to
// an actual peer (§4.5, §9 Open Question, mirroring the separate
// grammar-parse vs. id-resolution steps in the original implementation).
func isValidZID(zid string) bool {
	if zid == "" {
		return false
	}
	for _, r := range zid {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

// ParseLivelinessToken parses `@adv/<role>/<zid>/<eid>/<meta-or-empty>/@/<ke>`.
// It returns an error (MalformedLivenessToken, §7) if the token cannot be
// decomposed into its required fields at all. A token that decomposes
// cleanly but whose zid segment is not a resolvable id parses
// successfully with an empty ZID and a populated RawZID, so callers can
// distinguish "grammar failure" from "unresolvable id" (§4.5, §9).
func ParseLivelinessToken(token string) (LivelinessTokenInfo, error) {
	segments := split(token)
	if len(segments) < 6 || segments[0] != AdvPrefix {
		return LivelinessTokenInfo{}, fmt.Errorf("liveliness token %q: missing %s prefix", token, AdvPrefix)
	}
	role := segments[1]
	if role != Sub && role != Pub {
		return LivelinessTokenInfo{}, fmt.Errorf("liveliness token %q: unknown role %q", token, role)
	}
	zid := segments[2]
	eid := segments[3]
	if zid == "" || eid == "" {
		return LivelinessTokenInfo{}, fmt.Errorf("liveliness token %q: empty zid or eid", token)
	}
	meta := segments[4]

	atIdx := -1
	for idx := 5; idx < len(segments); idx++ {
		if segments[idx] == At {
			atIdx = idx
			break
		}
	}
	if atIdx < 0 {
		return LivelinessTokenInfo{}, fmt.Errorf("liveliness token %q: missing %s separator", token, At)
	}
	ke := Join(segments[atIdx+1:]...)
	if ke == "" {
		return LivelinessTokenInfo{}, fmt.Errorf("liveliness token %q: empty subscribed key expression", token)
	}

	if !isValidZID(zid) {
		return LivelinessTokenInfo{Role: role, RawZID: zid, EID: eid, Meta: meta, KE: ke}, nil
	}
	return LivelinessTokenInfo{Role: role, ZID: zid, RawZID: zid, EID: eid, Meta: meta, KE: ke}, nil
}

// SourceID encodes a (zid, eid) pair the way sample.Sample.SourceID expects it.
func SourceID(zid, eid string) string { return zid + "/" + eid }

// SplitSourceID decomposes a sample.Sample.SourceID back into its zid/eid parts.
func SplitSourceID(sourceID string) (zid, eid string, ok bool) {
	idx := strings.IndexByte(sourceID, '/')
	if idx < 0 {
		return "", "", false
	}
	return sourceID[:idx], sourceID[idx+1:], true
}

// SNRange renders a `_sn=a..b`-shaped selector parameter (§6). A nil bound
// renders as an open range on that side.
func SNRange(from, to *uint32) string {
	var b strings.Builder
	b.WriteString("_sn=")
	if from != nil {
		b.WriteString(strconv.FormatUint(uint64(*from), 10))
	}
	b.WriteString("..")
	if to != nil {
		b.WriteString(strconv.FormatUint(uint64(*to), 10))
	}
	return b.String()
}
