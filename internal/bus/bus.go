// Package bus defines the minimal contract the core depends on from the
// underlying pub/sub session and its companion caching publisher (both are
// external collaborators per §1). FakeSession, the in-memory implementation
// below, stands in for a live bus/cache in every test in this repository,
// the same way internal/websockettest lets the broker exercise websocket
// code without a live server.
package bus

import (
	"context"
	"strings"
	"sync"

	"github.com/meshwave/advsub/internal/advsuberr"
	"github.com/meshwave/advsub/internal/keyexpr"
	"github.com/meshwave/advsub/internal/sample"
)

// wrappedKeyExpr recovers the key expression a control-prefixed query or
// liveliness token annotates: everything after its last literal "@"
// segment. A plain key expression with no such segment is returned as-is.
func wrappedKeyExpr(ke string) string {
	segments := strings.Split(ke, "/")
	for i := len(segments) - 1; i >= 0; i-- {
		if segments[i] == keyexpr.At {
			return strings.Join(segments[i+1:], "/")
		}
	}
	return ke
}

// QueryParams carries the selector a QueryDispatcher attaches to a query
// (§4.3): sequence-number range, time range, and reply caps.
type QueryParams struct {
	MaxSamples  *uint64
	SinceMillis *int64 // `_time=[now-age..]`
	SNFrom      *uint32
	SNTo        *uint32
}

// ReplyFunc is invoked once per reply sample; the final call with ok=false
// signals the reply stream has ended (normally or via timeout, §7).
type ReplyFunc func(s sample.Sample, ok bool)

// QueryHandle lets a caller cancel an in-flight query during teardown.
type QueryHandle interface {
	Cancel()
}

// LivelinessEvent is delivered by a liveliness subscriber: Put when a token
// is declared, Delete when it is withdrawn.
type LivelinessEvent struct {
	TokenKE string
	Kind    sample.Kind
}

// TokenHandle lets a caller undeclare a liveliness token it previously declared.
type TokenHandle interface {
	Undeclare()
}

// Session is the subset of the underlying pub/sub session this core
// depends on: subscriber declaration, query (get) with callback replies,
// and liveliness tokens/subscribers.
type Session interface {
	// DeclareSubscriber delivers every live sample matching keyExpr to onSample
	// until the returned cancel func is invoked.
	DeclareSubscriber(ctx context.Context, keyExpr string, onSample func(sample.Sample)) (cancel func(), err error)

	// Get fires a query against keyExpr with the given params, routing every
	// reply (and the terminal ok=false call) to onReply. Consolidation is
	// disabled and accept-replies is wildcard, per §4.3.
	Get(ctx context.Context, keyExpr string, params QueryParams, onReply ReplyFunc) (QueryHandle, error)

	// DeclareLivelinessSubscriber delivers Put events for liveliness tokens
	// already alive (history=true) and for ones declared afterward.
	DeclareLivelinessSubscriber(ctx context.Context, keyExpr string, onEvent func(LivelinessEvent)) (cancel func(), err error)

	// DeclareLivelinessToken publishes a transient Put and, on Undeclare, a Delete.
	DeclareLivelinessToken(ctx context.Context, tokenKE string) (TokenHandle, error)
}

// FakeSession is an in-memory Session used by tests. It keeps a cache of
// every sample ever "published" through Publish so Get can serve history
// and gap-fill queries without a real caching publisher.
type FakeSession struct {
	mu            sync.Mutex
	subscribers   map[int]fakeSub
	nextSub       int
	liveliness    map[int]fakeLiveSub
	nextLiveSub   int
	tokens        map[string]int
	cached        []sample.Sample
	cacheBySource map[string][]sample.Sample
}

type fakeSub struct {
	keyExpr string
	onSample func(sample.Sample)
}

type fakeLiveSub struct {
	keyExpr string
	onEvent func(LivelinessEvent)
}

// NewFakeSession constructs an empty FakeSession.
func NewFakeSession() *FakeSession {
	return &FakeSession{
		subscribers:   make(map[int]fakeSub),
		liveliness:    make(map[int]fakeLiveSub),
		tokens:        make(map[string]int),
		cacheBySource: make(map[string][]sample.Sample),
	}
}

// Publish delivers s to every live subscriber whose key expression
// intersects s.KeyExpr and caches it for future queries, simulating a
// publisher with an attached caching publisher.
func (f *FakeSession) Publish(s sample.Sample) {
	f.mu.Lock()
	f.cached = append(f.cached, s)
	if s.SourceID != "" {
		f.cacheBySource[s.SourceID] = append(f.cacheBySource[s.SourceID], s)
	}
	subs := make([]fakeSub, 0, len(f.subscribers))
	for _, sub := range f.subscribers {
		subs = append(subs, sub)
	}
	f.mu.Unlock()

	for _, sub := range subs {
		if keyexpr.Intersects(sub.keyExpr, s.KeyExpr) {
			sub.onSample(s)
		}
	}
}

func (f *FakeSession) DeclareSubscriber(_ context.Context, keyExpr string, onSample func(sample.Sample)) (func(), error) {
	if onSample == nil {
		return nil, advsuberr.BusFailure("DeclareSubscriber", errNilCallback)
	}
	f.mu.Lock()
	id := f.nextSub
	f.nextSub++
	f.subscribers[id] = fakeSub{keyExpr: keyExpr, onSample: onSample}
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.subscribers, id)
		f.mu.Unlock()
	}, nil
}

// Get replays cached samples intersecting keyExpr and matching the
// SNFrom/SNTo range, capped at MaxSamples in total, then terminates the
// reply stream. SinceMillis is not applied. Real caches are asynchronous; this
// fake delivers synchronously on the calling goroutine, which is
// sufficient because callers never hold the core lock across Get (§5).
//
// Every query and liveliness-token key expression wraps the subscribed or
// published key expression after a literal "@" segment (§6 grammar); this
// fake recovers that suffix and matches against it directly rather than
// modelling the caching publisher's own control-namespace queryable.
func (f *FakeSession) Get(_ context.Context, keyExpr string, params QueryParams, onReply ReplyFunc) (QueryHandle, error) {
	f.mu.Lock()
	candidates := append([]sample.Sample(nil), f.cached...)
	f.mu.Unlock()

	matchKE := wrappedKeyExpr(keyExpr)
	var delivered uint64
	for _, s := range candidates {
		if !keyexpr.Intersects(matchKE, s.KeyExpr) {
			continue
		}
		if params.SNFrom != nil && s.SourceSN != nil && *s.SourceSN < *params.SNFrom {
			continue
		}
		if params.SNTo != nil && s.SourceSN != nil && *s.SourceSN > *params.SNTo {
			continue
		}
		if params.MaxSamples != nil && delivered >= *params.MaxSamples {
			break
		}
		onReply(s, true)
		delivered++
	}
	onReply(sample.Sample{}, false)
	return noopHandle{}, nil
}

func (f *FakeSession) DeclareLivelinessSubscriber(_ context.Context, keyExpr string, onEvent func(LivelinessEvent)) (func(), error) {
	f.mu.Lock()
	id := f.nextLiveSub
	f.nextLiveSub++
	f.liveliness[id] = fakeLiveSub{keyExpr: keyExpr, onEvent: onEvent}
	existing := make([]string, 0, len(f.tokens))
	for token := range f.tokens {
		existing = append(existing, token)
	}
	f.mu.Unlock()

	//1.- Announce every already-declared token so a late-joining liveliness
	//    subscriber observes the currently-alive publisher set (history=true).
	for _, token := range existing {
		if keyexpr.Intersects(keyExpr, token) {
			onEvent(LivelinessEvent{TokenKE: token, Kind: sample.Put})
		}
	}

	return func() {
		f.mu.Lock()
		delete(f.liveliness, id)
		f.mu.Unlock()
	}, nil
}

func (f *FakeSession) DeclareLivelinessToken(_ context.Context, tokenKE string) (TokenHandle, error) {
	f.mu.Lock()
	f.tokens[tokenKE]++
	subs := make([]fakeLiveSub, 0, len(f.liveliness))
	for _, sub := range f.liveliness {
		subs = append(subs, sub)
	}
	f.mu.Unlock()

	for _, sub := range subs {
		if keyexpr.Intersects(sub.keyExpr, tokenKE) {
			sub.onEvent(LivelinessEvent{TokenKE: tokenKE, Kind: sample.Put})
		}
	}

	return &fakeToken{session: f, tokenKE: tokenKE}, nil
}

type fakeToken struct {
	session *FakeSession
	tokenKE string
	once    sync.Once
}

func (t *fakeToken) Undeclare() {
	t.once.Do(func() {
		f := t.session
		f.mu.Lock()
		delete(f.tokens, t.tokenKE)
		subs := make([]fakeLiveSub, 0, len(f.liveliness))
		for _, sub := range f.liveliness {
			subs = append(subs, sub)
		}
		f.mu.Unlock()
		for _, sub := range subs {
			if keyexpr.Intersects(sub.keyExpr, t.tokenKE) {
				sub.onEvent(LivelinessEvent{TokenKE: t.tokenKE, Kind: sample.Delete})
			}
		}
	})
}

type noopHandle struct{}

func (noopHandle) Cancel() {}

var errNilCallback = errString("callback must not be nil")

type errString string

func (e errString) Error() string { return string(e) }
