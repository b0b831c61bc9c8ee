// Package liveliness implements the LivenessBridge of §4.5 (publisher
// discovery) and §4.8 (the subscriber's own liveliness token): declaring
// the liveliness subscriber that feeds HistoryLoader.OnLivelinessPut, and
// declaring/withdrawing this subscriber's own presence token.
package liveliness

import (
	"context"
	"sync"

	"github.com/meshwave/advsub/internal/bus"
	"github.com/meshwave/advsub/internal/keyexpr"
	"github.com/meshwave/advsub/internal/sample"
)

// PutHandler is invoked for every liveliness Put event observed on the
// publisher-discovery key expression (§4.3 row 2).
type PutHandler func(ctx context.Context, tokenKE string)

// Bridge owns the liveliness subscriber and, optionally, this
// subscriber's own liveliness token.
type Bridge struct {
	session bus.Session
	subKE   string

	mu               sync.Mutex
	discoveredTokens map[string]bool

	cancelSub func()
	ownToken  bus.TokenHandle
}

// New constructs a Bridge bound to subKE.
func New(session bus.Session, subKE string) *Bridge {
	return &Bridge{session: session, subKE: subKE, discoveredTokens: make(map[string]bool)}
}

// DeclarePublisherDiscovery declares a liveliness subscriber on
// `@adv/pub/**/@/<sub-ke>` with history=true semantics (handled by
// bus.Session.DeclareLivelinessSubscriber announcing already-declared
// tokens), invoking onPut for every Put of a token not already known; a
// repeated Put for a token that has not been withdrawn is ignored (§4.5).
func (b *Bridge) DeclarePublisherDiscovery(ctx context.Context, onPut PutHandler) error {
	ke := keyexpr.LivelinessPublisherDiscovery(b.subKE)
	cancel, err := b.session.DeclareLivelinessSubscriber(ctx, ke, func(ev bus.LivelinessEvent) {
		if ev.Kind != sample.Put {
			b.mu.Lock()
			delete(b.discoveredTokens, ev.TokenKE)
			b.mu.Unlock()
			return
		}
		b.mu.Lock()
		if b.discoveredTokens[ev.TokenKE] {
			b.mu.Unlock()
			return
		}
		b.discoveredTokens[ev.TokenKE] = true
		b.mu.Unlock()
		onPut(ctx, ev.TokenKE)
	})
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.cancelSub = cancel
	b.mu.Unlock()
	return nil
}

// DeclareOwnToken declares this subscriber's own liveliness token on
// `@adv/sub/<zid>/<eid>/<meta-or-empty>/@/<ke>` (§4.8). An empty meta
// segment is emitted when meta is empty — required by the bus's
// routing-matching workaround.
func (b *Bridge) DeclareOwnToken(ctx context.Context, zid, eid, meta string) error {
	ke := keyexpr.LivelinessToken(keyexpr.Sub, zid, eid, meta, b.subKE)
	token, err := b.session.DeclareLivelinessToken(ctx, ke)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.ownToken = token
	b.mu.Unlock()
	return nil
}

// DetectedPublishers lists every currently-known publisher token key
// expression: each token the publisher-discovery liveliness subscriber
// has reported as Put and not since as withdrawn, as recorded by this
// Bridge (§6 "Iterate detected publishers"). The list is in no defined order.
func (b *Bridge) DetectedPublishers() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.discoveredTokens))
	for ke, alive := range b.discoveredTokens {
		if alive {
			out = append(out, ke)
		}
	}
	return out
}

// Close undeclares the liveliness subscriber and own token (§5 teardown).
func (b *Bridge) Close() {
	b.mu.Lock()
	cancel := b.cancelSub
	token := b.ownToken
	b.cancelSub = nil
	b.ownToken = nil
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if token != nil {
		token.Undeclare()
	}
}
