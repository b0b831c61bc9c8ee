// Package advsub provides a reliable, ordered, gap-filling subscriber
// layered on top of a best-effort publish/subscribe bus (bus.Session).
//
// Construct wires together the seven components named by the
// specification's system overview: SourceTracker (internal/tracker),
// QueryDispatcher (internal/query), ReplyBarrier (internal/barrier),
// HistoryLoader (internal/history), PeriodicProber (internal/prober),
// LivenessBridge (internal/liveliness), and MissNotifier (internal/miss).
// Everything below this file is an implementation detail the application
// never touches directly; this mirrors the way main.go in the teacher
// repository is the single place that wires independently-testable
// internal packages into one running broker.
package advsub

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/meshwave/advsub/internal/advsuberr"
	"github.com/meshwave/advsub/internal/barrier"
	"github.com/meshwave/advsub/internal/bus"
	"github.com/meshwave/advsub/internal/config"
	"github.com/meshwave/advsub/internal/diagnostics"
	"github.com/meshwave/advsub/internal/history"
	"github.com/meshwave/advsub/internal/keyexpr"
	"github.com/meshwave/advsub/internal/liveliness"
	"github.com/meshwave/advsub/internal/logging"
	"github.com/meshwave/advsub/internal/miss"
	"github.com/meshwave/advsub/internal/prober"
	"github.com/meshwave/advsub/internal/query"
	"github.com/meshwave/advsub/internal/sample"
	"github.com/meshwave/advsub/internal/tracker"
	"github.com/meshwave/advsub/internal/wire"
)

// Handler receives every in-order, gap-free sample delivered to the
// application, exactly once per (source, sequence-or-timestamp) pair.
type Handler func(sample.Sample)

// Identity names the subscriber declaring this advanced subscriber, used
// to build its own liveliness token (§4.8) when subscriber detection is
// enabled.
type Identity struct {
	ZID string
	EID string
}

// Subscriber is the application-facing advanced subscriber.
type Subscriber struct {
	cfg     config.Config
	session bus.Session
	id      Identity
	log     *logging.Logger

	tracker      *tracker.Tracker
	missRegistry *miss.Registry
	dispatcher   *query.Dispatcher
	loader       *history.Loader
	prober       *prober.Prober
	bridge       *liveliness.Bridge
	diagnostics  *diagnostics.Hub

	mu        sync.Mutex
	cancelSub func()
	closed    bool
}

// Construct builds an advanced subscriber over session, declaring the
// underlying subscription, liveliness bridge, and history/recovery
// machinery according to cfg. Construction-time failures (ConfigRejected,
// BusFailure) are returned synchronously and nothing is left declared.
func Construct(ctx context.Context, session bus.Session, id Identity, cfg config.Config, handler Handler, log *logging.Logger) (*Subscriber, error) {
	if err := cfg.Validate(); err != nil {
		return nil, advsuberr.ConfigRejected("advsub.Construct", err)
	}
	if handler == nil {
		return nil, advsuberr.ConfigRejected("advsub.Construct", errNilHandler)
	}
	if log == nil {
		log = logging.L()
	}

	s := &Subscriber{cfg: cfg, session: session, id: id, log: log}
	s.missRegistry = miss.New()
	s.diagnostics = diagnostics.New(log, nil)
	s.missRegistry.OnMissBackground(s.diagnostics.OnMiss)
	s.tracker = tracker.New(tracker.Config{
		RetransmissionEnabled: cfg.Recovery.Enabled,
		HistoryEnabled:        cfg.History.Enabled,
	}, handler, s.missRegistry)
	s.dispatcher = query.New(session, cfg.AllowedOrigin, cfg.QueryTarget, cfg.QueryTimeout, log)
	if codec, ok, err := wire.ByName(cfg.Wire.Compression); err == nil && ok {
		s.dispatcher.SetCodec(codec)
	}
	s.bridge = liveliness.New(session, cfg.AllowedOrigin)

	var period time.Duration
	if cfg.Recovery.Enabled && cfg.Recovery.PeriodicQueries != nil {
		period = *cfg.Recovery.PeriodicQueries
	}
	s.prober = prober.New(period, s.tracker, s.fireProbe, log)

	s.loader = history.New(
		dispatcherAdapter{s.dispatcher},
		s.tracker,
		s.tracker_ingest,
		cfg.History,
		log,
		s.onInitialFlush,
	)

	cancel, err := session.DeclareSubscriber(ctx, cfg.AllowedOrigin, s.onLiveSample)
	if err != nil {
		return nil, advsuberr.BusFailure("advsub.Construct: DeclareSubscriber", err)
	}
	s.cancelSub = cancel

	if cfg.History.Enabled {
		if err := s.loader.Start(ctx); err != nil {
			cancel()
			return nil, advsuberr.BusFailure("advsub.Construct: initial history query", err)
		}
	}

	if cfg.History.Enabled && cfg.History.DetectLatePublishers {
		if err := s.bridge.DeclarePublisherDiscovery(ctx, s.onPublisherDiscovered); err != nil {
			s.Close()
			return nil, advsuberr.BusFailure("advsub.Construct: DeclarePublisherDiscovery", err)
		}
	}

	if cfg.SubscriberDetection {
		if err := s.bridge.DeclareOwnToken(ctx, id.ZID, id.EID, cfg.SubscriberDetectionMetadata); err != nil {
			s.Close()
			return nil, advsuberr.BusFailure("advsub.Construct: DeclareOwnToken", err)
		}
	}

	return s, nil
}

var errNilHandler = configError("sample handler must be provided")

type configError string

func (e configError) Error() string { return string(e) }

// tracker_ingest adapts Subscriber.ingest to history.Ingestor's signature.
func (s *Subscriber) tracker_ingest(smp sample.Sample) {
	s.ingest(smp)
}

// ingest runs a sample through the tracker and drives the on-live-sample
// retransmission trigger and periodic-prober arming described by §4.7,
// shared by the live-subscription path and the history loader's reply
// streams. Gap-fill and periodic-probe replies bypass it and go straight
// to the tracker.
func (s *Subscriber) ingest(smp sample.Sample) {
	result := s.tracker.Ingest(smp)

	if smp.Classify() == sample.Sequenced {
		if s.cfg.Recovery.Enabled && s.tracker.HasPendingGap(smp.SourceID) {
			s.issueGapFill(context.Background(), smp.SourceID)
		}
		if result.NewSource && s.prober.Enabled() {
			s.prober.Arm(smp.SourceID)
		}
	}
}

func (s *Subscriber) onLiveSample(smp sample.Sample) {
	s.ingest(smp)
}

// issueGapFill fires `_sn=<last_delivered+1>..` bound to a
// SequencedReplies guard (§4.7).
func (s *Subscriber) issueGapFill(ctx context.Context, sourceID string) {
	zid, eid, ok := keyexpr.SplitSourceID(sourceID)
	if !ok {
		return
	}
	from, has := s.tracker.LastDeliveredSN(sourceID)
	next := uint32(0)
	if has {
		next = from + 1
	}
	s.tracker.IncrementSource(sourceID)
	guard := barrier.NewSequencedReplies(s.tracker, sourceID)
	err := s.dispatcher.FireSequenceGapFill(ctx, zid, eid, next, nil, func(smp sample.Sample, ok bool) {
		if !ok {
			guard.Release()
			return
		}
		s.tracker.Ingest(smp)
	})
	if err != nil {
		s.log.Warn("gap-fill query failed", logging.String("source_id", sourceID), logging.Error(err))
		guard.Release()
	}
}

// fireProbe implements prober.Fire: it issues a sequence-range query
// bound to a SequencedReplies guard, routing replies through the tracker.
func (s *Subscriber) fireProbe(ctx context.Context, zid, eid string, from uint32, done func(bool)) {
	err := s.dispatcher.FireSequenceGapFill(ctx, zid, eid, from, nil, func(smp sample.Sample, ok bool) {
		if !ok {
			done(true)
			return
		}
		s.tracker.Ingest(smp)
	})
	if err != nil {
		s.log.Warn("periodic probe failed", logging.String("zid", zid), logging.String("eid", eid), logging.Error(err))
		done(true)
	}
}

// onPublisherDiscovered implements liveliness.PutHandler: it drives the
// loader's per-source history backfill and, when the discovery resolves
// to a newly observed sequenced source, arms the PeriodicProber for it
// (§4.5: "if this is a newly observed source, also arm the
// PeriodicProber").
func (s *Subscriber) onPublisherDiscovered(ctx context.Context, tokenKE string) {
	s.diagnostics.PublisherDetected(tokenKE)
	sourceID, err := s.loader.OnLivelinessPut(ctx, tokenKE)
	if err != nil {
		s.log.Warn("publisher-discovery history query failed", logging.String("token", tokenKE), logging.Error(err))
		return
	}
	if sourceID != "" && s.prober.Enabled() {
		s.prober.Arm(sourceID)
	}
}

// onInitialFlush arms the PeriodicProber for every sequenced source made
// flush-eligible when the initial-history guard releases (§4.4
// InitialReplies: "arms the PeriodicProber for every known sequenced
// source").
func (s *Subscriber) onInitialFlush(sourceIDs []string) {
	if !s.prober.Enabled() {
		return
	}
	for _, id := range sourceIDs {
		s.prober.Arm(id)
	}
	for _, id := range s.tracker.KnownSequencedSources() {
		s.prober.Arm(id)
	}
}

// OnMiss registers a miss callback and returns a handle the caller may
// Undeclare (§4.9, §6).
func (s *Subscriber) OnMiss(cb func(tracker.Miss)) miss.Handle {
	return s.missRegistry.OnMiss(cb)
}

// OnMissBackground registers a miss callback that lives for the lifetime
// of the subscriber (§6 "background" registration).
func (s *Subscriber) OnMissBackground(cb func(tracker.Miss)) {
	s.missRegistry.OnMissBackground(cb)
}

// DetectedPublishers returns the publisher tokens recorded by the
// liveliness bridge from its publisher-discovery subscriber (§6 "Iterate
// detected publishers").
func (s *Subscriber) DetectedPublishers() []string {
	return s.bridge.DetectedPublishers()
}

// KeyExpr returns the subscribed key expression (§6).
func (s *Subscriber) KeyExpr() string { return s.cfg.AllowedOrigin }

// DiagnosticsHandler returns an http.Handler an operator can mount on
// their own mux to serve a live websocket feed of miss and
// publisher-discovery events (§2A). The handler is always populated; it
// costs nothing until something actually dials it. Every connection is
// wrapped with a trace id, propagated via logging.HTTPTraceMiddleware,
// so dashboard activity can be correlated against this subscriber's own
// structured logs.
func (s *Subscriber) DiagnosticsHandler() http.Handler {
	return logging.HTTPTraceMiddleware(s.log)(s.diagnostics)
}

// ID returns the subscriber's declared identity.
func (s *Subscriber) ID() Identity { return s.id }

// Close undeclares the underlying subscription and liveliness
// token/subscriber, and stops the periodic timer (§5 teardown). Close is
// idempotent and safe to call more than once.
func (s *Subscriber) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancel := s.cancelSub
	s.mu.Unlock()

	//1.- Undeclare the subscription first so no further samples enter.
	if cancel != nil {
		cancel()
	}
	//2.- Stop the periodic timer and drain its pending events before any
	//    ReplyBarrier guard can outlive the core state.
	s.prober.Stop()
	//3.- Undeclare the liveliness subscriber and own token.
	s.bridge.Close()
}

// dispatcherAdapter narrows *query.Dispatcher to history.Dispatcher.
type dispatcherAdapter struct{ d *query.Dispatcher }

func (a dispatcherAdapter) FireInitialHistory(ctx context.Context, maxSamples *uint64, maxAge *time.Duration, onReply func(sample.Sample, bool)) error {
	return a.d.FireInitialHistory(ctx, maxSamples, maxAge, onReply)
}

func (a dispatcherAdapter) FirePublisherDiscovery(ctx context.Context, tokenKE string, maxSamples *uint64, onReply func(sample.Sample, bool)) error {
	return a.d.FirePublisherDiscovery(ctx, tokenKE, maxSamples, onReply)
}
