// Package history implements the HistoryLoader of §4.5: the startup
// backfill query and the liveliness-driven late-joiner per-source
// queries. Modelled on the replay rehydration flow of internal/replay
// (Load reconstructs an ordered timeline from an external source before
// the application ever sees it) but fed from live bus queries instead of
// a file on disk.
package history

import (
	"context"
	"time"

	"github.com/meshwave/advsub/internal/barrier"
	"github.com/meshwave/advsub/internal/config"
	"github.com/meshwave/advsub/internal/keyexpr"
	"github.com/meshwave/advsub/internal/logging"
	"github.com/meshwave/advsub/internal/sample"
)

// Dispatcher is the subset of query.Dispatcher the loader needs.
type Dispatcher interface {
	FireInitialHistory(ctx context.Context, maxSamples *uint64, maxAge *time.Duration, onReply func(sample.Sample, bool)) error
	FirePublisherDiscovery(ctx context.Context, tokenKE string, maxSamples *uint64, onReply func(sample.Sample, bool)) error
}

// GuardTarget is the subset of tracker.Tracker the loader's guards bind to.
type GuardTarget interface {
	ReleaseGlobal() []string
	ReleaseSource(sourceID string)
	ReleaseNode(nodeID string)
	IncrementSource(sourceID string)
	IncrementNode(nodeID string)
	IncrementGlobal()
}

// Ingestor receives every reply sample.
type Ingestor func(sample.Sample)

// Loader drives §4.5.
type Loader struct {
	dispatcher Dispatcher
	target     GuardTarget
	ingest     Ingestor
	cfg        config.HistoryConfig
	log        *logging.Logger
	onFlush    func([]string)
}

// New constructs a Loader. onFlush is invoked with the sequenced sources
// that became flush-eligible when the initial-history guard releases
// (the subscriber uses this to arm the PeriodicProber, §4.4 InitialReplies).
func New(dispatcher Dispatcher, target GuardTarget, ingest Ingestor, cfg config.HistoryConfig, log *logging.Logger, onFlush func([]string)) *Loader {
	if log == nil {
		log = logging.L()
	}
	return &Loader{dispatcher: dispatcher, target: target, ingest: ingest, cfg: cfg, log: log, onFlush: onFlush}
}

// Start issues the initial history query if history is configured (§4.5).
// The tracker's global counter must already be pre-set to 1 by the
// caller before Start is invoked (§3 Lifecycle); Start only fires the
// query and arranges for the guard to release when the reply stream ends.
func (l *Loader) Start(ctx context.Context) error {
	if !l.cfg.Enabled {
		return nil
	}
	guard := barrier.NewInitialReplies(l.target, l.onFlush)
	return l.dispatcher.FireInitialHistory(ctx, l.cfg.MaxSamples, l.cfg.MaxAge, func(s sample.Sample, ok bool) {
		if !ok {
			guard.Release()
			return
		}
		l.ingest(s)
	})
}

// OnLivelinessPut handles a liveliness Put event discovered after the
// liveliness subscriber's own declaration (§4.5): it dispatches a
// per-source history query bound to the appropriate guard class, or
// falls back to re-gating every source when the token cannot be parsed
// into a resolvable source id.
func (l *Loader) OnLivelinessPut(ctx context.Context, tokenKE string) (newSequencedSource string, err error) {
	if !l.cfg.DetectLatePublishers {
		return "", nil
	}
	info, parseErr := keyexpr.ParseLivelinessToken(tokenKE)
	if parseErr != nil {
		//1.- Malformed token: log at warn and drop (§4.5, §7).
		l.log.Warn("dropping malformed liveliness token", logging.String("token", tokenKE), logging.Error(parseErr))
		return "", nil
	}

	if info.ZID == "" {
		//2.- The zid segment parsed structurally but is not a resolvable
		//    id: conservatively fall back to global-flush semantics
		//    rather than risk a silently dropped source (§4.5, §9 Open
		//    Question).
		l.log.Warn("liveliness token zid is not a resolvable id, re-gating globally",
			logging.String("token", tokenKE), logging.String("raw_zid", info.RawZID))
		l.target.IncrementGlobal()
		guard := barrier.NewInitialReplies(l.target, l.onFlush)
		err := l.dispatcher.FirePublisherDiscovery(ctx, tokenKE, l.cfg.MaxSamples, func(s sample.Sample, ok bool) {
			if !ok {
				guard.Release()
				return
			}
			l.ingest(s)
		})
		return "", err
	}

	if info.IsTimestamped() {
		l.target.IncrementNode(info.ZID)
		guard := barrier.NewTimestampedReplies(l.target, info.ZID)
		err := l.dispatcher.FirePublisherDiscovery(ctx, tokenKE, l.cfg.MaxSamples, func(s sample.Sample, ok bool) {
			if !ok {
				guard.Release()
				return
			}
			l.ingest(s)
		})
		return "", err
	}

	sourceID := keyexpr.SourceID(info.ZID, info.EID)
	l.target.IncrementSource(sourceID)
	guard := barrier.NewSequencedReplies(l.target, sourceID)
	fireErr := l.dispatcher.FirePublisherDiscovery(ctx, tokenKE, l.cfg.MaxSamples, func(s sample.Sample, ok bool) {
		if !ok {
			guard.Release()
			return
		}
		l.ingest(s)
	})
	return sourceID, fireErr
}
