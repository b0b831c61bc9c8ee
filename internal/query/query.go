// Package query implements the QueryDispatcher of §4.3: it builds the
// three selector shapes, fires a bus.Get, and routes replies back into the
// tracker as samples — filtering replies against the subscriber's own key
// expression to tolerate cache-side wildcard overreach.
package query

import (
	"context"
	"time"

	"github.com/meshwave/advsub/internal/bus"
	"github.com/meshwave/advsub/internal/config"
	"github.com/meshwave/advsub/internal/keyexpr"
	"github.com/meshwave/advsub/internal/logging"
	"github.com/meshwave/advsub/internal/sample"
	"github.com/meshwave/advsub/internal/wire"
)

// Dispatcher fires queries against a bus.Session and routes their replies.
type Dispatcher struct {
	session Session
	subKE   string
	target  config.QueryTarget
	timeout time.Duration
	log     *logging.Logger
	codec   wire.Compressor
}

// Session is the subset of bus.Session the dispatcher needs.
type Session interface {
	Get(ctx context.Context, keyExpr string, params bus.QueryParams, onReply bus.ReplyFunc) (bus.QueryHandle, error)
}

// New constructs a Dispatcher bound to subKE (the subscriber's own key
// expression) and the query tunables from config.Config.
func New(session Session, subKE string, target config.QueryTarget, timeout time.Duration, log *logging.Logger) *Dispatcher {
	if log == nil {
		log = logging.L()
	}
	identity, _, _ := wire.ByName("")
	return &Dispatcher{session: session, subKE: subKE, target: target, timeout: timeout, log: log, codec: identity}
}

// SetCodec selects the codec non-empty reply payloads are decompressed
// with before being handed to the caller (§2A). Replies are treated as
// uncompressed until this is called with something other than nil.
func (d *Dispatcher) SetCodec(codec wire.Compressor) {
	if codec != nil {
		d.codec = codec
	}
}

// OnReply is invoked once per accepted reply sample, and a final time with
// ok=false when the reply stream is known to be complete.
type OnReply func(s sample.Sample, ok bool)

// FireInitialHistory issues the startup history query (§4.3 row 1).
func (d *Dispatcher) FireInitialHistory(ctx context.Context, maxSamples *uint64, maxAge *time.Duration, onReply OnReply) error {
	ke := keyexpr.InitialHistory(d.subKE)
	params := bus.QueryParams{MaxSamples: maxSamples}
	if maxAge != nil {
		since := time.Now().Add(-*maxAge).UnixMilli()
		params.SinceMillis = &since
	}
	return d.fire(ctx, "initial-history", ke, params, onReply)
}

// FirePublisherDiscovery issues the liveliness-driven per-source history
// query bound to a token's own key expression (§4.3 row 2, §4.5).
func (d *Dispatcher) FirePublisherDiscovery(ctx context.Context, tokenKE string, maxSamples *uint64, onReply OnReply) error {
	params := bus.QueryParams{MaxSamples: maxSamples}
	return d.fire(ctx, "per-source-history", tokenKE, params, onReply)
}

// FireSequenceGapFill issues a sequence-range query against a known
// (zid, eid) source (§4.3 row 3): `_sn=<from>..` or `_sn=<from>..<to>`.
func (d *Dispatcher) FireSequenceGapFill(ctx context.Context, zid, eid string, from uint32, to *uint32, onReply OnReply) error {
	ke := keyexpr.SequenceRange(zid, eid, d.subKE)
	params := bus.QueryParams{SNFrom: &from, SNTo: to}
	return d.fire(ctx, "sequence-gap-fill", ke, params, onReply)
}

func (d *Dispatcher) fire(ctx context.Context, label, ke string, params bus.QueryParams, onReply OnReply) error {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	d.log.Debug("firing query",
		logging.String("query", label),
		logging.String("key_expr", ke),
		logging.String("target", d.target.String()))

	_, err := d.session.Get(ctx, ke, params, func(s sample.Sample, ok bool) {
		if !ok {
			onReply(sample.Sample{}, false)
			return
		}
		//1.- Filter against the subscriber's own key expression: the cache's
		//    key expression may be broader than what we subscribed to.
		if !keyexpr.Intersects(s.KeyExpr, d.subKE) {
			return
		}
		if len(s.Payload) > 0 {
			payload, err := d.codec.Decompress(s.Payload)
			if err != nil {
				d.log.Warn("dropping reply with undecodable payload",
					logging.String("query", label), logging.String("codec", d.codec.Name()), logging.Error(err))
				return
			}
			s.Payload = payload
		}
		onReply(s, true)
	})
	return err
}
