package history

import (
	"context"
	"testing"
	"time"

	"github.com/meshwave/advsub/internal/bus"
	"github.com/meshwave/advsub/internal/config"
	"github.com/meshwave/advsub/internal/keyexpr"
	"github.com/meshwave/advsub/internal/query"
	"github.com/meshwave/advsub/internal/sample"
	"github.com/meshwave/advsub/internal/tracker"
)

func TestStartFiresInitialHistoryAndReleasesGlobalOnCompletion(t *testing.T) {
	f := bus.NewFakeSession()
	sn0, sn1 := uint32(0), uint32(1)
	f.Publish(sample.Sample{KeyExpr: "demo/sensor/temp", SourceID: "z1/e1", SourceSN: &sn0})
	f.Publish(sample.Sample{KeyExpr: "demo/sensor/temp", SourceID: "z1/e1", SourceSN: &sn1})

	cfg := config.HistoryConfig{Enabled: true}
	var delivered []sample.Sample
	tr := tracker.New(tracker.Config{HistoryEnabled: true}, func(s sample.Sample) { delivered = append(delivered, s) }, nil)
	dispatcher := query.New(f, "demo/sensor/temp", config.QueryTargetAll, time.Second, nil)
	ingest := func(s sample.Sample) { tr.Ingest(s) }
	l := New(dispatcher, tr, ingest, cfg, nil, nil)

	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if len(delivered) != 2 {
		t.Fatalf("expected both history samples delivered once the global guard releases, got %d", len(delivered))
	}
	if tr.GlobalPendingQueries() != 0 {
		t.Fatalf("expected the global counter to settle at 0 after the reply stream ends")
	}
}

func TestOnLivelinessPutDispatchesPerSourceHistoryQuery(t *testing.T) {
	f := bus.NewFakeSession()
	sn0 := uint32(0)
	f.Publish(sample.Sample{KeyExpr: "demo/sensor/temp", SourceID: "z1/e1", SourceSN: &sn0})

	cfg := config.HistoryConfig{Enabled: true, DetectLatePublishers: true}
	var delivered []sample.Sample
	tr := tracker.New(tracker.Config{HistoryEnabled: true}, func(s sample.Sample) { delivered = append(delivered, s) }, nil)
	dispatcher := query.New(f, "demo/sensor/temp", config.QueryTargetAll, time.Second, nil)
	ingest := func(s sample.Sample) { tr.Ingest(s) }
	l := New(dispatcher, tr, ingest, cfg, nil, nil)
	tr.ReleaseGlobal()

	token := keyexpr.LivelinessToken(keyexpr.Pub, "z1", "e1", "", "demo/sensor/temp")
	sourceID, err := l.OnLivelinessPut(context.Background(), token)
	if err != nil {
		t.Fatalf("onLivelinessPut failed: %v", err)
	}
	if sourceID != "z1/e1" {
		t.Fatalf("expected resolved source id z1/e1, got %q", sourceID)
	}
	if len(delivered) != 1 {
		t.Fatalf("expected the per-source history reply delivered, got %d", len(delivered))
	}
}

func TestOnLivelinessPutReGatesGloballyForUnresolvableZID(t *testing.T) {
	f := bus.NewFakeSession()
	sn0 := uint32(0)
	f.Publish(sample.Sample{KeyExpr: "demo/sensor/temp", SourceID: "bad id/e1", SourceSN: &sn0})

	cfg := config.HistoryConfig{Enabled: true, DetectLatePublishers: true}
	var flushed [][]string
	tr := tracker.New(tracker.Config{}, func(sample.Sample) {}, nil)
	dispatcher := query.New(f, "demo/sensor/temp", config.QueryTargetAll, time.Second, nil)
	ingest := func(s sample.Sample) { tr.Ingest(s) }
	l := New(dispatcher, tr, ingest, cfg, nil, func(sources []string) { flushed = append(flushed, sources) })

	token := keyexpr.LivelinessToken(keyexpr.Pub, "bad id", "e1", "", "demo/sensor/temp")
	sourceID, err := l.OnLivelinessPut(context.Background(), token)
	if err != nil {
		t.Fatalf("onLivelinessPut failed: %v", err)
	}
	if sourceID != "" {
		t.Fatalf("expected no resolved source id for an unresolvable zid, got %q", sourceID)
	}
	if tr.GlobalPendingQueries() != 0 {
		t.Fatalf("expected the global counter to settle at 0 after the reply stream ends")
	}
	if len(flushed) != 1 {
		t.Fatalf("expected global re-gating to invoke onFlush once, got %d calls", len(flushed))
	}
}

func TestOnLivelinessPutDropsMalformedToken(t *testing.T) {
	f := bus.NewFakeSession()
	cfg := config.HistoryConfig{Enabled: true, DetectLatePublishers: true}
	tr := tracker.New(tracker.Config{}, func(sample.Sample) {}, nil)
	dispatcher := query.New(f, "demo/sensor/temp", config.QueryTargetAll, time.Second, nil)
	ingest := func(s sample.Sample) { tr.Ingest(s) }
	l := New(dispatcher, tr, ingest, cfg, nil, nil)

	sourceID, err := l.OnLivelinessPut(context.Background(), "not-a-token")
	if err != nil {
		t.Fatalf("expected malformed tokens to be dropped without error, got %v", err)
	}
	if sourceID != "" {
		t.Fatalf("expected no resolved source id for a malformed token, got %q", sourceID)
	}
}
