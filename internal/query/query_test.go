package query

import (
	"context"
	"testing"
	"time"

	"github.com/meshwave/advsub/internal/bus"
	"github.com/meshwave/advsub/internal/config"
	"github.com/meshwave/advsub/internal/sample"
	"github.com/meshwave/advsub/internal/wire"
)

func TestFireInitialHistoryFiltersRepliesByOwnKeyExpression(t *testing.T) {
	f := bus.NewFakeSession()
	sn := uint32(0)
	f.Publish(sample.Sample{KeyExpr: "demo/sensor/temp", SourceID: "z1/e1", SourceSN: &sn})
	f.Publish(sample.Sample{KeyExpr: "demo/sensor/humidity", SourceID: "z1/e1", SourceSN: &sn})

	d := New(f, "demo/sensor/temp", config.QueryTargetAll, time.Second, nil)

	var replies []sample.Sample
	terminated := false
	err := d.FireInitialHistory(context.Background(), nil, nil, func(s sample.Sample, ok bool) {
		if !ok {
			terminated = true
			return
		}
		replies = append(replies, s)
	})
	if err != nil {
		t.Fatalf("fire failed: %v", err)
	}
	if len(replies) != 1 || replies[0].KeyExpr != "demo/sensor/temp" {
		t.Fatalf("expected the broader-cache reply to be filtered out, got %+v", replies)
	}
	if !terminated {
		t.Fatalf("expected a terminal ok=false callback")
	}
}

func TestFireSequenceGapFillBuildsExpectedSelector(t *testing.T) {
	f := bus.NewFakeSession()
	for sn := uint32(0); sn < 3; sn++ {
		v := sn
		f.Publish(sample.Sample{KeyExpr: "demo/sensor/temp", SourceID: "z1/e1", SourceSN: &v})
	}

	d := New(f, "demo/sensor/temp", config.QueryTargetAll, 0, nil)
	var replies []sample.Sample
	err := d.FireSequenceGapFill(context.Background(), "z1", "e1", 1, nil, func(s sample.Sample, ok bool) {
		if ok {
			replies = append(replies, s)
		}
	})
	if err != nil {
		t.Fatalf("fire failed: %v", err)
	}
	if len(replies) != 2 {
		t.Fatalf("expected sn 1 and 2 to be replayed, got %d", len(replies))
	}
}

func TestFireDecompressesReplyPayloadsUsingTheConfiguredCodec(t *testing.T) {
	f := bus.NewFakeSession()
	codec := wire.NewGZIPCompressor()
	compressed, err := codec.Compress([]byte("hello history"))
	if err != nil {
		t.Fatalf("compress failed: %v", err)
	}
	sn := uint32(0)
	f.Publish(sample.Sample{KeyExpr: "demo/sensor/temp", SourceID: "z1/e1", SourceSN: &sn, Payload: compressed})

	d := New(f, "demo/sensor/temp", config.QueryTargetAll, time.Second, nil)
	d.SetCodec(codec)

	var replies []sample.Sample
	err = d.FireInitialHistory(context.Background(), nil, nil, func(s sample.Sample, ok bool) {
		if ok {
			replies = append(replies, s)
		}
	})
	if err != nil {
		t.Fatalf("fire failed: %v", err)
	}
	if len(replies) != 1 || string(replies[0].Payload) != "hello history" {
		t.Fatalf("expected the gzip payload decompressed before delivery, got %+v", replies)
	}
}

func TestFireDropsReplyWithUndecodablePayload(t *testing.T) {
	f := bus.NewFakeSession()
	sn := uint32(0)
	f.Publish(sample.Sample{KeyExpr: "demo/sensor/temp", SourceID: "z1/e1", SourceSN: &sn, Payload: []byte("not gzip data")})

	d := New(f, "demo/sensor/temp", config.QueryTargetAll, time.Second, nil)
	d.SetCodec(wire.NewGZIPCompressor())

	var replies []sample.Sample
	err := d.FireInitialHistory(context.Background(), nil, nil, func(s sample.Sample, ok bool) {
		if ok {
			replies = append(replies, s)
		}
	})
	if err != nil {
		t.Fatalf("fire failed: %v", err)
	}
	if len(replies) != 0 {
		t.Fatalf("expected the undecodable reply to be dropped, got %+v", replies)
	}
}
