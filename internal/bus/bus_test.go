package bus

import (
	"context"
	"testing"

	"github.com/meshwave/advsub/internal/sample"
)

func TestFakeSessionDeliversLiveSamplesToMatchingSubscribers(t *testing.T) {
	f := NewFakeSession()
	var got []sample.Sample
	cancel, err := f.DeclareSubscriber(context.Background(), "demo/*", func(s sample.Sample) {
		got = append(got, s)
	})
	if err != nil {
		t.Fatalf("declare subscriber failed: %v", err)
	}
	defer cancel()

	f.Publish(sample.Sample{KeyExpr: "demo/sensor", SourceID: "z1/e1"})
	f.Publish(sample.Sample{KeyExpr: "other/sensor", SourceID: "z1/e1"})

	if len(got) != 1 || got[0].KeyExpr != "demo/sensor" {
		t.Fatalf("expected exactly one matching sample, got %+v", got)
	}
}

func TestFakeSessionGetReplaysCacheAndTerminates(t *testing.T) {
	f := NewFakeSession()
	sn1, sn2 := uint32(1), uint32(2)
	f.Publish(sample.Sample{KeyExpr: "demo/sensor", SourceID: "z1/e1", SourceSN: &sn1})
	f.Publish(sample.Sample{KeyExpr: "demo/sensor", SourceID: "z1/e1", SourceSN: &sn2})

	var replies []sample.Sample
	terminated := false
	_, err := f.Get(context.Background(), "demo/*", QueryParams{}, func(s sample.Sample, ok bool) {
		if !ok {
			terminated = true
			return
		}
		replies = append(replies, s)
	})
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if len(replies) != 2 {
		t.Fatalf("expected 2 cached replies, got %d", len(replies))
	}
	if !terminated {
		t.Fatalf("expected a terminal ok=false call")
	}
}

func TestFakeSessionGetHonoursSNRangeAndMaxSamples(t *testing.T) {
	f := NewFakeSession()
	for sn := uint32(0); sn < 5; sn++ {
		v := sn
		f.Publish(sample.Sample{KeyExpr: "demo/sensor", SourceID: "z1/e1", SourceSN: &v})
	}
	from := uint32(2)
	max := uint64(2)

	var replies []sample.Sample
	_, err := f.Get(context.Background(), "demo/*", QueryParams{SNFrom: &from, MaxSamples: &max}, func(s sample.Sample, ok bool) {
		if ok {
			replies = append(replies, s)
		}
	})
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if len(replies) != 2 {
		t.Fatalf("expected maxSamples to cap replies at 2, got %d", len(replies))
	}
	for _, r := range replies {
		if *r.SourceSN < from {
			t.Fatalf("expected every reply sn >= %d, got %d", from, *r.SourceSN)
		}
	}
}

func TestFakeSessionLivelinessAnnouncesExistingTokensThenPutDelete(t *testing.T) {
	f := NewFakeSession()
	token, err := f.DeclareLivelinessToken(context.Background(), "@adv/pub/z1/e1//@/demo/sensor")
	if err != nil {
		t.Fatalf("declare token failed: %v", err)
	}

	var events []LivelinessEvent
	_, err = f.DeclareLivelinessSubscriber(context.Background(), "@adv/pub/**/@/demo/sensor", func(ev LivelinessEvent) {
		events = append(events, ev)
	})
	if err != nil {
		t.Fatalf("declare liveliness subscriber failed: %v", err)
	}
	if len(events) != 1 || events[0].Kind != sample.Put {
		t.Fatalf("expected the pre-existing token to be announced as Put, got %+v", events)
	}

	token.Undeclare()
	if len(events) != 2 || events[1].Kind != sample.Delete {
		t.Fatalf("expected Undeclare to emit a Delete event, got %+v", events)
	}
}
