package barrier

import "testing"

type fakeReleaser struct {
	globalReleases int
	sourceReleases map[string]int
	nodeReleases   map[string]int
	flushResult    []string
}

func newFakeReleaser() *fakeReleaser {
	return &fakeReleaser{sourceReleases: make(map[string]int), nodeReleases: make(map[string]int)}
}

func (f *fakeReleaser) ReleaseGlobal() []string {
	f.globalReleases++
	return f.flushResult
}

func (f *fakeReleaser) ReleaseSource(sourceID string) { f.sourceReleases[sourceID]++ }
func (f *fakeReleaser) ReleaseNode(nodeID string)     { f.nodeReleases[nodeID]++ }

func TestGuardReleaseIsIdempotent(t *testing.T) {
	target := newFakeReleaser()
	g := NewSequencedReplies(target, "z1/e1")
	g.Release()
	g.Release()
	g.Release()
	if target.sourceReleases["z1/e1"] != 1 {
		t.Fatalf("expected exactly one release, got %d", target.sourceReleases["z1/e1"])
	}
}

func TestInitialRepliesGuardInvokesOnFlushWithResult(t *testing.T) {
	target := newFakeReleaser()
	target.flushResult = []string{"z1/e1", "z2/e1"}
	var flushed []string
	g := NewInitialReplies(target, func(sources []string) { flushed = sources })
	g.Release()
	if target.globalReleases != 1 {
		t.Fatalf("expected one global release, got %d", target.globalReleases)
	}
	if len(flushed) != 2 {
		t.Fatalf("expected onFlush to receive the flushed sources, got %v", flushed)
	}
}

func TestTimestampedRepliesGuardReleasesItsNode(t *testing.T) {
	target := newFakeReleaser()
	g := NewTimestampedReplies(target, "z9")
	g.Release()
	if target.nodeReleases["z9"] != 1 {
		t.Fatalf("expected node z9 to be released once, got %d", target.nodeReleases["z9"])
	}
}

func TestNilGuardReleaseIsSafe(t *testing.T) {
	var g *Guard
	g.Release()
}
