package tracker

import (
	"testing"

	iface "PotholeDetServer/interface"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func det(x1, y1, x2, y2 float32, conf float32) iface.Result {
	box := iface.NewBox(x1, y1, x2, y2)
	return iface.Result{Class: "pothole", Conf: conf, Box: box, Center: box.Center()}
}

func ids(results []iface.Result) []int {
	out := make([]int, 0, len(results))
	for _, r := range results {
		if r.TrackID != nil {
			out = append(out, *r.TrackID)
		}
	}
	return out
}

func TestTracker_FirstFrameActivates(t *testing.T) {
	tr := New(DefaultConfig())
	out := tr.Update([]iface.Result{det(0, 0, 10, 10, 0.9), det(50, 50, 60, 60, 0.8)})
	assert.Equal(t, []int{1, 2}, ids(out))
}

func TestTracker_KeepsIdAcrossFrames(t *testing.T) {
	tr := New(DefaultConfig())
	tr.Update([]iface.Result{det(0, 0, 10, 10, 0.9)})
	out := tr.Update([]iface.Result{det(1, 1, 11, 11, 0.9)})
	out2 := tr.Update([]iface.Result{det(2, 2, 12, 12, 0.9)})

	assert.Equal(t, []int{1}, ids(out))
	assert.Equal(t, []int{1}, ids(out2))
}

func TestTracker_LaterTracksNeedSecondHit(t *testing.T) {
	tr := New(DefaultConfig())
	tr.Update(nil)

	out := tr.Update([]iface.Result{det(0, 0, 10, 10, 0.9)})
	assert.Empty(t, out)

	out = tr.Update([]iface.Result{det(0, 0, 10, 10, 0.9)})
	assert.Equal(t, []int{1}, ids(out))
}

func TestTracker_UnconfirmedDropsOnMiss(t *testing.T) {
	tr := New(DefaultConfig())
	tr.Update(nil)
	tr.Update([]iface.Result{det(0, 0, 10, 10, 0.9)})
	tr.Update(nil)
	assert.Equal(t, 0, tr.Active())

	tr.Update([]iface.Result{det(0, 0, 10, 10, 0.9)})
	out := tr.Update([]iface.Result{det(0, 0, 10, 10, 0.9)})
	assert.Equal(t, []int{2}, ids(out))
}

func TestTracker_LowConfidenceKeepsTrack(t *testing.T) {
	tr := New(DefaultConfig())
	tr.Update([]iface.Result{det(0, 0, 10, 10, 0.9)})

	out := tr.Update([]iface.Result{det(0, 0, 10, 10, 0.15)})
	assert.Equal(t, []int{1}, ids(out))

	// below LowThresh the detection is ignored entirely
	out = tr.Update([]iface.Result{det(0, 0, 10, 10, 0.05)})
	assert.Empty(t, out)
}

func TestTracker_LowConfidenceNeverStartsTrack(t *testing.T) {
	tr := New(DefaultConfig())
	out := tr.Update([]iface.Result{det(0, 0, 10, 10, 0.2)})
	assert.Empty(t, out)
	assert.Equal(t, 0, tr.Active())
}

func TestTracker_LostTrackRecovers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TrackBuffer = 3
	tr := New(cfg)
	tr.Update([]iface.Result{det(0, 0, 10, 10, 0.9)})
	tr.Update(nil)
	tr.Update(nil)

	out := tr.Update([]iface.Result{det(0, 0, 10, 10, 0.9)})
	assert.Equal(t, []int{1}, ids(out))
}

func TestTracker_LostTrackExpires(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TrackBuffer = 2
	tr := New(cfg)
	tr.Update([]iface.Result{det(0, 0, 10, 10, 0.9)})
	for i := 0; i < 3; i++ {
		tr.Update(nil)
	}
	assert.Equal(t, 0, tr.Active())

	tr.Update([]iface.Result{det(0, 0, 10, 10, 0.9)})
	out := tr.Update([]iface.Result{det(0, 0, 10, 10, 0.9)})
	assert.Equal(t, []int{2}, ids(out))
}

func TestTracker_DisjointBoxesGetNewIds(t *testing.T) {
	tr := New(DefaultConfig())
	tr.Update([]iface.Result{det(0, 0, 10, 10, 0.9)})
	tr.Update([]iface.Result{det(0, 0, 10, 10, 0.9), det(100, 100, 120, 120, 0.9)})
	out := tr.Update([]iface.Result{det(0, 0, 10, 10, 0.9), det(100, 100, 120, 120, 0.9)})

	require.Len(t, out, 2)
	assert.Equal(t, []int{1, 2}, ids(out))
}

func TestTracker_DoesNotMutateInput(t *testing.T) {
	tr := New(DefaultConfig())
	in := []iface.Result{det(0, 0, 10, 10, 0.9)}
	tr.Update(in)
	assert.Nil(t, in[0].TrackID)
}

func TestTracker_AnnotateKeepsRawUntilActive(t *testing.T) {
	tr := New(DefaultConfig())
	assert.Empty(t, tr.Annotate(nil))

	out := tr.Annotate([]iface.Result{det(0, 0, 50, 50, 0.9)})
	require.Len(t, out, 1)
	assert.Nil(t, out[0].TrackID)

	out = tr.Annotate([]iface.Result{det(0, 0, 50, 50, 0.9)})
	assert.Equal(t, []int{1}, ids(out))
}

func TestTracker_AnnotatePassesBackendIDs(t *testing.T) {
	tr := New(DefaultConfig())
	id := 7
	in := det(0, 0, 10, 10, 0.9)
	in.TrackID = &id

	out := tr.Annotate([]iface.Result{in, det(50, 50, 60, 60, 0.9)})
	require.Len(t, out, 2)
	assert.Equal(t, []int{7}, ids(out))
	assert.Equal(t, 0, tr.Active())
}

func TestTracker_UnconfirmedStageNeedsHigherIoU(t *testing.T) {
	tr := New(DefaultConfig())
	tr.Update(nil)
	tr.Update([]iface.Result{det(0, 0, 10, 10, 0.9)})

	// IoU 0.25 passes the first stage limit but not the unconfirmed one
	out := tr.Update([]iface.Result{det(6, 0, 16, 10, 0.9)})
	assert.Empty(t, out)

	out = tr.Update([]iface.Result{det(6, 0, 16, 10, 0.9)})
	assert.Equal(t, []int{2}, ids(out))
}
