package detect

import (
	"context"
	"testing"

	iface "PotholeDetServer/interface"
	"PotholeDetServer/report"
	"PotholeDetServer/risk"
	"PotholeDetServer/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func liveFrame() iface.FrameResult {
	box := iface.NewBox(10, 10, 30, 20)
	return iface.FrameResult{
		Width:  100,
		Height: 100,
		Results: []iface.Result{
			{Class: "pothole", Conf: 0.8, Box: box, Center: box.Center()},
		},
	}
}

func TestSession_FramesAndFinish(t *testing.T) {
	a := &fakeAnalyzer{frame: liveFrame()}
	st := store.NewMemory()
	svc, _ := newService(t, a, st)

	sess := svc.NewSession()
	for i := 0; i < 4; i++ {
		fr, err := sess.Frame(context.Background(), []byte("jpeg"))
		require.NoError(t, err)
		assert.Equal(t, i, fr.Index)
		require.Len(t, fr.Results, 1)
		require.NotNil(t, fr.Results[0].TrackID)
		assert.Equal(t, 1, *fr.Results[0].TrackID)
	}
	assert.Equal(t, 4, sess.Frames())

	rep, err := sess.Finish(context.Background())
	require.NoError(t, err)
	assert.Equal(t, sess.ID, rep.VideoID)
	assert.Equal(t, report.HazardPothole, rep.HazardDetected)
	assert.Equal(t, 1, rep.TotalUniquePotholes)
	assert.Equal(t, 4, rep.TotalFrames)
	// 200 px over 10000 px per frame
	assert.Equal(t, 2.0, rep.RiskScore)

	_, err = st.Get(context.Background(), sess.ID)
	require.NoError(t, err)

	_, err = sess.Finish(context.Background())
	assert.ErrorIs(t, err, ErrSessionClosed)
	_, err = sess.Frame(context.Background(), []byte("jpeg"))
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestSession_FinishWithoutFrames(t *testing.T) {
	svc, _ := newService(t, &fakeAnalyzer{}, store.NewMemory())

	_, err := svc.NewSession().Finish(context.Background())
	assert.ErrorIs(t, err, risk.ErrNoFrames)
}

func TestSession_UntrackedDetectionsAddRisk(t *testing.T) {
	hole := liveFrame()
	a := &fakeAnalyzer{frames: []iface.FrameResult{{Width: 100, Height: 100}, hole, hole}}
	svc, _ := newService(t, a, store.NewMemory())

	sess := svc.NewSession()
	_, err := sess.Frame(context.Background(), []byte("jpeg"))
	require.NoError(t, err)
	fr, err := sess.Frame(context.Background(), []byte("jpeg"))
	require.NoError(t, err)
	require.Len(t, fr.Results, 1)
	assert.Nil(t, fr.Results[0].TrackID)
	fr, err = sess.Frame(context.Background(), []byte("jpeg"))
	require.NoError(t, err)
	require.Len(t, fr.Results, 1)
	require.NotNil(t, fr.Results[0].TrackID)

	rep, err := sess.Finish(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.TotalUniquePotholes)
	// 200 px over 10000 px in two of three frames
	assert.Equal(t, 1.33, rep.RiskScore)
}
