package main

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"PotholeDetServer/detect"
	iface "PotholeDetServer/interface"
	"PotholeDetServer/pipeline"
	"PotholeDetServer/report"
	"PotholeDetServer/risk"
	"PotholeDetServer/storage"
	"PotholeDetServer/store"
	"PotholeDetServer/tracker"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeAnalyzer struct {
	summary risk.Summary
	err     error
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, path string) (risk.Summary, error) {
	return f.summary, f.err
}

func (f *fakeAnalyzer) DetectFrame(ctx context.Context, img []byte) (iface.FrameResult, error) {
	if string(img) == "bad" {
		return iface.FrameResult{}, pipeline.ErrDecode
	}
	box := iface.NewBox(0, 0, 10, 10)
	return iface.FrameResult{
		Width:   100,
		Height:  100,
		Results: []iface.Result{{Class: "pothole", Conf: 0.9, Box: box, Center: box.Center()}},
	}, nil
}

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestAPI(t *testing.T, a *fakeAnalyzer, maxUpload int64) (*gin.Engine, store.ReportStore) {
	t.Helper()
	sp, err := storage.New(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	st := store.NewMemory()
	svc := detect.NewService(sp, a, st, detect.Options{
		HazardClass: "pothole",
		Tracker:     tracker.DefaultConfig(),
	}, zap.NewNop())
	live := newLiveSessions(svc, 500*time.Millisecond, zap.NewNop())
	return newRouter(&api{svc: svc, live: live, maxUpload: maxUpload, log: zap.NewNop()}), st
}

func uploadRequest(t *testing.T, field string, content []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if field != "" {
		fw, err := mw.CreateFormFile(field, "clip.mp4")
		require.NoError(t, err)
		_, err = fw.Write(content)
		require.NoError(t, err)
	} else {
		require.NoError(t, mw.WriteField("other", "value"))
	}
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, "/detect", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body["error"]
}

func TestPing(t *testing.T) {
	r, _ := newTestAPI(t, &fakeAnalyzer{}, 1<<20)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/ping", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "pong")
}

func TestDetect(t *testing.T) {
	a := &fakeAnalyzer{summary: risk.Summary{Frames: 50, RiskScore: 7.891, UniqueHazards: 2}}
	r, st := newTestAPI(t, a, 1<<20)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, uploadRequest(t, "video", []byte("mp4 data")))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var got report.Report
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.NotEmpty(t, got.VideoID)
	assert.Equal(t, report.HazardPothole, got.HazardDetected)
	assert.Equal(t, 7.89, got.RiskScore)
	assert.Equal(t, 2, got.TotalUniquePotholes)
	assert.Equal(t, 50, got.TotalFrames)
	assert.Len(t, got.Timestamp, len(report.TimestampLayout))

	var raw map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &raw))
	assert.ElementsMatch(t,
		[]string{"video_id", "timestamp", "hazard_detected", "risk_score", "total_unique_potholes", "total_frames"},
		keys(raw))

	stored, err := st.Get(context.Background(), got.VideoID)
	require.NoError(t, err)
	assert.Equal(t, got, stored)
}

func keys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestDetect_Errors(t *testing.T) {
	tests := []struct {
		name     string
		analyzer *fakeAnalyzer
		field    string
		content  []byte
		max      int64
		status   int
		message  string
	}{
		{name: "missing field", analyzer: &fakeAnalyzer{}, field: "", max: 1 << 20, status: http.StatusBadRequest, message: "No video uploaded"},
		{name: "empty file", analyzer: &fakeAnalyzer{}, field: "video", content: nil, max: 1 << 20, status: http.StatusBadRequest, message: "No video uploaded"},
		{name: "too large", analyzer: &fakeAnalyzer{}, field: "video", content: bytes.Repeat([]byte("x"), 4096), max: 1024, status: http.StatusRequestEntityTooLarge},
		{name: "no frames", analyzer: &fakeAnalyzer{err: risk.ErrNoFrames}, field: "video", content: []byte("x"), max: 1 << 20, status: http.StatusUnprocessableEntity},
		{name: "unreadable", analyzer: &fakeAnalyzer{err: pipeline.ErrOpenVideo}, field: "video", content: []byte("x"), max: 1 << 20, status: http.StatusUnprocessableEntity},
		{name: "model failure", analyzer: &fakeAnalyzer{err: assert.AnError}, field: "video", content: []byte("x"), max: 1 << 20, status: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := newTestAPI(t, tt.analyzer, tt.max)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, uploadRequest(t, tt.field, tt.content))
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			msg := decodeError(t, w)
			assert.NotEmpty(t, msg)
			if tt.message != "" {
				assert.Equal(t, tt.message, msg)
			}
		})
	}
}

func TestReports(t *testing.T) {
	r, st := newTestAPI(t, &fakeAnalyzer{}, 1<<20)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, st.Set(ctx, report.Report{VideoID: id, Timestamp: "2024-01-01T00:00:0" + map[string]string{"a": "1", "b": "2", "c": "3"}[id] + ".000000", HazardDetected: report.HazardNone}))
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/reports/b", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var got report.Report
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "b", got.VideoID)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/reports/missing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/reports?limit=2", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Data []report.Report `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Data, 2)
	assert.Equal(t, "c", list.Data[0].VideoID)
	assert.Equal(t, "b", list.Data[1].VideoID)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/reports?limit=abc", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func dialLive(t *testing.T, r *gin.Engine) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/live"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var hello map[string]any
	require.NoError(t, conn.ReadJSON(&hello))
	require.NotEmpty(t, hello["session"])
	return conn
}

func TestLiveSession(t *testing.T) {
	r, st := newTestAPI(t, &fakeAnalyzer{}, 1<<20)
	conn := dialLive(t, r)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("jpeg")))
	var fr frameMessage
	require.NoError(t, conn.ReadJSON(&fr))
	assert.Equal(t, 0, fr.Frame)
	require.Len(t, fr.Detections, 1)
	require.NotNil(t, fr.Detections[0].TrackID)
	assert.Equal(t, 10, fr.Detections[0].X2)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("bad")))
	var errMsg map[string]string
	require.NoError(t, conn.ReadJSON(&errMsg))
	assert.Contains(t, errMsg["error"], "invalid image")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("end")))
	var done struct {
		Report report.Report `json:"report"`
	}
	require.NoError(t, conn.ReadJSON(&done))
	assert.Equal(t, 1, done.Report.TotalFrames)
	assert.Equal(t, report.HazardPothole, done.Report.HazardDetected)
	assert.Equal(t, 1.0, done.Report.RiskScore)

	_, err := st.Get(context.Background(), done.Report.VideoID)
	assert.NoError(t, err)
}

func TestLiveSession_IdleTimeout(t *testing.T) {
	r, _ := newTestAPI(t, &fakeAnalyzer{}, 1<<20)
	conn := dialLive(t, r)

	// data URL prefixed base64 of "jpeg"
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("data:image/jpeg;base64,anBlZw==")))
	var fr frameMessage
	require.NoError(t, conn.ReadJSON(&fr))

	var done struct {
		Report report.Report `json:"report"`
	}
	require.NoError(t, conn.ReadJSON(&done))
	assert.Equal(t, 1, done.Report.TotalFrames)

	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "%v", err)
}
