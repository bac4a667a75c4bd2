package main

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"PotholeDetServer/detect"
	iface "PotholeDetServer/interface"
	"PotholeDetServer/monitor"
	"PotholeDetServer/report"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const endMessage = "end"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type detectionMessage struct {
	Class      string  `json:"class"`
	Confidence float32 `json:"confidence"`
	X1         int     `json:"x1"`
	Y1         int     `json:"y1"`
	X2         int     `json:"x2"`
	Y2         int     `json:"y2"`
	TrackID    *int    `json:"track_id,omitempty"`
}

type frameMessage struct {
	Frame      int                `json:"frame"`
	Width      int                `json:"width"`
	Height     int                `json:"height"`
	Detections []detectionMessage `json:"detections"`
}

func newFrameMessage(fr iface.FrameResult) frameMessage {
	msg := frameMessage{
		Frame:      fr.Index,
		Width:      fr.Width,
		Height:     fr.Height,
		Detections: make([]detectionMessage, 0, len(fr.Results)),
	}
	for _, r := range fr.Results {
		x1, y1, x2, y2 := r.Box.XYXY()
		msg.Detections = append(msg.Detections, detectionMessage{
			Class:      r.Class,
			Confidence: r.Conf,
			X1:         x1,
			Y1:         y1,
			X2:         x2,
			Y2:         y2,
			TrackID:    r.TrackID,
		})
	}
	return msg
}

type instance struct {
	session     *detect.Session
	conn        *websocket.Conn
	writeMu     sync.Mutex
	lastActive  atomic.Int64
	closeOnce   sync.Once
	cancelTimer chan struct{}
}

func (inst *instance) touch() {
	inst.lastActive.Store(time.Now().UnixNano())
}

func (inst *instance) idleFor() time.Duration {
	return time.Since(time.Unix(0, inst.lastActive.Load()))
}

func (inst *instance) writeJSON(v any) error {
	inst.writeMu.Lock()
	defer inst.writeMu.Unlock()
	return inst.conn.WriteJSON(v)
}

type liveSessions struct {
	svc         *detect.Service
	idleTimeout time.Duration
	log         *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*instance
}

func newLiveSessions(svc *detect.Service, idleTimeout time.Duration, log *zap.Logger) *liveSessions {
	return &liveSessions{
		svc:         svc,
		idleTimeout: idleTimeout,
		log:         log,
		sessions:    map[string]*instance{},
	}
}

func (ls *liveSessions) count() int {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	return len(ls.sessions)
}

// release finalizes the session: the report (or the reason there is none) is
// sent to the client and the connection closed. Only the first call counts.
func (ls *liveSessions) release(inst *instance, reason string) {
	inst.closeOnce.Do(func() {
		ls.mu.Lock()
		delete(ls.sessions, inst.session.ID)
		ls.mu.Unlock()
		close(inst.cancelTimer)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		rep, err := inst.session.Finish(ctx)
		if err != nil {
			monitor.RequestsTotal.WithLabelValues("ws", "error").Inc()
			ls.log.Warn("live session ended without report", zap.String("session", inst.session.ID), zap.Error(err))
			_ = inst.writeJSON(gin.H{"error": err.Error()})
		} else {
			monitor.RequestsTotal.WithLabelValues("ws", "ok").Inc()
			_ = inst.writeJSON(struct {
				Report report.Report `json:"report"`
			}{rep})
		}
		inst.writeMu.Lock()
		_ = inst.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason))
		inst.writeMu.Unlock()
		_ = inst.conn.Close()
	})
}

func (ls *liveSessions) startIdleMonitor(inst *instance) {
	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-inst.cancelTimer:
				return
			case <-ticker.C:
				if inst.idleFor() > ls.idleTimeout {
					ls.log.Info("IdleMonitor timed out", zap.String("session", inst.session.ID))
					ls.release(inst, "idle timeout, released")
					return
				}
			}
		}
	}()
}

// closeAll finalizes every open session, used on shutdown.
func (ls *liveSessions) closeAll() {
	ls.mu.RLock()
	all := make([]*instance, 0, len(ls.sessions))
	for _, inst := range ls.sessions {
		all = append(all, inst)
	}
	ls.mu.RUnlock()
	for _, inst := range all {
		ls.release(inst, "server shutting down")
	}
}

// serve runs one live session over an upgraded connection. Binary messages
// are encoded images, text messages are base64 images or "end".
func (ls *liveSessions) serve(conn *websocket.Conn) {
	inst := &instance{
		session:     ls.svc.NewSession(),
		conn:        conn,
		cancelTimer: make(chan struct{}),
	}
	inst.touch()
	conn.SetReadLimit(20 * 1024 * 1024)

	ls.mu.Lock()
	ls.sessions[inst.session.ID] = inst
	ls.mu.Unlock()
	_ = inst.writeJSON(gin.H{"session": inst.session.ID, "timeoutMs": ls.idleTimeout.Milliseconds()})

	ls.startIdleMonitor(inst)
	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			// 客户端断开或读取错误，释放实例
			ls.release(inst, "connection closed")
			return
		}
		inst.touch()
		var img []byte
		switch mt {
		case websocket.TextMessage:
			text := strings.TrimSpace(string(msg))
			if text == endMessage {
				ls.release(inst, "session finished")
				return
			}
			img, err = decodeBase64Image(text)
			if err != nil {
				_ = inst.writeJSON(gin.H{"error": "invalid image: " + err.Error()})
				continue
			}
		case websocket.BinaryMessage:
			img = msg
		default:
			_ = inst.writeJSON(gin.H{"error": "unsupported message type"})
			continue
		}

		fr, err := inst.session.Frame(context.Background(), img)
		if errors.Is(err, detect.ErrSessionClosed) {
			return
		}
		if err != nil {
			_ = inst.writeJSON(gin.H{"error": "inference error: " + err.Error()})
			continue
		}
		_ = inst.writeJSON(newFrameMessage(fr))
	}
}

// decodeBase64Image strips an optional data URL prefix.
func decodeBase64Image(b64 string) ([]byte, error) {
	// 去掉可能的 data URL 前缀
	if i := strings.Index(b64, ","); i != -1 && strings.HasPrefix(b64, "data:") {
		b64 = b64[i+1:]
	}
	return base64.StdEncoding.DecodeString(b64)
}
