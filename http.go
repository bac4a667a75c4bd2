package main

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"PotholeDetServer/detect"
	"PotholeDetServer/monitor"
	"PotholeDetServer/pipeline"
	"PotholeDetServer/risk"
	"PotholeDetServer/store"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type api struct {
	svc       *detect.Service
	live      *liveSessions
	maxUpload int64
	log       *zap.Logger
}

func newRouter(a *api) *gin.Engine {
	r := gin.New()
	r.Use(ginLogger(a.log), gin.Recovery())
	r.MaxMultipartMemory = 32 << 20

	r.GET("/api/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong", "liveSessions": a.live.count()})
	})
	r.POST("/detect", a.detect)
	r.GET("/reports", a.listReports)
	r.GET("/reports/:id", a.getReport)
	r.GET("/ws/live", a.wsLive)
	return r
}

// ginLogger logs one line per request through zap.
func ginLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			log.Error("request", fields...)
			return
		}
		log.Info("request", fields...)
	}
}

func isTooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe) || strings.Contains(err.Error(), "request body too large")
}

func (a *api) detect(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, a.maxUpload)
	fh, err := c.FormFile("video")
	if err != nil {
		monitor.RequestsTotal.WithLabelValues("http", "error").Inc()
		if isTooLarge(err) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Video exceeds the maximum upload size"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "No video uploaded"})
		return
	}
	f, err := fh.Open()
	if err != nil {
		monitor.RequestsTotal.WithLabelValues("http", "error").Inc()
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	defer f.Close()

	rep, err := a.svc.Process(c.Request.Context(), f)
	if err != nil {
		monitor.RequestsTotal.WithLabelValues("http", "error").Inc()
		_ = c.Error(err)
		c.JSON(httpStatus(err), gin.H{"error": errorMessage(err)})
		return
	}
	monitor.RequestsTotal.WithLabelValues("http", "ok").Inc()
	c.JSON(http.StatusOK, rep)
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, detect.ErrNoVideo):
		return http.StatusBadRequest
	case isTooLarge(err):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, risk.ErrNoFrames), errors.Is(err, pipeline.ErrOpenVideo):
		return http.StatusUnprocessableEntity
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func errorMessage(err error) string {
	switch {
	case errors.Is(err, detect.ErrNoVideo):
		return "No video uploaded"
	case errors.Is(err, risk.ErrNoFrames):
		return "Video contains no readable frames"
	case errors.Is(err, pipeline.ErrOpenVideo):
		return "Video could not be opened"
	}
	return err.Error()
}

func (a *api) getReport(c *gin.Context) {
	rep, err := a.svc.Find(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Report not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rep)
}

func (a *api) listReports(c *gin.Context) {
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
			return
		}
		limit = n
	}
	reps, err := a.svc.List(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": reps})
}

func (a *api) wsLive(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// 升级失败，不要再写 JSON
		return
	}
	a.live.serve(conn)
}
