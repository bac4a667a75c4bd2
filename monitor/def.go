package monitor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"time"

	"PotholeDetServer/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

var (
	memUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "memory_usage_Megabytes",
		Help: "Memory usage in Megabytes",
	})
	cpuUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cpu_usage_percent",
		Help: "CPU usage in percent",
	})

	// RequestsTotal counts detection requests per transport (http, grpc, ws).
	RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "detect_requests_total",
		Help: "Total number of detection requests by transport and outcome",
	}, []string{"transport", "outcome"})

	FramesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "frames_processed_total",
		Help: "Total number of video frames run through the model",
	})

	ReportsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reports_written_total",
		Help: "Reports persisted, by detected hazard",
	}, []string{"hazard"})

	RiskScore = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "report_risk_score",
		Help:    "Distribution of report risk scores",
		Buckets: []float64{0, 1, 5, 10, 25, 50, 75, 100},
	})

	AnalyzeSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "video_analyze_seconds",
		Help:    "Time spent running the model over one video",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	})
)

var registry = newRegistry()

func newRegistry() *prometheus.Registry {
	r := prometheus.NewRegistry()
	r.MustRegister(memUsage, cpuUsage, RequestsTotal, FramesTotal, ReportsTotal, RiskScore, AnalyzeSeconds)
	return r
}

// Handler serves the metrics registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}

func checkProcessInfo(p *process.Process) {
	if memInfo, err := p.MemoryInfo(); err == nil {
		memUsage.Set(float64(memInfo.RSS / 1024 / 1024))
	}
	if cpuPercent, err := p.CPUPercent(); err == nil {
		cpuUsage.Set(math.Round(cpuPercent*100) / 100)
	}
}

// StartMon serves /metrics on port and samples process usage every 500ms
// until ctx is done.
func StartMon(port int, ctx context.Context) {
	log := logger.Named("monitor")
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		log.Error("cannot inspect own process", zap.Error(err))
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("prometheus server ListenAndServe error", zap.Error(err))
		}
	}()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
checkPcs:
	for {
		select {
		case <-ctx.Done():
			break checkPcs
		case <-ticker.C:
			checkProcessInfo(p)
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("prometheus server shutdown error", zap.Error(err))
	}
}
