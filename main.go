package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	adhoc "PotholeDetServer/Adhoc"
	"PotholeDetServer/config"
	"PotholeDetServer/detect"
	"PotholeDetServer/engine"
	backend "PotholeDetServer/gRPC"
	iface "PotholeDetServer/interface"
	"PotholeDetServer/logger"
	"PotholeDetServer/monitor"
	"PotholeDetServer/pipeline"
	"PotholeDetServer/storage"
	"PotholeDetServer/store"
	"PotholeDetServer/tracker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func engineConfig(c config.EngineConfig) iface.EngineConfig {
	names := iface.NamesConf{IsFile: false, Data: c.Names}
	if c.NamesFile != "" {
		names = iface.NamesConf{IsFile: true, Data: c.NamesFile}
	}
	return iface.EngineConfig{
		UseGPU:       c.UseGPU,
		ModelPath:    c.ModelPath,
		Names:        names,
		Conf:         c.Conf,
		Iou:          c.Iou,
		InputSize:    c.InputSize,
		InferenceURL: c.InferenceURL,
	}
}

func trackerConfig(c config.TrackerConfig) tracker.Config {
	return tracker.Config{
		HighThresh:     c.HighThresh,
		LowThresh:      c.LowThresh,
		NewTrackThresh: c.NewTrackThresh,
		MatchThresh:    c.MatchThresh,
		TrackBuffer:    c.TrackBuffer,

		UnconfirmedMatchThresh: c.UnconfirmedMatchThresh,
	}
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Development, cfg.LogLevel); err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Log()
	if !cfg.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	log.Info("starting",
		zap.Int("cpu", runtime.NumCPU()),
		zap.Int("httpPort", cfg.HTTPPort),
		zap.Int("rpcPort", cfg.RPCPort),
		zap.Int("metricsPort", cfg.MetricsPort),
		zap.Int("workersNum", cfg.WorkersNum),
		zap.String("engine", cfg.Engine.Backend),
		zap.String("store", cfg.Store.Backend),
	)
	if cfg.Engine.UseGPU {
		log.Warn("GPU enabled: every worker loads its own copy of the model, make sure the GPU has enough memory")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	factory, err := engine.LoadEngine(cfg.Engine.Backend)
	if err != nil {
		return err
	}
	pool, err := pipeline.New(pipeline.Options{
		Workers:     cfg.WorkersNum,
		Factory:     factory,
		Engine:      engineConfig(cfg.Engine),
		Tracker:     trackerConfig(cfg.Tracker),
		HazardClass: cfg.HazardClass,
	}, logger.Named("pipeline"))
	if err != nil {
		return err
	}
	defer pool.Close()

	reports, err := store.New(ctx, cfg.Store, logger.Named("store"))
	if err != nil {
		return err
	}
	defer reports.Close()

	spool, err := storage.New(cfg.UploadDir, logger.Named("storage"))
	if err != nil {
		return err
	}

	svc := detect.NewService(spool, pool, reports, detect.Options{
		HazardClass: cfg.HazardClass,
		Tracker:     trackerConfig(cfg.Tracker),
	}, logger.Named("detect"))

	var wg sync.WaitGroup
	go monitor.StartMon(cfg.MetricsPort, ctx)

	if cfg.UseRegServer {
		ip, err := adhoc.GetOutboundIP()
		if err != nil {
			return fmt.Errorf("get outbound IP: %w", err)
		}
		reg := adhoc.RegServerConfig{}
		reg.SetAddress(cfg.RegServerHost, cfg.RegServerPort)
		wg.Add(1)
		go adhoc.SendAliveMessage(ctx, reg, adhoc.Node{
			IP:       ip,
			RPCPort:  cfg.RPCPort,
			HTTPPort: cfg.HTTPPort,
			Backend:  cfg.Engine.Backend,
			UseGPU:   cfg.Engine.UseGPU,
		}, &wg)
	} else {
		log.Info("UseRegServer is set to false, skipping registration")
	}

	rpcServer := backend.NewServer(svc, cfg.MaxUploadBytes(), logger.Named("grpc"))
	grpcServer, err := backend.StartGRPCServer(cfg.RPCPort, rpcServer)
	if err != nil {
		return err
	}

	live := newLiveSessions(svc, time.Duration(cfg.IdleTimeoutMs)*time.Millisecond, logger.Named("live"))
	httpServer := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: newRouter(&api{
			svc:       svc,
			live:      live,
			maxUpload: cfg.MaxUploadBytes(),
			log:       logger.Named("http"),
		}),
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.HTTPPort))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Warn("signal received, shutting down")
	case <-rpcServer.Done():
		log.Warn("shutdown requested, shutting down")
	case err = <-serveErr:
		log.Error("HTTP server failed", zap.Error(err))
	}
	cancel()

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown", zap.Error(err))
	}
	live.closeAll()
	grpcServer.GracefulStop()
	wg.Wait()
	log.Info("Safely exited")
	return err
}
