// Package detect is the hazard detection operation: spool an uploaded video,
// run the tracking model over it, score it and persist the report.
package detect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	iface "PotholeDetServer/interface"
	"PotholeDetServer/monitor"
	"PotholeDetServer/report"
	"PotholeDetServer/risk"
	"PotholeDetServer/storage"
	"PotholeDetServer/store"
	"PotholeDetServer/tracker"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrNoVideo is returned when the upload is missing or empty.
var ErrNoVideo = errors.New("no video uploaded")

// Analyzer runs the model. pipeline.Pool is the production implementation.
type Analyzer interface {
	Analyze(ctx context.Context, path string) (risk.Summary, error)
	DetectFrame(ctx context.Context, img []byte) (iface.FrameResult, error)
}

type Spool interface {
	Save(ctx context.Context, key string, r io.Reader) (string, error)
	Remove(key string) error
}

type Options struct {
	HazardClass string
	Tracker     tracker.Config
	// Now and NewID default to time.Now and uuid.NewString.
	Now   func() time.Time
	NewID func() string
}

type Service struct {
	spool    Spool
	analyzer Analyzer
	store    store.ReportStore
	log      *zap.Logger
	opts     Options
}

func NewService(spool Spool, analyzer Analyzer, st store.ReportStore, opts Options, log *zap.Logger) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Service{
		spool:    spool,
		analyzer: analyzer,
		store:    st,
		log:      log,
		opts:     opts,
	}
}

// Process analyzes one uploaded video and returns the stored report. The
// spooled file is removed before returning, whatever the outcome.
func (s *Service) Process(ctx context.Context, upload io.Reader) (report.Report, error) {
	if upload == nil {
		return report.Report{}, ErrNoVideo
	}
	videoID := s.opts.NewID()
	key := videoID + ".mp4"
	path, err := s.spool.Save(ctx, key, upload)
	if err != nil {
		if errors.Is(err, storage.ErrEmpty) {
			return report.Report{}, ErrNoVideo
		}
		return report.Report{}, fmt.Errorf("save upload: %w", err)
	}
	defer func() {
		if err := s.spool.Remove(key); err != nil {
			s.log.Warn("cannot remove spooled video", zap.String("video_id", videoID), zap.Error(err))
		}
	}()

	summary, err := s.analyzer.Analyze(ctx, path)
	if err != nil {
		return report.Report{}, fmt.Errorf("analyze video %s: %w", videoID, err)
	}
	return s.finish(ctx, videoID, summary)
}

func (s *Service) finish(ctx context.Context, videoID string, summary risk.Summary) (report.Report, error) {
	rep := report.New(videoID, s.opts.Now(), summary)
	if err := s.store.Set(ctx, rep); err != nil {
		return report.Report{}, fmt.Errorf("store report %s: %w", videoID, err)
	}
	monitor.ReportsTotal.WithLabelValues(rep.HazardDetected).Inc()
	monitor.RiskScore.Observe(rep.RiskScore)
	s.log.Info("report stored",
		zap.String("video_id", rep.VideoID),
		zap.String("hazard_detected", rep.HazardDetected),
		zap.Float64("risk_score", rep.RiskScore),
		zap.Int("total_unique_potholes", rep.TotalUniquePotholes),
		zap.Int("total_frames", rep.TotalFrames),
	)
	return rep, nil
}

func (s *Service) Find(ctx context.Context, videoID string) (report.Report, error) {
	return s.store.Get(ctx, videoID)
}

// List returns the newest reports first.
func (s *Service) List(ctx context.Context, limit int) ([]report.Report, error) {
	return s.store.List(ctx, limit)
}
