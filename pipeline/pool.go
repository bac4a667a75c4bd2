// Package pipeline runs detection backends on a fixed set of OS-thread bound
// workers. Each worker owns its own loaded backend; callers hand work over a
// bounded queue.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"PotholeDetServer/engine"
	iface "PotholeDetServer/interface"
	"PotholeDetServer/monitor"
	"PotholeDetServer/risk"
	"PotholeDetServer/tracker"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

var (
	ErrClosed    = errors.New("pipeline: pool closed")
	ErrOpenVideo = errors.New("pipeline: cannot open video")
	ErrDecode    = errors.New("pipeline: decoded image is empty or unsupported format")
)

// FrameSource yields decoded frames until Read reports false.
type FrameSource interface {
	Read(m *gocv.Mat) bool
	Close() error
}

// OpenVideo opens a video file for frame by frame reading.
var OpenVideo = func(path string) (FrameSource, error) {
	vc, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return nil, err
	}
	if !vc.IsOpened() {
		_ = vc.Close()
		return nil, fmt.Errorf("capture not opened for %s", path)
	}
	return vc, nil
}

type healthChecker interface {
	CheckHealth(ctx context.Context) error
}

type Options struct {
	Workers     int
	Factory     engine.Factory
	Engine      iface.EngineConfig
	Tracker     tracker.Config
	HazardClass string
}

type jobPackage struct {
	ctx    context.Context
	path   string
	image  []byte
	result chan jobResult
}

type jobResult struct {
	summary risk.Summary
	frame   iface.FrameResult
	err     error
}

type Pool struct {
	opts     Options
	log      *zap.Logger
	jobs     chan jobPackage
	quit     chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
	backends []iface.Backend
}

// New loads one backend per worker and starts the workers. A backend that
// fails to load aborts the whole pool.
func New(opts Options, log *zap.Logger) (*Pool, error) {
	if opts.Factory == nil {
		return nil, errors.New("pipeline: no backend factory")
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	p := &Pool{
		opts: opts,
		log:  log,
		jobs: make(chan jobPackage, opts.Workers),
		quit: make(chan struct{}),
	}
	for i := 0; i < opts.Workers; i++ {
		b := opts.Factory()
		if err := b.LoadModel(opts.Engine); err != nil {
			for _, loaded := range p.backends {
				loaded.Destroy()
			}
			return nil, fmt.Errorf("load backend for worker %d: %w", i, err)
		}
		if hc, ok := b.(healthChecker); ok {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := hc.CheckHealth(ctx); err != nil {
				log.Warn("inference service not healthy yet", zap.Int("worker", i), zap.Error(err))
			}
			cancel()
		}
		if opts.Engine.UseGPU {
			p.warmUp(i, b)
		}
		p.backends = append(p.backends, b)
	}
	for i, b := range p.backends {
		p.wg.Add(1)
		go p.runWorker(i, b)
	}
	return p, nil
}

func (p *Pool) warmUp(workerID int, b iface.Backend) {
	p.log.Info("Using GPU, warming up", zap.Int("worker", workerID))
	warmMat := gocv.NewMatWithSize(32, 32, gocv.MatTypeCV8UC3) // 小黑图，非空
	defer warmMat.Close()
	for i := 0; i < 3; i++ {
		// 防止 Detect 内部 panic 导致服务崩溃，保护性调用
		func() {
			defer func() {
				if r := recover(); r != nil {
					p.log.Warn("panic during warmup detect", zap.Any("panic", r))
				}
			}()
			_, _ = b.Detect(warmMat)
		}()
	}
	p.log.Info("Warm up finished", zap.Int("worker", workerID))
}

func (p *Pool) runWorker(workerID int, b iface.Backend) {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("worker panic, restarting in 1s", zap.Int("worker", workerID), zap.Any("panic", r))
			select {
			case <-p.quit:
				return
			case <-time.After(1 * time.Second):
			}
			p.wg.Add(1)
			go p.runWorker(workerID, b)
		}
	}()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	p.log.Debug("worker started", zap.Int("worker", workerID))
	for {
		select {
		case <-p.quit:
			return
		case job := <-p.jobs:
			p.handle(job, b)
		}
	}
}

// handle answers the job even when the backend panics, then lets the panic
// restart the worker.
func (p *Pool) handle(job jobPackage, b iface.Backend) {
	defer func() {
		if r := recover(); r != nil {
			job.result <- jobResult{err: fmt.Errorf("worker panic: %v", r)}
			panic(r)
		}
	}()
	if job.image != nil {
		frame, err := detectFrame(b, job.image)
		job.result <- jobResult{frame: frame, err: err}
		return
	}
	summary, err := p.analyze(job.ctx, b, job.path)
	job.result <- jobResult{summary: summary, err: err}
}

func (p *Pool) submit(ctx context.Context, job jobPackage) (jobResult, error) {
	job.ctx = ctx
	job.result = make(chan jobResult, 1)
	select {
	case <-p.quit:
		return jobResult{}, ErrClosed
	default:
	}
	select {
	case <-p.quit:
		return jobResult{}, ErrClosed
	case <-ctx.Done():
		return jobResult{}, ctx.Err()
	case p.jobs <- job:
	}
	select {
	case r := <-job.result:
		return r, r.err
	case <-ctx.Done():
		return jobResult{}, ctx.Err()
	}
}

// Analyze runs the model with a fresh tracker over every frame of the video
// at path and aggregates the risk summary.
func (p *Pool) Analyze(ctx context.Context, path string) (risk.Summary, error) {
	start := time.Now()
	r, err := p.submit(ctx, jobPackage{path: path})
	if err != nil {
		return risk.Summary{}, err
	}
	monitor.AnalyzeSeconds.Observe(time.Since(start).Seconds())
	return r.summary, nil
}

// DetectFrame decodes one encoded image and runs the model on it. Results
// are not tracked here; sessions track across frames.
func (p *Pool) DetectFrame(ctx context.Context, img []byte) (iface.FrameResult, error) {
	if len(img) == 0 {
		return iface.FrameResult{}, ErrDecode
	}
	r, err := p.submit(ctx, jobPackage{image: img})
	if err != nil {
		return iface.FrameResult{}, err
	}
	return r.frame, nil
}

func (p *Pool) analyze(ctx context.Context, b iface.Backend, path string) (risk.Summary, error) {
	src, err := OpenVideo(path)
	if err != nil {
		return risk.Summary{}, fmt.Errorf("%w: %v", ErrOpenVideo, err)
	}
	defer src.Close()

	trk := tracker.New(p.opts.Tracker)
	acc := risk.NewAccumulator(p.opts.HazardClass)
	mat := gocv.NewMat()
	defer mat.Close()
	for idx := 0; ; {
		if err := ctx.Err(); err != nil {
			return risk.Summary{}, err
		}
		if !src.Read(&mat) {
			break
		}
		if mat.Empty() {
			continue
		}
		dets, err := b.Detect(mat)
		if err != nil {
			return risk.Summary{}, fmt.Errorf("detect frame %d: %w", idx, err)
		}
		acc.AddFrame(iface.FrameResult{
			Index:   idx,
			Width:   mat.Cols(),
			Height:  mat.Rows(),
			Results: trk.Annotate(dets),
		})
		monitor.FramesTotal.Inc()
		idx++
	}
	p.log.Debug("video analyzed", zap.String("path", path), zap.Int("frames", acc.Frames()))
	return acc.Summary()
}

// ByteToMat decodes an encoded image into a colour Mat.
func ByteToMat(img []byte) (gocv.Mat, error) {
	mat, err := gocv.IMDecode(img, gocv.IMReadColor)
	if err != nil {
		return gocv.NewMat(), err
	}
	if mat.Empty() {
		// IMDecode 返回空 Mat 表示解码失败
		_ = mat.Close()
		return gocv.NewMat(), ErrDecode
	}
	return mat, nil
}

func detectFrame(b iface.Backend, img []byte) (iface.FrameResult, error) {
	mat, err := ByteToMat(img)
	defer mat.Close()
	if err != nil {
		return iface.FrameResult{}, err
	}
	dets, err := b.Detect(mat)
	if err != nil {
		return iface.FrameResult{}, err
	}
	monitor.FramesTotal.Inc()
	return iface.FrameResult{Width: mat.Cols(), Height: mat.Rows(), Results: dets}, nil
}

// Close stops the workers and releases every backend.
func (p *Pool) Close() {
	p.once.Do(func() {
		close(p.quit)
		p.wg.Wait()
		for _, b := range p.backends {
			b.Destroy()
		}
	})
}
