package detect

import (
	"context"
	"errors"
	"sync"

	iface "PotholeDetServer/interface"
	"PotholeDetServer/report"
	"PotholeDetServer/risk"
	"PotholeDetServer/tracker"
)

var ErrSessionClosed = errors.New("session already finished")

// Session accumulates a stream of frames as if they were one video. The
// session id becomes the report's video id.
type Session struct {
	ID string

	svc  *Service
	mu   sync.Mutex
	trk  *tracker.Tracker
	acc  *risk.Accumulator
	done bool
}

func (s *Service) NewSession() *Session {
	return &Session{
		ID:  s.opts.NewID(),
		svc: s,
		trk: tracker.New(s.opts.Tracker),
		acc: risk.NewAccumulator(s.opts.HazardClass),
	}
}

// Frame detects and tracks one encoded image and returns its tracked results.
func (ss *Session) Frame(ctx context.Context, img []byte) (iface.FrameResult, error) {
	frame, err := ss.svc.analyzer.DetectFrame(ctx, img)
	if err != nil {
		return iface.FrameResult{}, err
	}

	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.done {
		return iface.FrameResult{}, ErrSessionClosed
	}
	frame.Index = ss.acc.Frames()
	frame.Results = ss.trk.Annotate(frame.Results)
	ss.acc.AddFrame(frame)
	return frame, nil
}

func (ss *Session) Frames() int {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.acc.Frames()
}

// Finish scores the frames seen so far and stores the report. It may only
// succeed once.
func (ss *Session) Finish(ctx context.Context) (report.Report, error) {
	ss.mu.Lock()
	if ss.done {
		ss.mu.Unlock()
		return report.Report{}, ErrSessionClosed
	}
	ss.done = true
	summary, err := ss.acc.Summary()
	ss.mu.Unlock()
	if err != nil {
		return report.Report{}, err
	}
	return ss.svc.finish(ctx, ss.ID, summary)
}
