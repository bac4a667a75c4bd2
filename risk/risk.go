// Package risk aggregates tracked detections over the frames of a video into
// a bounded risk score and a count of distinct hazards.
package risk

import (
	"errors"
	"math"

	iface "PotholeDetServer/interface"
)

var ErrNoFrames = errors.New("risk: video produced no frames")

const maxScore = 100.0

type Summary struct {
	Frames        int
	TotalRisk     float64
	RiskScore     float64
	UniqueHazards int
	TrackIDs      []int
}

func (s Summary) HazardDetected() bool {
	return s.UniqueHazards > 0
}

// Accumulator is fed one frame at a time. It is not safe for concurrent use.
type Accumulator struct {
	hazardClass string
	frames      int
	totalRisk   float64
	seen        map[int]struct{}
	order       []int
}

// NewAccumulator counts only detections of hazardClass; an empty class counts
// every detection.
func NewAccumulator(hazardClass string) *Accumulator {
	return &Accumulator{
		hazardClass: hazardClass,
		seen:        make(map[int]struct{}),
	}
}

// AddFrame folds one frame into the running totals and returns the risk the
// frame contributed.
func (a *Accumulator) AddFrame(frame iface.FrameResult) float64 {
	a.frames++
	frameArea := float64(frame.Width) * float64(frame.Height)
	contributed := 0.0
	for _, res := range frame.Results {
		if a.hazardClass != "" && res.Class != a.hazardClass {
			continue
		}
		if res.TrackID != nil {
			if _, ok := a.seen[*res.TrackID]; !ok {
				a.seen[*res.TrackID] = struct{}{}
				a.order = append(a.order, *res.TrackID)
			}
		}
		if frameArea <= 0 {
			continue
		}
		x1, y1, x2, y2 := res.Box.XYXY()
		area := (x2 - x1) * (y2 - y1)
		contributed += float64(area) / frameArea
	}
	a.totalRisk += contributed
	return contributed
}

func (a *Accumulator) Frames() int {
	return a.frames
}

// Summary computes the score over every frame added so far.
func (a *Accumulator) Summary() (Summary, error) {
	if a.frames == 0 {
		return Summary{}, ErrNoFrames
	}
	ids := make([]int, len(a.order))
	copy(ids, a.order)
	return Summary{
		Frames:        a.frames,
		TotalRisk:     a.totalRisk,
		RiskScore:     Score(a.totalRisk, a.frames),
		UniqueHazards: len(ids),
		TrackIDs:      ids,
	}, nil
}

// Score is the mean normalized hazard area per frame as a percentage,
// capped at 100. frames must be positive.
func Score(totalRisk float64, frames int) float64 {
	return math.Min(totalRisk/float64(frames)*100, maxScore)
}

// Round2 rounds to two decimals.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
