// Package report defines the hazard report document written for every
// analyzed video.
package report

import (
	"time"

	"PotholeDetServer/risk"
)

const (
	HazardPothole = "pothole"
	HazardNone    = "none"

	// TimestampLayout is UTC without a zone suffix.
	TimestampLayout = "2006-01-02T15:04:05.000000"
)

type Report struct {
	VideoID             string  `json:"video_id" firestore:"video_id"`
	Timestamp           string  `json:"timestamp" firestore:"timestamp"`
	HazardDetected      string  `json:"hazard_detected" firestore:"hazard_detected"`
	RiskScore           float64 `json:"risk_score" firestore:"risk_score"`
	TotalUniquePotholes int     `json:"total_unique_potholes" firestore:"total_unique_potholes"`
	TotalFrames         int     `json:"total_frames" firestore:"total_frames"`
}

// New builds the report for videoID from an aggregated summary.
func New(videoID string, at time.Time, s risk.Summary) Report {
	hazard := HazardNone
	if s.HazardDetected() {
		hazard = HazardPothole
	}
	return Report{
		VideoID:             videoID,
		Timestamp:           at.UTC().Format(TimestampLayout),
		HazardDetected:      hazard,
		RiskScore:           risk.Round2(s.RiskScore),
		TotalUniquePotholes: s.UniqueHazards,
		TotalFrames:         s.Frames,
	}
}

// Time parses Timestamp back, the zero time when it is malformed.
func (r Report) Time() time.Time {
	t, err := time.ParseInLocation(TimestampLayout, r.Timestamp, time.UTC)
	if err != nil {
		return time.Time{}
	}
	return t
}
