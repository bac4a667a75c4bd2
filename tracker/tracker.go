// Package tracker associates per-frame detections into tracks with stable
// integer ids using two stage IoU matching.
package tracker

import (
	"sort"

	iface "PotholeDetServer/interface"
)

const lowMatchIoU = 0.5

type Config struct {
	HighThresh     float32
	LowThresh      float32
	NewTrackThresh float32
	// MatchThresh is the largest accepted 1-IoU cost for the first stage.
	MatchThresh float64
	// UnconfirmedMatchThresh is the cost limit for tracks not yet activated.
	UnconfirmedMatchThresh float64
	TrackBuffer            int
}

func DefaultConfig() Config {
	return Config{
		HighThresh:             0.25,
		LowThresh:              0.1,
		NewTrackThresh:         0.25,
		MatchThresh:            0.8,
		UnconfirmedMatchThresh: 0.7,
		TrackBuffer:            30,
	}
}

type state int

const (
	tracked state = iota
	lost
)

type track struct {
	id        int
	box       iface.Box
	class     string
	state     state
	activated bool
	hits      int
	lastFrame int
}

type Tracker struct {
	cfg    Config
	frame  int
	nextID int
	tracks []*track
}

func New(cfg Config) *Tracker {
	return &Tracker{cfg: cfg, nextID: 1}
}

// Update consumes the detections of the next frame and returns those that
// belong to activated tracks, with TrackID set. Input order is preserved.
func (t *Tracker) Update(dets []iface.Result) []iface.Result {
	t.frame++

	var high, low []int
	for i, d := range dets {
		switch {
		case d.Conf >= t.cfg.HighThresh:
			high = append(high, i)
		case d.Conf >= t.cfg.LowThresh:
			low = append(low, i)
		}
	}

	var confirmed, unconfirmed []*track
	for _, tr := range t.tracks {
		if tr.activated {
			confirmed = append(confirmed, tr)
		} else {
			unconfirmed = append(unconfirmed, tr)
		}
	}

	owner := make(map[int]*track)

	matched, freeTracks, freeHigh := match(confirmed, dets, high, 1-t.cfg.MatchThresh)
	for di, tr := range matched {
		owner[di] = tr
	}

	var stillTracked []*track
	for _, tr := range freeTracks {
		if tr.state == tracked {
			stillTracked = append(stillTracked, tr)
		}
	}
	matched, missed, _ := match(stillTracked, dets, low, lowMatchIoU)
	for di, tr := range matched {
		owner[di] = tr
	}
	missedSet := make(map[*track]bool)
	for _, tr := range freeTracks {
		if tr.state == lost {
			missedSet[tr] = true
		}
	}
	for _, tr := range missed {
		missedSet[tr] = true
	}

	matched, deadUnconfirmed, freeHigh := match(unconfirmed, dets, freeHigh, 1-t.cfg.UnconfirmedMatchThresh)
	for di, tr := range matched {
		owner[di] = tr
	}

	for di, tr := range owner {
		tr.box = dets[di].Box
		tr.class = dets[di].Class
		tr.state = tracked
		tr.hits++
		tr.lastFrame = t.frame
		if !tr.activated && tr.hits >= 2 {
			tr.activated = true
		}
	}

	dead := make(map[*track]bool)
	for _, tr := range deadUnconfirmed {
		dead[tr] = true
	}
	for tr := range missedSet {
		tr.state = lost
		if t.frame-tr.lastFrame > t.cfg.TrackBuffer {
			dead[tr] = true
		}
	}

	for _, di := range freeHigh {
		if dets[di].Conf < t.cfg.NewTrackThresh {
			continue
		}
		tr := &track{
			id:        t.nextID,
			box:       dets[di].Box,
			class:     dets[di].Class,
			state:     tracked,
			activated: t.frame == 1,
			hits:      1,
			lastFrame: t.frame,
		}
		t.nextID++
		t.tracks = append(t.tracks, tr)
		owner[di] = tr
	}

	alive := t.tracks[:0]
	for _, tr := range t.tracks {
		if !dead[tr] {
			alive = append(alive, tr)
		}
	}
	t.tracks = alive

	out := make([]iface.Result, 0, len(owner))
	for i, d := range dets {
		tr, ok := owner[i]
		if !ok || !tr.activated || dead[tr] {
			continue
		}
		id := tr.id
		d.TrackID = &id
		out = append(out, d)
	}
	return out
}

// Annotate advances the tracker by one frame and returns the detections the
// frame is scored with: the tracked ones when at least one track is active,
// otherwise the raw detections without ids. Detections that already carry
// ids, as from a backend that tracks on its own, are returned unchanged and
// the tracker is left alone.
func (t *Tracker) Annotate(dets []iface.Result) []iface.Result {
	for _, d := range dets {
		if d.TrackID != nil {
			return append([]iface.Result(nil), dets...)
		}
	}
	out := t.Update(dets)
	if len(out) > 0 || len(dets) == 0 {
		return out
	}
	raw := make([]iface.Result, len(dets))
	for i, d := range dets {
		d.TrackID = nil
		raw[i] = d
	}
	return raw
}

// Active is the number of tracks currently held, lost ones included.
func (t *Tracker) Active() int {
	return len(t.tracks)
}

type pair struct {
	track *track
	det   int
	iou   float64
}

// match greedily pairs tracks and detections by descending IoU, accepting
// pairs with IoU >= minIoU. It returns the detection->track assignment, the
// unmatched tracks and the unmatched detection indices.
func match(tracks []*track, dets []iface.Result, idx []int, minIoU float64) (map[int]*track, []*track, []int) {
	var pairs []pair
	for _, tr := range tracks {
		for _, di := range idx {
			iou := tr.box.IoU(dets[di].Box)
			if iou >= minIoU && iou > 0 {
				pairs = append(pairs, pair{track: tr, det: di, iou: iou})
			}
		}
	}
	sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].iou > pairs[j].iou })

	assigned := make(map[int]*track)
	usedTrack := make(map[*track]bool)
	for _, p := range pairs {
		if usedTrack[p.track] {
			continue
		}
		if _, ok := assigned[p.det]; ok {
			continue
		}
		assigned[p.det] = p.track
		usedTrack[p.track] = true
	}

	var freeTracks []*track
	for _, tr := range tracks {
		if !usedTrack[tr] {
			freeTracks = append(freeTracks, tr)
		}
	}
	var freeDets []int
	for _, di := range idx {
		if _, ok := assigned[di]; !ok {
			freeDets = append(freeDets, di)
		}
	}
	return assigned, freeTracks, freeDets
}
