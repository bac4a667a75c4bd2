package engine

import (
	"image"
)

type candidate struct {
	rect  image.Rectangle
	x1    float32
	y1    float32
	x2    float32
	y2    float32
	score float32
	class int
}

// decodeYOLOv8 reads a YOLOv8 detection head of shape [1, 4+nc, N] (or the
// transposed [1, N, 4+nc]) holding cx, cy, w, h followed by per-class scores.
// Boxes are scaled from model input space to the frame and clipped to it.
func decodeYOLOv8(data []float32, dims []int, conf, scaleX, scaleY float32, width, height int) []candidate {
	if len(dims) != 3 {
		return nil
	}
	rows, cols := dims[1], dims[2]
	transposed := rows > cols
	attrs, anchors := rows, cols
	if transposed {
		attrs, anchors = cols, rows
	}
	if attrs < 5 || len(data) < attrs*anchors {
		return nil
	}
	at := func(attr, anchor int) float32 {
		if transposed {
			return data[anchor*attrs+attr]
		}
		return data[attr*anchors+anchor]
	}

	w, h := float32(width), float32(height)
	var out []candidate
	for j := 0; j < anchors; j++ {
		best, bestScore := -1, float32(0)
		for c := 4; c < attrs; c++ {
			if s := at(c, j); s > bestScore {
				best, bestScore = c-4, s
			}
		}
		if best < 0 || bestScore < conf {
			continue
		}
		cx, cy, bw, bh := at(0, j), at(1, j), at(2, j), at(3, j)
		x1 := clamp((cx-bw/2)*scaleX, 0, w)
		y1 := clamp((cy-bh/2)*scaleY, 0, h)
		x2 := clamp((cx+bw/2)*scaleX, 0, w)
		y2 := clamp((cy+bh/2)*scaleY, 0, h)
		if x2 <= x1 || y2 <= y1 {
			continue
		}
		out = append(out, candidate{
			rect:  image.Rect(int(x1), int(y1), int(x2), int(y2)),
			x1:    x1,
			y1:    y1,
			x2:    x2,
			y2:    y2,
			score: bestScore,
			class: best,
		})
	}
	return out
}

func clamp(v, lo, hi float32) float32 {
	return min(max(v, lo), hi)
}
