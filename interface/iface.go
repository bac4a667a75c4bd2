package iface

import "gocv.io/x/gocv"

// NamesConf carries the class names of a model, either inline or as a path to
// a newline separated names file.
type NamesConf struct {
	IsFile bool
	Data   any
}

type EngineConfig struct {
	UseGPU       bool
	ModelPath    string
	Names        NamesConf
	Conf         float32
	Iou          float32
	InputSize    int
	InferenceURL string
}

type Position struct {
	X, Y float32
}

type Box struct {
	LT Position
	RT Position
	RB Position
	LB Position
}

// NewBox builds a box from its top-left and bottom-right corners.
func NewBox(x1, y1, x2, y2 float32) Box {
	return Box{
		LT: Position{X: x1, Y: y1},
		RT: Position{X: x2, Y: y1},
		RB: Position{X: x2, Y: y2},
		LB: Position{X: x1, Y: y2},
	}
}

// XYXY returns the corners truncated toward zero, the way frame pixel
// coordinates are reported downstream.
func (b Box) XYXY() (x1, y1, x2, y2 int) {
	return int(b.LT.X), int(b.LT.Y), int(b.RB.X), int(b.RB.Y)
}

func (b Box) Center() Position {
	return Position{
		X: (b.LT.X + b.RB.X) / 2,
		Y: (b.LT.Y + b.RB.Y) / 2,
	}
}

// IoU is the intersection over union of two boxes, 0 when they are disjoint.
func (b Box) IoU(o Box) float64 {
	xA := max(b.LT.X, o.LT.X)
	yA := max(b.LT.Y, o.LT.Y)
	xB := min(b.RB.X, o.RB.X)
	yB := min(b.RB.Y, o.RB.Y)

	inter := float64(max(0, xB-xA)) * float64(max(0, yB-yA))
	areaA := float64(b.RB.X-b.LT.X) * float64(b.RB.Y-b.LT.Y)
	areaB := float64(o.RB.X-o.LT.X) * float64(o.RB.Y-o.LT.Y)
	return inter / (areaA + areaB - inter + 1e-6)
}

// Result is a single detection. TrackID is nil until a tracker has claimed it.
type Result struct {
	Class   string
	Conf    float32
	Box     Box
	Center  Position
	TrackID *int
}

// FrameResult holds the detections of one decoded frame.
type FrameResult struct {
	Index   int
	Width   int
	Height  int
	Results []Result
}

type Backend interface {
	LoadModel(cfg EngineConfig) error
	Detect(image gocv.Mat) ([]Result, error)
	Destroy()
	CheckConfig() EngineConfig
}
