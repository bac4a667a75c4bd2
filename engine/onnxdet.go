package engine

import (
	"fmt"
	"image"
	"os"

	iface "PotholeDetServer/interface"

	"gocv.io/x/gocv"
)

// Detector runs an exported YOLOv8 ONNX model through OpenCV's DNN module.
type Detector struct {
	ModelPath string
	Names     []string
	Conf      float32
	Iou       float32
	InputSize int
	UseGPU    bool
	State     int
	net       gocv.Net
}

func NewDetector() *Detector {
	return &Detector{State: REGISTERED}
}

func (d *Detector) CheckConfig() iface.EngineConfig {
	return iface.EngineConfig{
		ModelPath: d.ModelPath,
		Names:     iface.NamesConf{IsFile: false, Data: d.Names},
		Conf:      d.Conf,
		Iou:       d.Iou,
		InputSize: d.InputSize,
		UseGPU:    d.UseGPU,
	}
}

func (d *Detector) LoadModel(cfg iface.EngineConfig) error {
	if d.State == UNREGISTERED {
		return ErrNotRegistered
	}
	if len(cfg.ModelPath) < 5 || cfg.ModelPath[len(cfg.ModelPath)-5:] != ".onnx" {
		return fmt.Errorf("onnx.LoadModel only supports .onnx, got %q", cfg.ModelPath)
	}
	if cfg.InputSize <= 0 {
		return fmt.Errorf("input size must be positive, got %d", cfg.InputSize)
	}
	names, err := resolveNames(cfg.Names)
	if err != nil {
		return fmt.Errorf("load names: %w", err)
	}

	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return fmt.Errorf("model file: %w", err)
	}
	net := gocv.ReadNetFromONNX(cfg.ModelPath)
	if net.Empty() {
		return fmt.Errorf("failed to read onnx model %s", cfg.ModelPath)
	}
	if cfg.UseGPU {
		if err := net.SetPreferableBackend(gocv.NetBackendCUDA); err != nil {
			net.Close()
			return fmt.Errorf("set cuda backend: %w", err)
		}
		if err := net.SetPreferableTarget(gocv.NetTargetCUDA); err != nil {
			net.Close()
			return fmt.Errorf("set cuda target: %w", err)
		}
	}
	if d.State == IDLE {
		d.net.Close()
	}

	d.net = net
	d.ModelPath = cfg.ModelPath
	d.Names = names
	d.Conf = cfg.Conf
	d.Iou = cfg.Iou
	d.InputSize = cfg.InputSize
	d.UseGPU = cfg.UseGPU
	d.State = IDLE
	return nil
}

func (d *Detector) Destroy() {
	if d.State == IDLE || d.State == BUSY {
		d.net.Close()
	}
	d.ModelPath = ""
	d.Names = nil
	d.Conf = 0
	d.Iou = 0
	d.UseGPU = false
	d.State = UNREGISTERED
}

func (d *Detector) Detect(img gocv.Mat) ([]iface.Result, error) {
	switch d.State {
	case UNREGISTERED:
		return nil, ErrNotRegistered
	case REGISTERED:
		return nil, ErrNotLoaded
	case BUSY:
		return nil, ErrBusy
	}
	if img.Empty() {
		return nil, ErrEmptyImage
	}
	d.State = BUSY
	defer func() { d.State = IDLE }()

	size := d.InputSize
	blob := gocv.BlobFromImage(img, 1.0/255.0, image.Pt(size, size), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()
	d.net.SetInput(blob, "")
	out := d.net.Forward("")
	defer out.Close()

	data, err := out.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("read model output: %w", err)
	}
	width, height := img.Cols(), img.Rows()
	cands := decodeYOLOv8(data, out.Size(), d.Conf,
		float32(width)/float32(size), float32(height)/float32(size), width, height)
	if len(cands) == 0 {
		return []iface.Result{}, nil
	}

	rects := make([]image.Rectangle, len(cands))
	scores := make([]float32, len(cands))
	for i, c := range cands {
		rects[i] = c.rect
		scores[i] = c.score
	}
	keep := gocv.NMSBoxes(rects, scores, d.Conf, d.Iou)

	results := make([]iface.Result, 0, len(keep))
	for _, i := range keep {
		c := cands[i]
		box := iface.NewBox(c.x1, c.y1, c.x2, c.y2)
		results = append(results, iface.Result{
			Class:  className(d.Names, c.class),
			Conf:   c.score,
			Box:    box,
			Center: box.Center(),
		})
	}
	return results, nil
}
