package engine

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"time"

	iface "PotholeDetServer/interface"

	"github.com/go-resty/resty/v2"
	"gocv.io/x/gocv"
)

const remoteTimeout = 30 * time.Second

// Remote posts JPEG encoded frames to an external inference service.
type Remote struct {
	InferenceURL string
	Names        []string
	Conf         float32
	State        int
	client       *resty.Client
}

type remoteDetection struct {
	X1         float32 `json:"x1"`
	Y1         float32 `json:"y1"`
	X2         float32 `json:"x2"`
	Y2         float32 `json:"y2"`
	Confidence float32 `json:"confidence"`
	Class      string  `json:"class"`
	TrackID    *int    `json:"track_id,omitempty"`
}

type remoteResponse struct {
	Detections []remoteDetection `json:"detections"`
}

func NewRemote() *Remote {
	return &Remote{State: REGISTERED}
}

func (r *Remote) CheckConfig() iface.EngineConfig {
	return iface.EngineConfig{
		InferenceURL: r.InferenceURL,
		Names:        iface.NamesConf{IsFile: false, Data: r.Names},
		Conf:         r.Conf,
	}
}

func (r *Remote) LoadModel(cfg iface.EngineConfig) error {
	if r.State == UNREGISTERED {
		return ErrNotRegistered
	}
	if cfg.InferenceURL == "" {
		return fmt.Errorf("remote backend needs an inference url")
	}
	if _, err := url.ParseRequestURI(cfg.InferenceURL); err != nil {
		return fmt.Errorf("invalid inference url: %w", err)
	}
	names, err := resolveNames(cfg.Names)
	if err != nil {
		return fmt.Errorf("load names: %w", err)
	}
	r.InferenceURL = cfg.InferenceURL
	r.Names = names
	r.Conf = cfg.Conf
	r.client = resty.New().SetTimeout(remoteTimeout)
	r.State = IDLE
	return nil
}

func (r *Remote) Destroy() {
	r.InferenceURL = ""
	r.Names = nil
	r.Conf = 0
	r.client = nil
	r.State = UNREGISTERED
}

func (r *Remote) Detect(img gocv.Mat) ([]iface.Result, error) {
	switch r.State {
	case UNREGISTERED:
		return nil, ErrNotRegistered
	case REGISTERED:
		return nil, ErrNotLoaded
	}
	if img.Empty() {
		return nil, ErrEmptyImage
	}
	buf, err := gocv.IMEncode(gocv.JPEGFileExt, img)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	defer buf.Close()
	return r.DetectEncoded(context.Background(), buf.GetBytes())
}

// DetectEncoded sends an already encoded image.
func (r *Remote) DetectEncoded(ctx context.Context, frame []byte) ([]iface.Result, error) {
	if r.State != IDLE {
		return nil, ErrNotLoaded
	}
	var body remoteResponse
	resp, err := r.client.R().
		SetContext(ctx).
		SetFileReader("file", "frame.jpg", bytes.NewReader(frame)).
		SetResult(&body).
		Post(r.InferenceURL)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("inference failed with status: %d", resp.StatusCode())
	}

	results := make([]iface.Result, 0, len(body.Detections))
	for _, det := range body.Detections {
		if det.Confidence < r.Conf {
			continue
		}
		class := det.Class
		if class == "" {
			class = className(r.Names, 0)
		}
		box := iface.NewBox(det.X1, det.Y1, det.X2, det.Y2)
		results = append(results, iface.Result{
			Class:   class,
			Conf:    det.Confidence,
			Box:     box,
			Center:  box.Center(),
			TrackID: det.TrackID,
		})
	}
	return results, nil
}

// CheckHealth calls GET /health on the inference service host.
func (r *Remote) CheckHealth(ctx context.Context) error {
	if r.client == nil {
		return ErrNotLoaded
	}
	u, err := url.Parse(r.InferenceURL)
	if err != nil {
		return err
	}
	health := u.ResolveReference(&url.URL{Path: "/health"})
	resp, err := r.client.R().SetContext(ctx).Get(health.String())
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("ml service unhealthy: %d", resp.StatusCode())
	}
	return nil
}
