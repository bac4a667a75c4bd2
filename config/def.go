package config

import (
	"fmt"
	"os"
	"regexp"
	"runtime"
	"strconv"

	"github.com/docker/go-units"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPath = "config.yaml"

	EnvConfigPath      = "CONFIG_PATH"
	EnvPort            = "PORT"
	EnvFirebaseKeyJSON = "FIREBASE_KEY_JSON"
	EnvStoreBackend    = "STORE_BACKEND"
)

type EngineConfig struct {
	Backend      string   `yaml:"backend"`
	ModelPath    string   `yaml:"modelPath"`
	Names        []string `yaml:"names"`
	NamesFile    string   `yaml:"namesFile"`
	Conf         float32  `yaml:"conf"`
	Iou          float32  `yaml:"iou"`
	InputSize    int      `yaml:"inputSize"`
	UseGPU       bool     `yaml:"useGPU"`
	InferenceURL string   `yaml:"inferenceURL"`
}

type TrackerConfig struct {
	HighThresh     float32 `yaml:"highThresh"`
	LowThresh      float32 `yaml:"lowThresh"`
	NewTrackThresh float32 `yaml:"newTrackThresh"`
	MatchThresh    float64 `yaml:"matchThresh"`
	TrackBuffer    int     `yaml:"trackBuffer"`

	UnconfirmedMatchThresh float64 `yaml:"unconfirmedMatchThresh"`
}

type StoreConfig struct {
	Backend         string `yaml:"backend"`
	Collection      string `yaml:"collection"`
	SQLitePath      string `yaml:"sqlitePath"`
	PostgresDSN     string `yaml:"postgresDSN"`
	ProjectID       string `yaml:"projectID"`
	FirebaseKeyJSON string `yaml:"-"`
}

type Config struct {
	HTTPPort      int           `yaml:"HTTPPort"`
	RPCPort       int           `yaml:"RPCPort"`
	MetricsPort   int           `yaml:"MetricsPort"`
	WorkersNum    int           `yaml:"workersNum"`
	MaxUploadSize string        `yaml:"maxUploadSize"`
	UploadDir     string        `yaml:"uploadDir"`
	HazardClass   string        `yaml:"hazardClass"`
	IdleTimeoutMs int           `yaml:"idleTimeoutMs"`
	Development   bool          `yaml:"development"`
	LogLevel      string        `yaml:"logLevel"`
	UseRegServer  bool          `yaml:"UseRegServer"`
	RegServerPort int           `yaml:"RegServerPort"`
	RegServerHost string        `yaml:"RegServerHost"`
	Engine        EngineConfig  `yaml:"engine"`
	Tracker       TrackerConfig `yaml:"tracker"`
	Store         StoreConfig   `yaml:"store"`

	maxUploadBytes int64
}

var collectionName = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// Load reads the config file named by CONFIG_PATH (or config.yaml) and
// finalizes it. A missing default file is not an error; defaults apply.
func Load() (*Config, error) {
	path := os.Getenv(EnvConfigPath)
	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if explicit || !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		data = nil
	}
	return Parse(data)
}

// Parse decodes YAML bytes, then applies defaults and environment overrides.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Finalize() error {
	c.loadDefaults()
	c.loadEnv()
	return c.validate()
}

// MaxUploadBytes is MaxUploadSize in bytes, valid after Finalize.
func (c *Config) MaxUploadBytes() int64 {
	return c.maxUploadBytes
}

func (c *Config) loadDefaults() {
	if c.HTTPPort == 0 {
		c.HTTPPort = 5000
	}
	if c.RPCPort == 0 {
		c.RPCPort = 50051
	}
	if c.MetricsPort == 0 {
		c.MetricsPort = 50053
	}
	cpuNum := runtime.NumCPU()
	if c.WorkersNum <= 0 {
		zap.L().Warn("invalid workersNum in config, defaulting to 1", zap.Int("workersNum", c.WorkersNum))
		c.WorkersNum = 1
	} else if c.WorkersNum > cpuNum {
		zap.L().Warn("workersNum exceeds CPU cores, which may lead to performance degradation",
			zap.Int("workersNum", c.WorkersNum), zap.Int("cpu", cpuNum))
	}
	if c.MaxUploadSize == "" {
		c.MaxUploadSize = "1GiB"
	}
	if c.UploadDir == "" {
		c.UploadDir = "uploads"
	}
	if c.HazardClass == "" {
		c.HazardClass = "pothole"
	}
	if c.IdleTimeoutMs <= 0 {
		c.IdleTimeoutMs = 5000
	}

	e := &c.Engine
	if e.Backend == "" {
		e.Backend = "onnx"
	}
	if e.ModelPath == "" {
		e.ModelPath = "models/best.onnx"
	}
	if len(e.Names) == 0 && e.NamesFile == "" {
		e.Names = []string{c.HazardClass}
	}
	// tracking needs the low confidence detections for its second stage
	if e.Conf == 0 {
		e.Conf = 0.1
	}
	if e.Iou == 0 {
		e.Iou = 0.7
	}
	if e.InputSize == 0 {
		e.InputSize = 640
	}

	t := &c.Tracker
	if t.HighThresh == 0 {
		t.HighThresh = 0.25
	}
	if t.LowThresh == 0 {
		t.LowThresh = 0.1
	}
	if t.NewTrackThresh == 0 {
		t.NewTrackThresh = 0.25
	}
	if t.MatchThresh == 0 {
		t.MatchThresh = 0.8
	}
	if t.UnconfirmedMatchThresh == 0 {
		t.UnconfirmedMatchThresh = 0.7
	}
	if t.TrackBuffer == 0 {
		t.TrackBuffer = 30
	}

	s := &c.Store
	if s.Backend == "" {
		s.Backend = "firestore"
	}
	if s.Collection == "" {
		s.Collection = "reports"
	}
	if s.SQLitePath == "" {
		s.SQLitePath = "reports.db"
	}
}

func (c *Config) loadEnv() {
	if v := os.Getenv(EnvPort); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.HTTPPort = port
		} else {
			zap.L().Warn("ignoring invalid PORT", zap.String("value", v))
		}
	}
	if v := os.Getenv(EnvStoreBackend); v != "" {
		c.Store.Backend = v
	}
	if v := os.Getenv(EnvFirebaseKeyJSON); v != "" {
		c.Store.FirebaseKeyJSON = v
	}
}

func (c *Config) validate() error {
	size, err := units.RAMInBytes(c.MaxUploadSize)
	if err != nil {
		return fmt.Errorf("invalid maxUploadSize: %w", err)
	}
	if size <= 0 {
		return fmt.Errorf("maxUploadSize must be positive")
	}
	c.maxUploadBytes = size

	for _, v := range []struct {
		name  string
		value float32
	}{
		{"engine.conf", c.Engine.Conf},
		{"engine.iou", c.Engine.Iou},
		{"tracker.highThresh", c.Tracker.HighThresh},
		{"tracker.lowThresh", c.Tracker.LowThresh},
		{"tracker.newTrackThresh", c.Tracker.NewTrackThresh},
	} {
		if v.value < 0 || v.value > 1 {
			return fmt.Errorf("%s must be between 0.0 and 1.0, got %f", v.name, v.value)
		}
	}
	if c.Tracker.MatchThresh < 0 || c.Tracker.MatchThresh > 1 {
		return fmt.Errorf("tracker.matchThresh must be between 0.0 and 1.0, got %f", c.Tracker.MatchThresh)
	}
	if c.Tracker.UnconfirmedMatchThresh < 0 || c.Tracker.UnconfirmedMatchThresh > 1 {
		return fmt.Errorf("tracker.unconfirmedMatchThresh must be between 0.0 and 1.0, got %f", c.Tracker.UnconfirmedMatchThresh)
	}

	switch c.Engine.Backend {
	case "onnx":
	case "remote":
		if c.Engine.InferenceURL == "" {
			return fmt.Errorf("engine.inferenceURL required for remote backend")
		}
	default:
		return fmt.Errorf("unsupported engine backend: %s", c.Engine.Backend)
	}

	switch c.Store.Backend {
	case "memory", "sqlite":
	case "postgres":
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("store.postgresDSN required for postgres backend")
		}
	case "firestore":
		if c.Store.FirebaseKeyJSON == "" {
			return fmt.Errorf("%s environment variable not set", EnvFirebaseKeyJSON)
		}
	default:
		return fmt.Errorf("unsupported store backend: %s", c.Store.Backend)
	}
	if !collectionName.MatchString(c.Store.Collection) {
		return fmt.Errorf("invalid store collection %q", c.Store.Collection)
	}
	return nil
}
