package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Defaults(t *testing.T) {
	t.Setenv(EnvPort, "")
	t.Setenv(EnvStoreBackend, "")
	t.Setenv(EnvFirebaseKeyJSON, `{"project_id":"demo"}`)

	cfg, err := Parse(nil)
	require.NoError(t, err)

	assert.Equal(t, 5000, cfg.HTTPPort)
	assert.Equal(t, 1, cfg.WorkersNum)
	assert.Equal(t, int64(1024*1024*1024), cfg.MaxUploadBytes())
	assert.Equal(t, "pothole", cfg.HazardClass)
	assert.Equal(t, []string{"pothole"}, cfg.Engine.Names)
	assert.Equal(t, float32(0.1), cfg.Engine.Conf)
	assert.LessOrEqual(t, cfg.Engine.Conf, cfg.Tracker.LowThresh)
	assert.Equal(t, float32(0.7), cfg.Engine.Iou)
	assert.Equal(t, 640, cfg.Engine.InputSize)
	assert.Equal(t, 30, cfg.Tracker.TrackBuffer)
	assert.Equal(t, 0.8, cfg.Tracker.MatchThresh)
	assert.Equal(t, 0.7, cfg.Tracker.UnconfirmedMatchThresh)
	assert.Equal(t, "firestore", cfg.Store.Backend)
	assert.Equal(t, "reports", cfg.Store.Collection)
	assert.Equal(t, `{"project_id":"demo"}`, cfg.Store.FirebaseKeyJSON)
}

func TestParse_FirestoreNeedsKey(t *testing.T) {
	t.Setenv(EnvFirebaseKeyJSON, "")
	t.Setenv(EnvStoreBackend, "")

	_, err := Parse(nil)
	assert.ErrorContains(t, err, EnvFirebaseKeyJSON)
}

func TestParse_File(t *testing.T) {
	t.Setenv(EnvPort, "")
	t.Setenv(EnvStoreBackend, "")
	data := []byte(`
HTTPPort: 8080
workersNum: 2
maxUploadSize: 10MB
engine:
  backend: remote
  inferenceURL: http://localhost:5001/predict
  conf: 0.4
store:
  backend: sqlite
  sqlitePath: /tmp/reports.db
`)
	cfg, err := Parse(data)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, 2, cfg.WorkersNum)
	assert.Equal(t, int64(10*1024*1024), cfg.MaxUploadBytes())
	assert.Equal(t, "remote", cfg.Engine.Backend)
	assert.Equal(t, float32(0.4), cfg.Engine.Conf)
	assert.Equal(t, "sqlite", cfg.Store.Backend)
	assert.Equal(t, "/tmp/reports.db", cfg.Store.SQLitePath)
}

func TestParse_EnvOverrides(t *testing.T) {
	t.Setenv(EnvPort, "9000")
	t.Setenv(EnvStoreBackend, "memory")

	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.HTTPPort)
	assert.Equal(t, "memory", cfg.Store.Backend)
}

func TestParse_Invalid(t *testing.T) {
	t.Setenv(EnvStoreBackend, "memory")

	tests := []struct {
		name string
		yaml string
		msg  string
	}{
		{"bad size", "maxUploadSize: lots", "maxUploadSize"},
		{"bad conf", "engine:\n  conf: 1.5", "engine.conf"},
		{"remote without url", "engine:\n  backend: remote", "inferenceURL"},
		{"unknown engine", "engine:\n  backend: tflite", "unsupported engine backend"},
		{"bad collection", "store:\n  collection: \"drop table\"", "invalid store collection"},
		{"bad yaml", "HTTPPort: [", "parse config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.ErrorContains(t, err, tt.msg)
		})
	}
}

func TestLoad_ExplicitPath(t *testing.T) {
	t.Setenv(EnvStoreBackend, "memory")
	path := filepath.Join(t.TempDir(), "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("RPCPort: 6000\n"), 0644))
	t.Setenv(EnvConfigPath, path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 6000, cfg.RPCPort)

	t.Setenv(EnvConfigPath, filepath.Join(t.TempDir(), "missing.yaml"))
	_, err = Load()
	assert.Error(t, err)
}
