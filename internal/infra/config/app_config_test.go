package config

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "broker.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	cfg, loaded, err := LoadOrDefault(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.False(t, loaded)
	require.Equal(t, Default(), cfg)

	cfg, loaded, err = LoadOrDefault(context.Background(), "")
	require.NoError(t, err)
	require.False(t, loaded)
	require.Equal(t, ":50051", cfg.Server.Addr)
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.True(t, cfg.Broker.DropByDefault)
	require.Equal(t, ReleaseOnAck, cfg.Broker.ReleasePolicy)
	require.Equal(t, defaultFanoutWorkers, cfg.Broker.FanoutWorkerCount())
}

func TestLoadFromYAML(t *testing.T) {
	path := writeConfig(t, `
environment: PROD
server:
  addr: " 127.0.0.1:6000 "
  rateLimit: 50
broker:
  dropByDefault: false
  fanoutWorkers: 8
  releasePolicy: Collect
  streamPollInterval: 250ms
segments:
  dir: /tmp/segments/
  prefix: demo_
logging:
  level: Info
telemetry:
  enabled: true
  otlpEndpoint: collector:4318
  serviceName: broker-prod
`)

	cfg, loaded, err := LoadOrDefault(context.Background(), path)
	require.NoError(t, err)
	require.True(t, loaded)

	require.Equal(t, EnvProd, cfg.Environment)
	require.Equal(t, "127.0.0.1:6000", cfg.Server.Addr)
	require.Equal(t, 5*time.Second, cfg.Server.ReadHeaderTimeout)
	require.Equal(t, 50, cfg.Server.RateBurst)
	require.False(t, cfg.Broker.DropByDefault)
	require.Equal(t, 8, cfg.Broker.FanoutWorkerCount())
	require.Equal(t, ReleaseOnCollect, cfg.Broker.ReleasePolicy)
	require.Equal(t, 250*time.Millisecond, cfg.Broker.StreamPollInterval)
	require.Equal(t, "/tmp/segments", cfg.Segments.Dir)
	require.Equal(t, "demo_", cfg.Segments.Prefix)
	require.Equal(t, "info", cfg.Logging.Level)
	require.True(t, cfg.Telemetry.Enabled)
	require.True(t, cfg.Telemetry.OTLPInsecure, "unset keys keep defaults")
}

func TestFanoutWorkersAuto(t *testing.T) {
	path := writeConfig(t, "broker:\n  fanoutWorkers: auto\n")
	cfg, err := Load(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, runtime.NumCPU(), cfg.Broker.FanoutWorkerCount())
	require.Equal(t, 3, BrokerConfig{FanoutWorkers: FanoutWorkers(3)}.FanoutWorkerCount())
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"environment":   "environment: qa\n",
		"fanoutWorkers": "broker:\n  fanoutWorkers: -1\n",
		"fanoutText":    "broker:\n  fanoutWorkers: lots\n",
		"releasePolicy": "broker:\n  releasePolicy: never\n",
		"logLevel":      "logging:\n  level: trace\n",
		"prefix":        "segments:\n  prefix: a/b\n",
		"rateLimit":     "server:\n  rateLimit: -2\n",
		"telemetry":     "telemetry:\n  enabled: true\n  serviceName: ''\n",
		"addr":          "server:\n  addr: ''\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(context.Background(), writeConfig(t, body))
			require.Error(t, err)
		})
	}
}
