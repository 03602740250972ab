// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig configures the HTTP control plane.
type ServerConfig struct {
	Addr              string        `yaml:"addr"`
	ReadHeaderTimeout time.Duration `yaml:"readHeaderTimeout"`
	// RateLimit is the sustained request rate per second; 0 disables limiting.
	RateLimit float64 `yaml:"rateLimit"`
	RateBurst int     `yaml:"rateBurst"`
}

type fanoutWorkerKind int

const (
	fanoutWorkerUnset fanoutWorkerKind = iota
	fanoutWorkerExplicit
	fanoutWorkerAuto
	fanoutWorkerDefault
)

const defaultFanoutWorkers = 4

// FanoutWorkerSetting encapsulates the fanout worker configuration allowing both numeric and symbolic values.
type FanoutWorkerSetting struct {
	kind  fanoutWorkerKind
	value int
}

// FanoutWorkers returns an explicit worker setting.
func FanoutWorkers(n int) FanoutWorkerSetting {
	return FanoutWorkerSetting{kind: fanoutWorkerExplicit, value: n}
}

// UnmarshalYAML supports integer, "auto", and "default" values for fanout workers.
func (s *FanoutWorkerSetting) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = FanoutWorkerSetting{kind: fanoutWorkerUnset, value: 0}
		return nil
	}

	text := strings.TrimSpace(node.Value)
	if text == "" {
		s.kind = fanoutWorkerUnset
		s.value = 0
		return nil
	}

	switch strings.ToLower(text) {
	case "auto":
		s.kind = fanoutWorkerAuto
		s.value = 0
		return nil
	case "default":
		s.kind = fanoutWorkerDefault
		s.value = 0
		return nil
	}

	val, err := strconv.Atoi(text)
	if err != nil {
		return fmt.Errorf("fanoutWorkers: invalid value %q", node.Value)
	}
	if val <= 0 {
		return fmt.Errorf("fanoutWorkers: numeric value must be > 0")
	}
	s.kind = fanoutWorkerExplicit
	s.value = val
	return nil
}

// resolve returns the effective worker count derived from the setting.
func (s FanoutWorkerSetting) resolve() int {
	switch s.kind {
	case fanoutWorkerExplicit:
		return s.value
	case fanoutWorkerAuto:
		if cores := runtime.NumCPU(); cores > 0 {
			return cores
		}
		return defaultFanoutWorkers
	default:
		return defaultFanoutWorkers
	}
}

// BrokerConfig tunes topic and queue behaviour.
type BrokerConfig struct {
	// DropByDefault is the policy for topics registered without an explicit one.
	DropByDefault      bool                `yaml:"dropByDefault"`
	FanoutWorkers      FanoutWorkerSetting `yaml:"fanoutWorkers"`
	ReleasePolicy      ReleasePolicy       `yaml:"releasePolicy"`
	StreamPollInterval time.Duration       `yaml:"streamPollInterval"`
}

// FanoutWorkerCount returns the resolved worker count for use by runtime components.
func (c BrokerConfig) FanoutWorkerCount() int {
	return c.FanoutWorkers.resolve()
}

// SegmentsConfig locates shared-memory segments.
type SegmentsConfig struct {
	Dir    string `yaml:"dir"`
	Prefix string `yaml:"prefix"`
}

// LoggingConfig sets the minimum log level.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	OTLPInsecure bool   `yaml:"otlpInsecure"`
	ServiceName  string `yaml:"serviceName"`
}

// AppConfig is the unified broker configuration sourced from YAML.
type AppConfig struct {
	Environment Environment     `yaml:"environment"`
	Server      ServerConfig    `yaml:"server"`
	Broker      BrokerConfig    `yaml:"broker"`
	Segments    SegmentsConfig  `yaml:"segments"`
	Logging     LoggingConfig   `yaml:"logging"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
}

// Default returns the configuration used when no file is supplied.
func Default() AppConfig {
	return AppConfig{
		Environment: EnvDev,
		Server: ServerConfig{
			Addr:              ":50051",
			ReadHeaderTimeout: 5 * time.Second,
		},
		Broker: BrokerConfig{
			DropByDefault:      true,
			FanoutWorkers:      FanoutWorkerSetting{kind: fanoutWorkerDefault},
			ReleasePolicy:      ReleaseOnAck,
			StreamPollInterval: time.Second,
		},
		Segments: SegmentsConfig{
			Dir:    "/dev/shm",
			Prefix: "shmbroker_",
		},
		Logging: LoggingConfig{Level: "error"},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: "localhost:4318",
			OTLPInsecure: true,
			ServiceName:  "shmbroker",
		},
	}
}

// Load reads and validates an AppConfig from the provided YAML file. Keys
// absent from the file keep their Default values.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.normalise(); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// LoadOrDefault behaves like Load but falls back to Default when the file
// does not exist. loaded reports whether a file was read.
func LoadOrDefault(ctx context.Context, configPath string) (cfg AppConfig, loaded bool, err error) {
	if strings.TrimSpace(configPath) == "" {
		return Default(), false, nil
	}
	cfg, err = Load(ctx, configPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Default(), false, nil
		}
		return AppConfig{}, false, err
	}
	return cfg, true, nil
}

func (c *AppConfig) normalise() error {
	c.Environment = Environment(normalizeToken(string(c.Environment)))
	if c.Environment == "" {
		c.Environment = EnvDev
	}

	c.Server.Addr = strings.TrimSpace(c.Server.Addr)
	if c.Server.ReadHeaderTimeout <= 0 {
		c.Server.ReadHeaderTimeout = 5 * time.Second
	}
	if c.Server.RateLimit > 0 && c.Server.RateBurst <= 0 {
		c.Server.RateBurst = max(int(c.Server.RateLimit), 1)
	}

	c.Broker.ReleasePolicy = ReleasePolicy(normalizeToken(string(c.Broker.ReleasePolicy)))
	if c.Broker.ReleasePolicy == "" {
		c.Broker.ReleasePolicy = ReleaseOnAck
	}
	if c.Broker.StreamPollInterval <= 0 {
		c.Broker.StreamPollInterval = time.Second
	}

	dir := strings.TrimSpace(c.Segments.Dir)
	if dir == "" {
		dir = "/dev/shm"
	}
	c.Segments.Dir = filepath.Clean(dir)
	c.Segments.Prefix = strings.TrimSpace(c.Segments.Prefix)

	c.Logging.Level = normalizeToken(c.Logging.Level)
	if c.Logging.Level == "" {
		c.Logging.Level = "error"
	}

	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	return nil
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	if strings.TrimSpace(c.Server.Addr) == "" {
		return fmt.Errorf("server addr required")
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("server rateLimit must be >= 0")
	}
	if c.Server.RateBurst < 0 {
		return fmt.Errorf("server rateBurst must be >= 0")
	}

	if c.Broker.FanoutWorkerCount() <= 0 {
		return fmt.Errorf("broker fanoutWorkers must be >0")
	}
	switch c.Broker.ReleasePolicy {
	case ReleaseOnCollect, ReleaseOnAck:
	default:
		return fmt.Errorf("broker releasePolicy must be one of collect, ack")
	}

	if strings.ContainsRune(c.Segments.Prefix, '/') {
		return fmt.Errorf("segments prefix must not contain '/'")
	}

	switch c.Logging.Level {
	case "debug", "info", "error":
	default:
		return fmt.Errorf("logging level must be one of debug, info, error")
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry otlpEndpoint required when enabled")
		}
		if c.Telemetry.ServiceName == "" {
			return fmt.Errorf("telemetry serviceName required when enabled")
		}
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := filepath.Clean(strings.TrimSpace(path))

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
