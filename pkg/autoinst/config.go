package autoinst

import (
	"fmt"
	"io"
	"math/bits"
	"time"

	"github.com/caarlos0/env/v9"
	"gopkg.in/yaml.v3"

	"github.com/grafana/rust-autoinstrument/pkg/config"
	ebpfcommon "github.com/grafana/rust-autoinstrument/pkg/internal/ebpf/common"
	"github.com/grafana/rust-autoinstrument/pkg/internal/export/debug"
	"github.com/grafana/rust-autoinstrument/pkg/internal/export/otel"
	"github.com/grafana/rust-autoinstrument/pkg/internal/imetrics"
	"github.com/grafana/rust-autoinstrument/pkg/internal/offsets"
	"github.com/grafana/rust-autoinstrument/pkg/internal/pipe"
)

// DefaultConfig is the configuration that is overridden by the user-provided file
// and environment variables
var DefaultConfig = Config{
	LogLevel:         "INFO",
	ChannelBufferLen: 10,
	ShutdownTimeout:  10 * time.Second,
	EBPF: ebpfcommon.TracerConfig{
		BatchLength:           100,
		BatchTimeout:          time.Second,
		MaxConcurrentRequests: ebpfcommon.DefaultMaxConcurrent,
		RingBufferLen:         ebpfcommon.DefaultRingLength,
	},
	Traces: otel.TracesConfig{
		CommonEndpoint:     "http://localhost:4317",
		Protocol:           otel.ProtocolUnset,
		TracesProtocol:     otel.ProtocolUnset,
		MaxQueueSize:       4096,
		MaxExportBatchSize: 4096,
		ReportersCacheLen:  16,
	},
	InternalMetrics: imetrics.Config{
		Prometheus: imetrics.PrometheusConfig{
			Port: 0, // disabled by default
			Path: "/internal/metrics",
		},
	},
}

// Config as provided by the user to configure and run the auto-instrumenter
type Config struct {
	LogLevel string `yaml:"log_level" env:"RUST_AUTO_LOG_LEVEL"`

	// TargetExe selects the process whose executable path contains this value
	TargetExe string `yaml:"target_exe" env:"OTEL_TARGET_EXE"`
	// TargetPID selects the process by its PID
	TargetPID int32 `yaml:"target_pid" env:"OTEL_TARGET_PID"`

	// ServiceName of the exported traces. Defaults to the name of the instrumented executable
	ServiceName string `yaml:"service_name" env:"OTEL_SERVICE_NAME"`

	TracePrinter debug.PrintEnabled `yaml:"trace_printer" env:"RUST_AUTO_TRACE_PRINTER"`

	// ShutdownTimeout bounds the time to flush the pending spans on exit
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"RUST_AUTO_SHUTDOWN_TIMEOUT"`

	// SkipOSChecks disables the kernel version and capabilities verification at startup
	SkipOSChecks bool `yaml:"skip_os_checks" env:"RUST_AUTO_SKIP_OS_CHECKS"`

	// ProfilePort enables the Go profiler HTTP endpoint when it is not zero
	ProfilePort int `yaml:"profile_port" env:"RUST_AUTO_PROFILE_PORT"`

	EBPF    ebpfcommon.TracerConfig `yaml:"ebpf"`
	Offsets offsets.Config          `yaml:"offsets"`
	Traces  otel.TracesConfig       `yaml:"otel_traces_export"`

	// From this comment, the properties below will remain undocumented, as they
	// are useful for development purposes.

	ChannelBufferLen int               `yaml:"channel_buffer_len" env:"RUST_AUTO_CHANNEL_BUFFER_LEN"`
	Noop             debug.NoopEnabled `yaml:"noop" env:"RUST_AUTO_NOOP_TRACES"`
	InternalMetrics  imetrics.Config   `yaml:"internal_metrics"`
}

type ConfigError = pipe.ConfigError

// Validate the configuration, returning a ConfigError if it is not valid
func (c *Config) Validate() error {
	if c.TargetPID == 0 && c.TargetExe == "" {
		return ConfigError("missing OTEL_TARGET_EXE or OTEL_TARGET_PID property")
	}
	if c.TargetPID != 0 && c.TargetExe != "" {
		return ConfigError("use either OTEL_TARGET_EXE or OTEL_TARGET_PID, not both")
	}
	if c.TargetPID < 0 {
		return ConfigError(fmt.Sprintf("invalid OTEL_TARGET_PID: %d", c.TargetPID))
	}
	if c.EBPF.BatchLength < 1 {
		return ConfigError("RUST_AUTO_BPF_BATCH_LENGTH must be at least 1")
	}
	if c.EBPF.MaxConcurrentRequests < 1 {
		return ConfigError("RUST_AUTO_MAX_CONCURRENT_REQUESTS must be at least 1")
	}
	if c.EBPF.RingBufferLen < 1 || bits.OnesCount(uint(c.EBPF.RingBufferLen)) != 1 {
		return ConfigError(fmt.Sprintf("RUST_AUTO_RING_BUFFER_LEN must be a power of two. Got: %d",
			c.EBPF.RingBufferLen))
	}
	return c.pipeConfig().Validate()
}

func (c *Config) pipeConfig() *pipe.Config {
	traces := c.Traces
	traces.ShutdownTimeout = c.ShutdownTimeout
	return &pipe.Config{
		ChannelBufferLen: c.ChannelBufferLen,
		ServiceName:      c.ServiceName,
		Traces:           traces,
		Printer:          c.TracePrinter,
		Noop:             c.Noop,
	}
}

// LoadConfig overrides configuration in the following order (from less to most priority)
// 1 - Default configuration (DefaultConfig variable)
// 2 - Contents of the provided file reader (nillable)
// 3 - Environment variables
func LoadConfig(file io.Reader) (*Config, error) {
	cfg := DefaultConfig
	// the maps must not be shared with the default configuration
	cfg.EBPF.Symbols = nil
	if file != nil {
		cfgBuf, err := io.ReadAll(file)
		if err != nil {
			return nil, fmt.Errorf("reading YAML configuration: %w", err)
		}
		// replaces environment variables in YAML file
		cfgBuf = config.ReplaceEnv(cfgBuf)
		if err := yaml.Unmarshal(cfgBuf, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML configuration: %w", err)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("reading env vars: %w", err)
	}
	return &cfg, nil
}
