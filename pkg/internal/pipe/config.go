package pipe

import (
	"github.com/grafana/rust-autoinstrument/pkg/internal/export/debug"
	"github.com/grafana/rust-autoinstrument/pkg/internal/export/otel"
)

// Config of the span processing pipeline: the nodes that receive the spans from the tracers
// and export them
type Config struct {
	// ChannelBufferLen specifies, for each channel that is created in the pipeline, its buffer length
	ChannelBufferLen int `yaml:"channel_buffer_len" env:"RUST_AUTO_CHANNEL_BUFFER_LEN"`

	// ServiceName is set to all the exported spans
	ServiceName string
	// Pid of the instrumented process
	Pid uint32

	Traces  otel.TracesConfig
	Printer debug.PrintEnabled
	Noop    debug.NoopEnabled
}

type ConfigError string

func (e ConfigError) Error() string {
	return string(e)
}

// Validate that at least one exporter node is enabled
func (c *Config) Validate() error {
	if !c.Noop.Enabled() && !c.Printer.Enabled() && !c.Traces.Enabled() {
		return ConfigError("at least one of the following properties must be set: " +
			"RUST_AUTO_TRACE_PRINTER, OTEL_STDOUT, OTEL_EXPORTER_OTLP_ENDPOINT, OTEL_EXPORTER_OTLP_TRACES_ENDPOINT")
	}
	return nil
}
