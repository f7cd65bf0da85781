package pipe

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/grafana/rust-autoinstrument/pkg/internal/export/otel"
)

func TestConfig_Validate(t *testing.T) {
	for _, tc := range []struct {
		desc  string
		cfg   Config
		valid bool
	}{
		{desc: "no exporter", cfg: Config{}},
		{desc: "printer", cfg: Config{Printer: true}, valid: true},
		{desc: "noop", cfg: Config{Noop: true}, valid: true},
		{desc: "stdout", cfg: Config{Traces: otel.TracesConfig{Stdout: true}}, valid: true},
		{desc: "otlp", cfg: Config{Traces: otel.TracesConfig{CommonEndpoint: "http://localhost:4317"}}, valid: true},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.valid {
				assert.NoError(t, err)
			} else {
				assert.IsType(t, ConfigError(""), err)
			}
		})
	}
}
