// Package offsets provides the numeric field offsets of the instrumented structures,
// as computed by an offline analysis of a specific build of the target binary.
package offsets

import (
	"fmt"
	"log/slog"
	"maps"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	ProtocolHyper = "hyper"
	ProtocolTonic = "tonic"
)

// FieldOffsets maps a field name (e.g. "method_ptr_pos") to its offset in bytes
type FieldOffsets map[string]uint64

// Config allows providing the offsets from a YAML file, inline, or both. Inline values
// override the values from the file.
type Config struct {
	File  string       `yaml:"file" env:"RUST_AUTO_OFFSETS_FILE"`
	Hyper FieldOffsets `yaml:"hyper"`
	Tonic FieldOffsets `yaml:"tonic"`
}

// Offsets holds the field offsets of each instrumented protocol library.
// They are read-only after loading.
type Offsets struct {
	protocols map[string]FieldOffsets
}

func log() *slog.Logger {
	return slog.With("component", "offsets.Loader")
}

// Load reads the offsets file, if any, and overrides its values with the inline configuration
func Load(cfg *Config) (*Offsets, error) {
	o := &Offsets{protocols: map[string]FieldOffsets{}}
	if cfg.File != "" {
		log().Debug("loading offsets file", "file", cfg.File)
		content, err := os.ReadFile(cfg.File)
		if err != nil {
			return nil, fmt.Errorf("reading offsets file: %w", err)
		}
		fromFile := map[string]FieldOffsets{}
		if err := yaml.Unmarshal(content, &fromFile); err != nil {
			return nil, fmt.Errorf("parsing offsets file %s: %w", cfg.File, err)
		}
		for proto, fields := range fromFile {
			o.merge(proto, fields)
		}
	}
	o.merge(ProtocolHyper, cfg.Hyper)
	o.merge(ProtocolTonic, cfg.Tonic)
	return o, nil
}

// New returns an Offsets instance from the provided values
func New(protocols map[string]FieldOffsets) *Offsets {
	o := &Offsets{protocols: map[string]FieldOffsets{}}
	for proto, fields := range protocols {
		o.merge(proto, fields)
	}
	return o
}

func (o *Offsets) merge(protocol string, fields FieldOffsets) {
	if len(fields) == 0 {
		return
	}
	dst, ok := o.protocols[protocol]
	if !ok {
		dst = FieldOffsets{}
		o.protocols[protocol] = dst
	}
	maps.Copy(dst, fields)
}

// Field returns the offset of a field for a protocol library. Missing values are
// returned as zero: no validation is performed on the offsets.
func (o *Offsets) Field(protocol, field string) uint64 {
	if o == nil {
		return 0
	}
	return o.protocols[protocol][field]
}

// Has returns whether a given offset has been provided
func (o *Offsets) Has(protocol, field string) bool {
	if o == nil {
		return false
	}
	_, ok := o.protocols[protocol][field]
	return ok
}

// Missing returns which of the passed fields have not been provided for a protocol
func (o *Offsets) Missing(protocol string, fields ...string) []string {
	var missing []string
	for _, f := range fields {
		if !o.Has(protocol, f) {
			missing = append(missing, f)
		}
	}
	return missing
}
