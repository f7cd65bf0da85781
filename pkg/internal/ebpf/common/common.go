package ebpfcommon

import (
	"time"

	"github.com/gavv/monotime"
)

// TracerConfig configuration for the tracers and the capture layer
type TracerConfig struct {
	// WakeupLen specifies how many messages need to be accumulated in the kernel
	// ring buffer before sending a wakeup request to the capture layer reader.
	WakeupLen int `yaml:"wakeup_len" env:"RUST_AUTO_BPF_WAKEUP_LEN"`
	// BatchLength allows specifying how many traces will be batched at the initial
	// stage before being forwarded to the next stage
	BatchLength int `yaml:"batch_length" env:"RUST_AUTO_BPF_BATCH_LENGTH"`
	// BatchTimeout specifies the timeout to forward the data batch if it didn't
	// reach the BatchLength size
	BatchTimeout time.Duration `yaml:"batch_timeout" env:"RUST_AUTO_BPF_BATCH_TIMEOUT"`

	// MaxConcurrentRequests is the capacity of the correlation table of each protocol family.
	// Requests beyond this number are not traced.
	MaxConcurrentRequests int `yaml:"max_concurrent_requests" env:"RUST_AUTO_MAX_CONCURRENT_REQUESTS"`
	// RingBufferLen is the number of records that each emission ring can hold before
	// dropping new records. Must be a power of two.
	RingBufferLen int `yaml:"ring_buffer_len" env:"RUST_AUTO_RING_BUFFER_LEN"`
	// KernelRingBufferSize is the size, in bytes, of the kernel ring buffer where the
	// interception points submit their captured context. Must be a power of two multiple
	// of the page size.
	KernelRingBufferSize int `yaml:"kernel_ring_buffer_size" env:"RUST_AUTO_KERNEL_RING_BUFFER_SIZE"`

	// Arch overrides the architecture whose calling convention is used to read the
	// arguments of the intercepted functions. Defaults to the host architecture.
	Arch string `yaml:"arch" env:"RUST_AUTO_ARCH"`

	// Symbols overrides the demangled name of the instrumented functions, keyed by
	// probe name (e.g. "hyper_serve_connection")
	Symbols map[string]string `yaml:"symbols"`
}

// SymbolFor returns the symbol configured for a probe name, or the provided default
func (c *TracerConfig) SymbolFor(probe, def string) string {
	if s, ok := c.Symbols[probe]; ok && s != "" {
		return s
	}
	return def
}

// ProbeHandler processes the context captured by an interception point. It must
// complete in bounded time and never block.
type ProbeHandler func(ctx *ProbeContext)

// FunctionPrograms holds the handlers of the entry and return interception points of a
// given function.
type FunctionPrograms struct {
	// Required, if true, will cancel the execution of the Tracer
	// if the function has not been found in the executable
	Required bool
	Start    ProbeHandler
	End      ProbeHandler
}

// Timestamp returns the monotonic time when the interception point fired, falling back to the
// current monotonic time if the capture layer did not provide it.
func (pc *ProbeContext) Timestamp() uint64 {
	if pc.KTime != 0 {
		return pc.KTime
	}
	return uint64(monotime.Now())
}

// Environment groups the capabilities that the interception point handlers use to
// access the instrumented process, and the state that is shared between protocol families.
type Environment struct {
	Args      ArgumentSource
	Memory    ForeignMemory
	SpanIndex SpanIndex
	// NewSpanContext generates the identifiers of each new request. Defaults to NewSpanContext.
	NewSpanContext SpanContextGenerator
}

// SpanContext returns a fresh span context from the configured generator
func (e *Environment) SpanContext() SpanContext {
	if e.NewSpanContext == nil {
		return NewSpanContext()
	}
	return e.NewSpanContext()
}

// RingLength returns the configured emission ring length, or its default value
func (c *TracerConfig) RingLength() int {
	if c.RingBufferLen <= 0 {
		return DefaultRingLength
	}
	return c.RingBufferLen
}

// MaxConcurrent returns the configured capacity of the correlation tables, or its default value
func (c *TracerConfig) MaxConcurrent() int {
	if c.MaxConcurrentRequests <= 0 {
		return DefaultMaxConcurrent
	}
	return c.MaxConcurrentRequests
}

// SpanIndexCapacity returns the capacity of the span index, which is shared by the
// HTTP server, gRPC server and gRPC client requests
func (c *TracerConfig) SpanIndexCapacity() int {
	return 3 * c.MaxConcurrent()
}
