// Package global holds the state that is shared by the nodes of the traces pipeline
package global

import (
	"github.com/grafana/rust-autoinstrument/pkg/internal/imetrics"
)

// ContextInfo is created once from the user configuration and passed to every node
// of the pipeline.
type ContextInfo struct {
	// ServiceName of the instrumented process. Spans that do not carry their own
	// service name are exported under this one.
	ServiceName string
	// ChannelBufferLen overrides the buffer length of the pipeline queues, if > 0
	ChannelBufferLen int
	// Metrics reports the internal metrics of the pipeline nodes
	Metrics imetrics.Reporter
}
