package ebpfcommon

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/grafana/rust-autoinstrument/pkg/internal/request"
)

const (
	MaxMethodSize  = 16
	MaxPathSize    = 256
	MaxServiceSize = 256
	// RecordSize is the size in bytes of any emitted record
	RecordSize = 376
)

// HTTPRequestTrace is the fixed-layout record of an HTTP server request.
// All the fields are little-endian and the explicit padding keeps every
// field aligned to its natural boundary.
type HTTPRequestTrace struct {
	Type            uint8
	_               [7]byte
	StartMonotimeNs uint64
	EndMonotimeNs   uint64
	Method          [MaxMethodSize]byte
	Path            [MaxPathSize]byte
	Status          uint16
	_               [6]byte
	SpanContext     SpanContext
}

// GRPCRequestTrace is the fixed-layout record of a gRPC server or client call.
type GRPCRequestTrace struct {
	Type            uint8
	_               [7]byte
	StartMonotimeNs uint64
	EndMonotimeNs   uint64
	Service         [MaxServiceSize]byte
	Method          [MaxMethodSize]byte
	Status          uint32
	_               [4]byte
	SpanContext     SpanContext
}

// EncodeRecord returns the binary form of a record, as it is sent through the EmissionRing
func EncodeRecord[T any](rec *T) ([]byte, error) {
	return binary.Append(make([]byte, 0, RecordSize), binary.LittleEndian, rec)
}

// Read decodes a record from its binary form
func Read[T any](record *Record) (T, error) {
	var event T
	err := binary.Read(bytes.NewReader(record.RawSample), binary.LittleEndian, &event)
	return event, err
}

// CString returns the content of a NUL-padded byte buffer as a string
func CString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

// ReadRecordAsSpan decodes any record emitted by the tracers and converts it into a
// request.Span. The returned boolean is true if the record must be ignored.
func ReadRecordAsSpan(record *Record) (request.Span, bool, error) {
	if len(record.RawSample) == 0 {
		return request.Span{}, true, errors.New("empty record")
	}
	switch et := request.EventType(record.RawSample[0]); et {
	case request.EventTypeHTTP:
		event, err := Read[HTTPRequestTrace](record)
		if err != nil {
			return request.Span{}, true, err
		}
		return HTTPRequestTraceToSpan(&event), false, nil
	case request.EventTypeGRPC, request.EventTypeGRPCClient:
		event, err := Read[GRPCRequestTrace](record)
		if err != nil {
			return request.Span{}, true, err
		}
		return GRPCRequestTraceToSpan(&event), false, nil
	default:
		return request.Span{}, true, fmt.Errorf("unknown record type %d", et)
	}
}

func HTTPRequestTraceToSpan(event *HTTPRequestTrace) request.Span {
	return request.Span{
		Type:    request.EventTypeHTTP,
		Method:  CString(event.Method[:]),
		Path:    CString(event.Path[:]),
		Status:  int(event.Status),
		Start:   int64(event.StartMonotimeNs),
		End:     int64(event.EndMonotimeNs),
		TraceID: event.SpanContext.TraceID,
		SpanID:  event.SpanContext.SpanID,
	}
}

func GRPCRequestTraceToSpan(event *GRPCRequestTrace) request.Span {
	return request.Span{
		Type:    request.EventType(event.Type),
		Method:  CString(event.Method[:]),
		Path:    CString(event.Service[:]),
		Status:  int(event.Status),
		Start:   int64(event.StartMonotimeNs),
		End:     int64(event.EndMonotimeNs),
		TraceID: event.SpanContext.TraceID,
		SpanID:  event.SpanContext.SpanID,
	}
}
