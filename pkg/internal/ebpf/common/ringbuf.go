package ebpfcommon

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/grafana/rust-autoinstrument/pkg/internal/imetrics"
	"github.com/grafana/rust-autoinstrument/pkg/internal/request"
)

// ringBufReader interface extracts the used methods from EmissionRing for proper
// dependency injection during tests
type ringBufReader interface {
	io.Closer
	Read() (Record, error)
}

// readerFactory instantiates a ringBufReader from an emission ring. In unit tests, we can
// replace this function by a mock/dummy.
var readerFactory = func(rb *EmissionRing) (ringBufReader, error) {
	return rb, nil
}

type ringBufForwarder struct {
	cfg        *TracerConfig
	logger     *slog.Logger
	ringbuffer *EmissionRing
	closers    []io.Closer
	spans      []request.Span
	spansLen   int
	access     sync.Mutex
	ticker     *time.Ticker
	reader     func(*Record) (request.Span, bool, error)
	metrics    imetrics.Reporter
}

// ForwardRingbuf returns a function that reads records from an emission ring, accumulates them into an
// internal buffer, and forwards them to an output events channel, previously converted to request.Span
// instances
func ForwardRingbuf(
	cfg *TracerConfig,
	ringbuffer *EmissionRing,
	reader func(*Record) (request.Span, bool, error),
	logger *slog.Logger,
	metrics imetrics.Reporter,
	closers ...io.Closer,
) func(context.Context, chan<- []request.Span) {
	rbf := ringBufForwarder{
		cfg: cfg, logger: logger, ringbuffer: ringbuffer,
		closers: closers, reader: reader, metrics: metrics,
	}
	return rbf.readAndForward
}

func (rbf *ringBufForwarder) readAndForward(ctx context.Context, spansChan chan<- []request.Span) {
	eventsReader, err := readerFactory(rbf.ringbuffer)
	if err != nil {
		rbf.logger.Error("creating ring buffer reader. Exiting", "error", err)
		return
	}
	rbf.closers = append(rbf.closers, eventsReader)
	defer rbf.closeAllResources()

	batchLength := max(rbf.cfg.BatchLength, 1)
	rbf.spans = make([]request.Span, batchLength)
	rbf.spansLen = 0

	// If the underlying context is closed, it closes the events reader
	// so the function can exit.
	go rbf.bgListenContextCancelation(ctx, eventsReader)

	// Forwards periodically on timeout, if the batch is not full
	if rbf.cfg.BatchTimeout > 0 {
		rbf.ticker = time.NewTicker(rbf.cfg.BatchTimeout)
		defer rbf.ticker.Stop()
		go rbf.bgFlushOnTimeout(ctx, spansChan)
	}

	// Main loop:
	// 1. Listen for content in the ring buffer
	// 2. Decode binary data into a request.Span instance
	// 3. Accumulate the span into a batch slice
	// 4. When the length of the batch slice reaches cfg.BatchLength,
	//    submit it to the next stage of the pipeline
	for {
		record, err := eventsReader.Read()
		if err != nil {
			if errors.Is(err, ErrClosed) {
				rbf.logger.Debug("ring buffer is closed")
				rbf.access.Lock()
				if rbf.spansLen > 0 {
					rbf.flushEvents(spansChan)
				}
				rbf.access.Unlock()
				return
			}
			rbf.logger.Error("error reading from ring buffer", "error", err)
			continue
		}

		s, ignore, err := rbf.reader(&record)
		if err != nil {
			rbf.logger.Error("error parsing ring buffer record", "error", err)
			continue
		}
		if ignore {
			continue
		}

		rbf.access.Lock()
		rbf.spans[rbf.spansLen] = s
		rbf.spansLen++
		if rbf.spansLen == len(rbf.spans) {
			rbf.logger.Debug("submitting traces after batch is full", "len", rbf.spansLen)
			rbf.flushEvents(spansChan)
			if rbf.ticker != nil {
				rbf.ticker.Reset(rbf.cfg.BatchTimeout)
			}
		}
		rbf.access.Unlock()
	}
}

func (rbf *ringBufForwarder) flushEvents(spansChan chan<- []request.Span) {
	rbf.metrics.TracerFlush(rbf.spansLen)
	spansChan <- rbf.spans[:rbf.spansLen]
	rbf.spans = make([]request.Span, len(rbf.spans))
	rbf.spansLen = 0
}

func (rbf *ringBufForwarder) bgFlushOnTimeout(ctx context.Context, spansChan chan<- []request.Span) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-rbf.ticker.C:
			rbf.access.Lock()
			if rbf.spansLen > 0 {
				rbf.logger.Debug("submitting traces on timeout", "len", rbf.spansLen)
				rbf.flushEvents(spansChan)
			}
			rbf.access.Unlock()
		}
	}
}

func (rbf *ringBufForwarder) bgListenContextCancelation(ctx context.Context, eventsReader ringBufReader) {
	<-ctx.Done()
	_ = eventsReader.Close()
}

func (rbf *ringBufForwarder) closeAllResources() {
	if rbf.ringbuffer != nil {
		rbf.logger.Debug("closing ring buffer resources", "dropped", rbf.ringbuffer.Dropped())
	} else {
		rbf.logger.Debug("closing ring buffer resources")
	}
	for _, c := range rbf.closers {
		_ = c.Close()
	}
}
