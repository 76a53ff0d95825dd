// Package usage records per-request accounting for billing and capacity
// planning. Emission is asynchronous and best-effort; dispatch latency is
// never extended and dispatch outcomes are never changed by sink failures.
package usage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modelgate/modelgate/internal/observability"
)

// Record is one completed dispatch attempt.
type Record struct {
	RequestID    string    `json:"request_id"`
	CallerID     string    `json:"caller_id"`
	BackendID    string    `json:"backend_id"`
	Provider     string    `json:"provider"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostEstimate float64   `json:"cost_estimate"`
	LatencyMs    int64     `json:"latency_ms"`
	CacheHit     bool      `json:"cache_hit"`
	Failovers    int       `json:"failovers"`
	Outcome      string    `json:"outcome"`
	Timestamp    time.Time `json:"timestamp"`
}

// Sink persists usage records.
type Sink interface {
	Write(ctx context.Context, rec Record) error
	Close() error
}

// LogSink writes records to the structured log. It is the default sink
// when no database is configured.
type LogSink struct {
	logger *observability.Logger
}

// NewLogSink creates a sink that emits one log line per record.
func NewLogSink(logger *observability.Logger) *LogSink {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &LogSink{logger: logger}
}

// Write implements Sink.
func (s *LogSink) Write(_ context.Context, rec Record) error {
	s.logger.Info("usage",
		"request_id", rec.RequestID,
		"caller_id", rec.CallerID,
		"backend_id", rec.BackendID,
		"provider", rec.Provider,
		"input_tokens", rec.InputTokens,
		"output_tokens", rec.OutputTokens,
		"cost_estimate", rec.CostEstimate,
		"latency_ms", rec.LatencyMs,
		"cache_hit", rec.CacheHit,
		"failovers", rec.Failovers,
		"outcome", rec.Outcome,
	)
	return nil
}

// Close implements Sink.
func (s *LogSink) Close() error { return nil }

// Emitter decouples dispatch from sink latency with a bounded buffer.
// When the buffer is full new records are dropped and counted, never
// blocked on.
type Emitter struct {
	sink   Sink
	buf    chan Record
	logger *observability.Logger

	dropped atomic.Int64
	written atomic.Int64

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewEmitter starts the background writer. bufferSize bounds the number of
// in-flight records.
func NewEmitter(sink Sink, bufferSize int, logger *observability.Logger) *Emitter {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	e := &Emitter{
		sink:   sink,
		buf:    make(chan Record, bufferSize),
		logger: logger,
	}
	e.wg.Add(1)
	go e.run()
	return e
}

// Emit queues the record without blocking. Returns false when the record
// was dropped because the buffer is full.
func (e *Emitter) Emit(rec Record) bool {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	select {
	case e.buf <- rec:
		return true
	default:
		e.dropped.Add(1)
		return false
	}
}

// Dropped returns the number of records dropped due to a full buffer.
func (e *Emitter) Dropped() int64 { return e.dropped.Load() }

// Written returns the number of records successfully written to the sink.
func (e *Emitter) Written() int64 { return e.written.Load() }

// Close drains the buffer, stops the writer and closes the sink.
func (e *Emitter) Close() error {
	e.stopOnce.Do(func() { close(e.buf) })
	e.wg.Wait()
	return e.sink.Close()
}

func (e *Emitter) run() {
	defer e.wg.Done()
	for rec := range e.buf {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := e.sink.Write(ctx, rec)
		cancel()
		if err != nil {
			e.logger.Warn("usage sink write failed",
				"request_id", rec.RequestID, "error", err)
			continue
		}
		e.written.Add(1)
	}
}
