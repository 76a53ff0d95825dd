package usage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureSink records writes and can be made slow or failing.
type captureSink struct {
	mu      sync.Mutex
	records []Record
	delay   time.Duration
	err     error
}

func (s *captureSink) Write(_ context.Context, rec Record) error {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	s.records = append(s.records, rec)
	s.mu.Unlock()
	return nil
}

func (s *captureSink) Close() error { return nil }

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func TestEmitter_WritesRecords(t *testing.T) {
	sink := &captureSink{}
	e := NewEmitter(sink, 16, nil)

	for i := 0; i < 5; i++ {
		assert.True(t, e.Emit(Record{RequestID: "r", CallerID: "c", Outcome: "success"}))
	}
	require.NoError(t, e.Close())

	assert.Equal(t, 5, sink.count())
	assert.Equal(t, int64(5), e.Written())
	assert.Zero(t, e.Dropped())
}

func TestEmitter_StampsTimestamp(t *testing.T) {
	sink := &captureSink{}
	e := NewEmitter(sink, 4, nil)

	e.Emit(Record{RequestID: "r"})
	require.NoError(t, e.Close())

	require.Equal(t, 1, sink.count())
	assert.False(t, sink.records[0].Timestamp.IsZero())
}

func TestEmitter_DropsWhenFull(t *testing.T) {
	sink := &captureSink{delay: 50 * time.Millisecond}
	e := NewEmitter(sink, 1, nil)
	defer func() { _ = e.Close() }()

	// One record occupies the writer, one fills the buffer; everything
	// after that must be dropped without blocking.
	dropped := 0
	for i := 0; i < 10; i++ {
		if !e.Emit(Record{RequestID: "r"}) {
			dropped++
		}
	}
	assert.Greater(t, dropped, 0)
	assert.Equal(t, int64(dropped), e.Dropped())
}

func TestEmitter_SinkFailureDoesNotStopDraining(t *testing.T) {
	sink := &captureSink{err: errors.New("db down")}
	e := NewEmitter(sink, 8, nil)

	for i := 0; i < 3; i++ {
		e.Emit(Record{RequestID: "r"})
	}
	require.NoError(t, e.Close())

	assert.Zero(t, e.Written())
}

func TestLogSink_Write(t *testing.T) {
	s := NewLogSink(nil)
	assert.NoError(t, s.Write(context.Background(), Record{RequestID: "r"}))
	assert.NoError(t, s.Close())
}
