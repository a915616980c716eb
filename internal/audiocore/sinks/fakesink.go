// Package sinks provides terminal elements for mixer pipelines: a counting
// sink that can consume in real time, and a WAV file writer.
package sinks

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fbasar/kms-core/internal/audiocore"
	"github.com/fbasar/kms-core/internal/events"
	"github.com/fbasar/kms-core/internal/logging"
)

// FakeConfig configures a FakeSink.
type FakeConfig struct {
	Name string
	// Sync consumes buffers at their playback rate, which applies real-time
	// back-pressure to everything upstream.
	Sync bool
	// KeepData retains every buffer for inspection.
	KeepData bool
}

// FakeSink accepts and counts buffers.
type FakeSink struct {
	cfg    FakeConfig
	logger *slog.Logger

	mu      sync.Mutex
	format  audiocore.AudioFormat
	state   audiocore.State
	changed chan struct{} // closed and replaced on every state change
	base    time.Time     // wall time at which played is zero
	played  time.Duration
	kept    []*audiocore.AudioData
	sink    audiocore.EventSink
	eos     bool
	eosCh   chan struct{}

	buffers atomic.Int64
	bytes   atomic.Int64
}

// NewFakeSink creates a sink.
func NewFakeSink(cfg FakeConfig) *FakeSink {
	if cfg.Name == "" {
		cfg.Name = "fakesink"
	}
	logger := logging.ForService("sinks")
	if logger == nil {
		logger = slog.Default()
	}
	return &FakeSink{
		cfg:     cfg,
		logger:  logger.With("sink", cfg.Name),
		changed: make(chan struct{}),
		eosCh:   make(chan struct{}),
	}
}

var _ audiocore.Pad = (*FakeSink)(nil)

// Name returns the element name.
func (s *FakeSink) Name() string { return s.cfg.Name }

// SetEventSink sets where end-of-stream is posted.
func (s *FakeSink) SetEventSink(sink audiocore.EventSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = sink
}

// Negotiate accepts any valid format.
func (s *FakeSink) Negotiate(format audiocore.AudioFormat) error {
	if err := format.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.format = format
	return nil
}

// Push consumes one buffer. With Sync it waits for the buffer's playback
// slot, blocking while the sink is Paused.
func (s *FakeSink) Push(ctx context.Context, data *audiocore.AudioData) error {
	for {
		s.mu.Lock()
		state, changed := s.state, s.changed
		s.mu.Unlock()

		if state < audiocore.StatePaused {
			return audiocore.ErrFlushing
		}
		if !s.cfg.Sync || state == audiocore.StateRunning {
			break
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if s.cfg.Sync {
		s.mu.Lock()
		due := s.base.Add(s.played)
		s.played += data.Duration
		s.mu.Unlock()

		if wait := time.Until(due); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}
	}

	s.buffers.Add(1)
	s.bytes.Add(int64(len(data.Buffer)))
	if s.cfg.KeepData {
		s.mu.Lock()
		s.kept = append(s.kept, data)
		s.mu.Unlock()
	}
	return nil
}

// EndOfStream records the end of the stream and posts it.
func (s *FakeSink) EndOfStream(context.Context) error {
	s.mu.Lock()
	if s.eos {
		s.mu.Unlock()
		return audiocore.ErrBranchEnded
	}
	s.eos = true
	close(s.eosCh)
	sink := s.sink
	s.mu.Unlock()

	s.logger.Debug("end-of-stream", "buffers", s.buffers.Load(), "bytes", s.bytes.Load())
	if sink != nil {
		sink.TryPublish(events.NewMessage(events.MessageEOS, s.cfg.Name, "eos"))
	}
	return nil
}

// SetState moves the sink to state. Dropping to Ready starts a new stream.
func (s *FakeSink) SetState(_ context.Context, state audiocore.State) (audiocore.StateChangeReturn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.state
	s.state = state

	if state == audiocore.StateRunning && prev != audiocore.StateRunning {
		s.base = time.Now().Add(-s.played)
	}
	close(s.changed)
	s.changed = make(chan struct{})

	if state <= audiocore.StateReady && prev > audiocore.StateReady {
		s.played = 0
		if s.eos {
			s.eos = false
			s.eosCh = make(chan struct{})
		}
	}
	return audiocore.StateChangeSuccess, nil
}

// Buffers returns the number of buffers consumed.
func (s *FakeSink) Buffers() int64 { return s.buffers.Load() }

// Bytes returns the number of bytes consumed.
func (s *FakeSink) Bytes() int64 { return s.bytes.Load() }

// Format returns the negotiated format.
func (s *FakeSink) Format() audiocore.AudioFormat {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.format
}

// Kept returns the retained buffers when KeepData is set.
func (s *FakeSink) Kept() []*audiocore.AudioData {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*audiocore.AudioData, len(s.kept))
	copy(out, s.kept)
	return out
}

// Done is closed when the current stream has ended.
func (s *FakeSink) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eosCh
}
