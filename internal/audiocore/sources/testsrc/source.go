// Package testsrc provides a synthetic audio source that produces test
// waveforms and noise, for exercising pipelines without capture hardware.
package testsrc

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/fbasar/kms-core/internal/audiocore"
	"github.com/fbasar/kms-core/internal/errors"
	"github.com/fbasar/kms-core/internal/events"
	"github.com/fbasar/kms-core/internal/logging"
)

// Defaults applied to zero Config fields.
const (
	DefaultSampleRate       = 44100
	DefaultChannels         = 1
	DefaultSamplesPerBuffer = 1024
	DefaultFrequency        = 440.0
	DefaultVolume           = 0.8
)

// Config configures a Source.
type Config struct {
	Name             string
	Wave             Wave
	Frequency        float64 // Hz, for periodic waves
	Volume           float64 // 0..1
	SampleRate       int
	Channels         int
	Encoding         string
	SamplesPerBuffer int  // frames per buffer
	NumBuffers       int  // buffers before end-of-stream; zero streams until stopped
	IsLive           bool // produce buffers in real time, only while Running
	Seed             uint64
}

// Source generates audio and pushes it to one linked pad. Streaming starts
// when the source reaches Paused (Running for live sources) and stops when
// it drops back.
type Source struct {
	cfg    Config
	format audiocore.AudioFormat
	logger *slog.Logger

	mu        sync.Mutex
	peer      audiocore.Pad
	state     audiocore.State
	cancel    context.CancelFunc
	done      chan struct{}
	finished  bool
	gen       *generator
	sink      audiocore.EventSink
	sent      atomic.Int64
	streamEnd chan struct{}
}

// New creates a source.
func New(cfg Config) (*Source, error) {
	if cfg.Name == "" {
		cfg.Name = "audiotestsrc"
	}
	if cfg.Frequency == 0 {
		cfg.Frequency = DefaultFrequency
	}
	if cfg.Volume == 0 {
		cfg.Volume = DefaultVolume
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	if cfg.Channels == 0 {
		cfg.Channels = DefaultChannels
	}
	if cfg.Encoding == "" {
		cfg.Encoding = audiocore.EncodingS16LE
	}
	if cfg.SamplesPerBuffer == 0 {
		cfg.SamplesPerBuffer = DefaultSamplesPerBuffer
	}

	format := audiocore.AudioFormat{
		SampleRate: cfg.SampleRate,
		Channels:   cfg.Channels,
		Encoding:   cfg.Encoding,
	}.Normalized()

	if err := format.Validate(); err != nil {
		return nil, errors.New(err).
			Component("testsrc").
			Category(errors.CategoryValidation).
			Context("source", cfg.Name).
			Build()
	}
	if !cfg.Wave.Valid() || cfg.Volume < 0 || cfg.Volume > 1 || cfg.SamplesPerBuffer < 0 || cfg.NumBuffers < 0 {
		return nil, errors.Newf("invalid test source settings: wave=%d volume=%.2f samples=%d buffers=%d",
			cfg.Wave, cfg.Volume, cfg.SamplesPerBuffer, cfg.NumBuffers).
			Component("testsrc").
			Category(errors.CategoryValidation).
			Context("source", cfg.Name).
			Build()
	}

	logger := logging.ForService("testsrc")
	if logger == nil {
		logger = slog.Default()
	}

	return &Source{
		cfg:       cfg,
		format:    format,
		logger:    logger.With("source", cfg.Name, "wave", cfg.Wave.String()),
		gen:       newGenerator(cfg.Wave, cfg.SampleRate, cfg.Frequency, cfg.Seed),
		streamEnd: make(chan struct{}),
	}, nil
}

// Name returns the element name.
func (s *Source) Name() string { return s.cfg.Name }

// Format returns the produced format.
func (s *Source) Format() audiocore.AudioFormat { return s.format }

// BuffersSent returns how many buffers were accepted downstream.
func (s *Source) BuffersSent() int64 { return s.sent.Load() }

// Done is closed after the source pushed end-of-stream.
func (s *Source) Done() <-chan struct{} { return s.streamEnd }

// SetEventSink sets where streaming errors are posted.
func (s *Source) SetEventSink(sink audiocore.EventSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = sink
}

// Link connects the source to a downstream pad and announces its format.
func (s *Source) Link(peer audiocore.Pad) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peer != nil {
		return audiocore.ErrAlreadyLinked
	}
	if err := peer.Negotiate(s.format); err != nil {
		return err
	}
	s.peer = peer
	return nil
}

// SetState moves the source to state, starting or stopping the streaming
// goroutine as needed.
func (s *Source) SetState(ctx context.Context, state audiocore.State) (audiocore.StateChangeReturn, error) {
	s.mu.Lock()
	prev := s.state
	s.state = state

	streamFrom := audiocore.StatePaused
	if s.cfg.IsLive {
		streamFrom = audiocore.StateRunning
	}

	rewind := state <= audiocore.StateReady && prev > audiocore.StateReady

	var done chan struct{}
	switch {
	case state >= streamFrom && s.cancel == nil && !s.finished && s.peer != nil:
		streamCtx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		s.done = make(chan struct{})
		go s.stream(streamCtx, s.peer, s.done)
	case state < streamFrom && s.cancel != nil:
		s.cancel()
		done = s.done
		s.cancel = nil
		s.done = nil
	}
	s.mu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return audiocore.StateChangeFailure, ctx.Err()
		}
	}

	if rewind {
		s.mu.Lock()
		s.finished = false
		s.gen.reset()
		s.mu.Unlock()
	}
	return audiocore.StateChangeSuccess, nil
}

func (s *Source) stream(ctx context.Context, peer audiocore.Pad, done chan struct{}) {
	defer close(done)

	frames := s.cfg.SamplesPerBuffer
	duration := s.format.DurationOf(frames)

	var limiter *rate.Limiter
	if s.cfg.IsLive {
		limiter = rate.NewLimiter(rate.Every(duration), 1)
	}

	s.logger.Debug("streaming started", "live", s.cfg.IsLive, "buffers", s.cfg.NumBuffers)
	start := time.Now()
	samples := make([]float32, frames*s.format.Channels)

	for n := 0; s.cfg.NumBuffers == 0 || n < s.cfg.NumBuffers; n++ {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
		}

		s.fill(samples)
		data := &audiocore.AudioData{
			Buffer:    audiocore.EncodeSamples(make([]byte, 0, frames*s.format.FrameSize()), samples, s.format.Encoding),
			Format:    s.format,
			Timestamp: start.Add(time.Duration(n) * duration),
			Duration:  duration,
			SourceID:  s.cfg.Name,
		}

		if err := peer.Push(ctx, data); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.streamFailed(err)
			return
		}
		s.sent.Add(1)
	}

	if err := peer.EndOfStream(ctx); err != nil && ctx.Err() == nil {
		s.streamFailed(err)
		return
	}

	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()
	s.closeStreamEnd()
	s.logger.Debug("streaming finished", "buffers", s.sent.Load())
}

func (s *Source) fill(samples []float32) {
	ch := s.format.Channels
	for i := 0; i < len(samples); i += ch {
		v := float32(s.gen.next() * s.cfg.Volume)
		for c := range ch {
			samples[i+c] = v
		}
	}
}

func (s *Source) closeStreamEnd() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.streamEnd:
	default:
		close(s.streamEnd)
	}
}

// streamFailed reports a downstream refusal. A flushing peer is an expected
// consequence of the branch being released and is only logged.
func (s *Source) streamFailed(err error) {
	if errors.Is(err, audiocore.ErrFlushing) || errors.Is(err, audiocore.ErrBranchEnded) {
		s.logger.Debug("downstream stopped accepting data", "error", err)
		return
	}
	s.logger.Warn("streaming stopped", "error", err)

	s.mu.Lock()
	sink := s.sink
	s.mu.Unlock()
	if sink == nil {
		return
	}
	msg := events.NewMessage(events.MessageError, s.cfg.Name, "streaming-failed")
	msg.Err = err
	sink.TryPublish(msg)
}
