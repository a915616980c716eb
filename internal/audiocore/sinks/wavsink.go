package sinks

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/fbasar/kms-core/internal/audiocore"
	"github.com/fbasar/kms-core/internal/errors"
	"github.com/fbasar/kms-core/internal/events"
	"github.com/fbasar/kms-core/internal/logging"
)

const wavBitDepth = 16

// WAVSink encodes the stream as 16-bit PCM WAV. The header is finalized at
// end-of-stream.
type WAVSink struct {
	name   string
	w      io.WriteSeeker
	logger *slog.Logger

	mu      sync.Mutex
	enc     *wav.Encoder
	format  audiocore.AudioFormat
	state   audiocore.State
	sink    audiocore.EventSink
	samples []float32
	ints    []int
	frames  int64
	closed  bool
}

// NewWAVSink creates a sink writing to w.
func NewWAVSink(name string, w io.WriteSeeker) *WAVSink {
	if name == "" {
		name = "wavsink"
	}
	logger := logging.ForService("sinks")
	if logger == nil {
		logger = slog.Default()
	}
	return &WAVSink{name: name, w: w, logger: logger.With("sink", name)}
}

var _ audiocore.Pad = (*WAVSink)(nil)

// Name returns the element name.
func (s *WAVSink) Name() string { return s.name }

// SetEventSink sets where end-of-stream is posted.
func (s *WAVSink) SetEventSink(sink audiocore.EventSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = sink
}

// Negotiate starts the encoder for format. The format cannot change once
// data has been written.
func (s *WAVSink) Negotiate(format audiocore.AudioFormat) error {
	if err := format.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.enc != nil {
		if s.format.SampleRate == format.SampleRate && s.format.Channels == format.Channels {
			s.format = format
			return nil
		}
		return errors.Newf("wav sink %s cannot switch from %s to %s", s.name, s.format, format).
			Component("sinks").
			Category(errors.CategoryNegotiation).
			Context("sink", s.name).
			Build()
	}
	s.enc = wav.NewEncoder(s.w, format.SampleRate, wavBitDepth, format.Channels, 1)
	s.format = format
	return nil
}

// Push encodes one buffer.
func (s *WAVSink) Push(_ context.Context, data *audiocore.AudioData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.state < audiocore.StatePaused:
		return audiocore.ErrFlushing
	case s.closed:
		return audiocore.ErrBranchEnded
	case s.enc == nil:
		return audiocore.ErrNotNegotiated
	}

	var err error
	s.samples, err = audiocore.DecodeSamples(s.samples[:0], data.Buffer, s.format.Encoding)
	if err != nil {
		return fmt.Errorf("wav sink %s: %w", s.name, err)
	}
	s.ints = s.ints[:0]
	for _, v := range s.samples {
		s.ints = append(s.ints, int(clampInt16(v)))
	}

	buf := &audio.IntBuffer{
		Data:           s.ints,
		Format:         &audio.Format{SampleRate: s.format.SampleRate, NumChannels: s.format.Channels},
		SourceBitDepth: wavBitDepth,
	}
	if err := s.enc.Write(buf); err != nil {
		return errors.New(err).
			Component("sinks").
			Category(errors.CategoryResource).
			Context("sink", s.name).
			Build()
	}
	s.frames += int64(len(s.samples) / s.format.Channels)
	return nil
}

// EndOfStream finalizes the WAV header and posts end-of-stream.
func (s *WAVSink) EndOfStream(context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return audiocore.ErrBranchEnded
	}
	s.closed = true
	enc, sink, frames := s.enc, s.sink, s.frames
	s.mu.Unlock()

	if enc != nil {
		if err := enc.Close(); err != nil {
			return errors.New(err).
				Component("sinks").
				Category(errors.CategoryResource).
				Context("sink", s.name).
				Build()
		}
	}
	s.logger.Debug("wav finalized", "frames", frames)
	if sink != nil {
		sink.TryPublish(events.NewMessage(events.MessageEOS, s.name, "eos"))
	}
	return nil
}

// SetState moves the sink to state.
func (s *WAVSink) SetState(_ context.Context, state audiocore.State) (audiocore.StateChangeReturn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	return audiocore.StateChangeSuccess, nil
}

// Frames returns the number of frames written.
func (s *WAVSink) Frames() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

func clampInt16(v float32) int16 {
	switch {
	case v >= 1:
		return 32767
	case v <= -1:
		return -32768
	}
	return int16(v * 32767)
}
