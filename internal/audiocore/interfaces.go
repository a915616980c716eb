package audiocore

import (
	"context"
	"fmt"
	"time"

	"github.com/fbasar/kms-core/internal/events"
)

// Sample encodings understood by the adapter and the mixer output.
const (
	EncodingU8    = "pcm_u8"
	EncodingS16LE = "pcm_s16le"
	EncodingS32LE = "pcm_s32le"
	EncodingF32LE = "pcm_f32le"
)

// AudioFormat represents the format of audio data
type AudioFormat struct {
	SampleRate int    // Sample rate in Hz (e.g., 48000)
	Channels   int    // Number of channels (1 for mono, 2 for stereo)
	BitDepth   int    // Bits per sample, derived from Encoding when zero
	Encoding   string // Encoding format (e.g., "pcm_s16le", "pcm_f32le")
}

// AudioData represents a chunk of audio with metadata
type AudioData struct {
	Buffer    []byte        // Raw interleaved audio data
	Format    AudioFormat   // Audio format information
	Timestamp time.Time     // When this chunk was produced
	Duration  time.Duration // Duration of the audio chunk
	SourceID  string        // Identifier of the element that produced this audio
}

// Pad is a connection point that accepts one stream. The producer announces
// its format, pushes buffers and finally signals end-of-stream.
type Pad interface {
	Negotiate(format AudioFormat) error
	Push(ctx context.Context, data *AudioData) error
	EndOfStream(ctx context.Context) error
}

// EventSink is the host's asynchronous event channel. *events.Bus implements it.
type EventSink interface {
	TryPublish(msg events.Message) bool
}

// Adapter converts one input stream to the canonical format.
type Adapter interface {
	// Negotiate prepares the conversion from the given input format.
	Negotiate(in AudioFormat) error
	// Process converts one buffer into interleaved canonical samples.
	Process(data *AudioData) ([]float32, error)
	// Drain returns samples held back for interpolation at end-of-stream.
	Drain() []float32
	// SetState moves the adapter to the given state. It must return once
	// ctx is done.
	SetState(ctx context.Context, state State) error
	// Close releases all resources. The adapter is unusable afterwards.
	Close() error
}

// AdapterFactory creates the adapter for a new branch.
type AdapterFactory func(id BranchID, canonical AudioFormat) Adapter

// BytesPerSample returns the size of one sample, or zero for unknown encodings.
func (f AudioFormat) BytesPerSample() int {
	switch f.Encoding {
	case EncodingU8:
		return 1
	case EncodingS16LE:
		return 2
	case EncodingS32LE, EncodingF32LE:
		return 4
	default:
		return 0
	}
}

// FrameSize returns the size in bytes of one interleaved frame.
func (f AudioFormat) FrameSize() int {
	return f.BytesPerSample() * f.Channels
}

// DurationOf returns the playback duration of the given number of frames.
func (f AudioFormat) DurationOf(frames int) time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(frames) * time.Second / time.Duration(f.SampleRate)
}

// Normalized fills BitDepth from the encoding.
func (f AudioFormat) Normalized() AudioFormat {
	if f.BitDepth == 0 {
		f.BitDepth = f.BytesPerSample() * 8
	}
	return f
}

// Validate checks that the format is one the mixer can carry.
func (f AudioFormat) Validate() error {
	switch {
	case f.BytesPerSample() == 0:
		return fmt.Errorf("%w: unsupported encoding %q", ErrInvalidAudioFormat, f.Encoding)
	case f.SampleRate < MinSampleRate || f.SampleRate > MaxSampleRate:
		return fmt.Errorf("%w: sample rate %d out of range", ErrInvalidAudioFormat, f.SampleRate)
	case f.Channels < 1 || f.Channels > MaxChannels:
		return fmt.Errorf("%w: channel count %d out of range", ErrInvalidAudioFormat, f.Channels)
	case f.BitDepth != 0 && f.BitDepth != f.BytesPerSample()*8:
		return fmt.Errorf("%w: bit depth %d does not match %s", ErrInvalidAudioFormat, f.BitDepth, f.Encoding)
	}
	return nil
}

func (f AudioFormat) String() string {
	return fmt.Sprintf("%s/%dHz/%dch", f.Encoding, f.SampleRate, f.Channels)
}
