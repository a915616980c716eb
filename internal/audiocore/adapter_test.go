package audiocore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fbasar/kms-core/internal/errors"
)

func TestFormatAdapterRejectsUnsupportedFormats(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		format AudioFormat
	}{
		{"unknown encoding", AudioFormat{SampleRate: 48000, Channels: 2, Encoding: "pcm_alaw"}},
		{"rate too low", AudioFormat{SampleRate: 4000, Channels: 1, Encoding: EncodingS16LE}},
		{"too many channels", AudioFormat{SampleRate: 48000, Channels: 12, Encoding: EncodingS16LE}},
		{"bit depth mismatch", AudioFormat{SampleRate: 48000, Channels: 1, BitDepth: 24, Encoding: EncodingS16LE}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a := NewFormatAdapter(1, f32Format, nil)
			err := a.Negotiate(tt.format)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrNegotiationFailed)
			assert.ErrorIs(t, err, ErrInvalidAudioFormat)
			assert.True(t, errors.IsCategory(err, errors.CategoryNegotiation))

			_, negotiated := a.InputFormat()
			assert.False(t, negotiated)
		})
	}
}

func TestFormatAdapterRequiresNegotiation(t *testing.T) {
	t.Parallel()

	a := NewFormatAdapter(1, f32Format, nil)
	_, err := a.Process(constantBuffer(f32Format, 10, 0.5))
	assert.ErrorIs(t, err, ErrNotNegotiated)
}

func TestFormatAdapterRejectsPartialFrames(t *testing.T) {
	t.Parallel()

	in := AudioFormat{SampleRate: 48000, Channels: 2, Encoding: EncodingS16LE}
	a := NewFormatAdapter(3, f32Format, nil)
	require.NoError(t, a.Negotiate(in))

	_, err := a.Process(&AudioData{Buffer: make([]byte, 6), Format: in})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryProcessing))
}

func TestFormatAdapterConvertsToCanonical(t *testing.T) {
	t.Parallel()

	in := AudioFormat{SampleRate: 48000, Channels: 1, Encoding: EncodingS16LE}
	canonical := AudioFormat{SampleRate: 48000, Channels: 2, Encoding: EncodingF32LE}

	a := NewFormatAdapter(1, canonical, nil)
	require.NoError(t, a.Negotiate(in))

	buf := EncodeSamples(nil, []float32{0.5, -0.25}, EncodingS16LE)
	out, err := a.Process(&AudioData{Buffer: buf, Format: in})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{0.5, 0.5, -0.25, -0.25}, out, 1e-4)
	assert.Empty(t, a.Drain())
}

func TestFormatAdapterResamplesAndDrains(t *testing.T) {
	t.Parallel()

	in := AudioFormat{SampleRate: 44100, Channels: 1, Encoding: EncodingF32LE}
	a := NewFormatAdapter(1, f32Format, nil)
	require.NoError(t, a.Negotiate(in))

	out, err := a.Process(constantBuffer(in, 441, 0.5))
	require.NoError(t, err)
	out = append(out, a.Drain()...)

	assert.InDelta(t, 480, len(out), 2)
	for _, s := range out {
		require.InDelta(t, 0.5, s, 1e-5)
	}
}

func TestFormatAdapterClose(t *testing.T) {
	t.Parallel()

	a := NewFormatAdapter(1, f32Format, nil)
	require.NoError(t, a.Negotiate(f32Format))
	require.NoError(t, a.Close())

	_, err := a.Process(constantBuffer(f32Format, 1, 0))
	assert.ErrorIs(t, err, ErrFlushing)
	assert.ErrorIs(t, a.SetState(context.Background(), StateReady), ErrFlushing)
	assert.ErrorIs(t, a.Negotiate(f32Format), ErrFlushing)
}

func TestFormatAdapterSetStateHonoursContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a := NewFormatAdapter(1, f32Format, nil)
	assert.ErrorIs(t, a.SetState(ctx, StateReady), context.Canceled)
}
