package audiocore

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResamplerPassthrough(t *testing.T) {
	t.Parallel()

	r := NewResampler(48000, 48000, 2)
	require.True(t, r.Passthrough())

	in := []float32{0.1, 0.2, 0.3, 0.4}
	assert.Equal(t, in, r.Process(nil, in))
	assert.Empty(t, r.Flush(nil))
}

func TestResamplerOutputLength(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		inRate  int
		outRate int
	}{
		{"upsample 44.1k to 48k", 44100, 48000},
		{"downsample 48k to 16k", 48000, 16000},
		{"upsample 8k to 48k", 8000, 48000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := NewResampler(tt.inRate, tt.outRate, 1)

			in := constantSamples(tt.inRate/10, 0.5)
			out := r.Process(nil, in)
			out = r.Flush(out)

			want := float64(len(in)) * float64(tt.outRate) / float64(tt.inRate)
			assert.InDelta(t, want, float64(len(out)), 2)
		})
	}
}

func TestResamplerPreservesConstantSignal(t *testing.T) {
	t.Parallel()

	r := NewResampler(44100, 48000, 2)
	out := r.Process(nil, constantSamples(2*4410, 0.25))
	out = r.Flush(out)

	require.NotEmpty(t, out)
	require.Zero(t, len(out)%2, "output must be whole frames")
	for i, s := range out {
		require.InDelta(t, 0.25, s, 1e-5, "sample %d", i)
	}
}

func TestResamplerStreamingMatchesSingleCall(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		inRate  int
		outRate int
	}{
		{"upsample", 24000, 48000},
		{"downsample", 48000, 32000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			in := make([]float32, 3000)
			for i := range in {
				in[i] = float32(math.Sin(2 * math.Pi * 440 * float64(i) / float64(tt.inRate)))
			}

			whole := NewResampler(tt.inRate, tt.outRate, 1)
			expected := whole.Flush(whole.Process(nil, append([]float32(nil), in...)))

			chunked := NewResampler(tt.inRate, tt.outRate, 1)
			var got []float32
			for start := 0; start < len(in); start += 256 {
				end := min(start+256, len(in))
				got = chunked.Process(got, append([]float32(nil), in[start:end]...))
			}
			got = chunked.Flush(got)

			assert.Equal(t, expected, got)
		})
	}
}

func TestResamplerReset(t *testing.T) {
	t.Parallel()

	r := NewResampler(22050, 48000, 1)
	r.Process(nil, constantSamples(100, 1))
	r.Reset()

	out := r.Flush(nil)
	assert.Empty(t, out)
}
