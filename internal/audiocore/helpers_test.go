package audiocore

import (
	"context"
	"encoding/binary"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fbasar/kms-core/internal/events"
)

// waitForCondition polls a condition with a specified interval until it returns true or timeout
func waitForCondition(t *testing.T, timeout, pollInterval time.Duration, condition func() bool, description string) {
	t.Helper()
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(pollInterval)
	}

	t.Fatalf("timeout waiting for %s after %v", description, timeout)
}

// recordingSink collects every message posted by a bin.
type recordingSink struct {
	mu   sync.Mutex
	msgs []events.Message
}

func (s *recordingSink) TryPublish(msg events.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return true
}

func (s *recordingSink) messages() []events.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]events.Message, len(s.msgs))
	copy(out, s.msgs)
	return out
}

func (s *recordingSink) count(t events.MessageType, text string) int {
	n := 0
	for _, m := range s.messages() {
		if m.Type == t && (text == "" || m.Text == text) {
			n++
		}
	}
	return n
}

// capturePad is a downstream pad that keeps everything pushed into it.
type capturePad struct {
	mu      sync.Mutex
	format  AudioFormat
	buffers []*AudioData
	eos     int
}

func (p *capturePad) Negotiate(format AudioFormat) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.format = format
	return nil
}

func (p *capturePad) Push(_ context.Context, data *AudioData) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buffers = append(p.buffers, data)
	return nil
}

func (p *capturePad) EndOfStream(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.eos++
	return nil
}

func (p *capturePad) eosCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.eos
}

func (p *capturePad) bufferCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffers)
}

// samples decodes every captured f32le buffer into one slice.
func (p *capturePad) samples(t *testing.T) []float32 {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []float32
	for _, b := range p.buffers {
		var err error
		out, err = DecodeSamples(out, b.Buffer, b.Format.Encoding)
		require.NoError(t, err)
	}
	return out
}

// f32Format is the canonical format used by most tests: sums can be
// checked exactly.
var f32Format = AudioFormat{SampleRate: 48000, Channels: 1, Encoding: EncodingF32LE}

// constantBuffer builds frames of a constant f32le value.
func constantBuffer(format AudioFormat, frames int, value float32) *AudioData {
	buf := make([]byte, 0, frames*format.Channels*4)
	for range frames * format.Channels {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(value))
	}
	return &AudioData{
		Buffer:   buf,
		Format:   format,
		Duration: format.DurationOf(frames),
	}
}

func constantSamples(n int, value float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = value
	}
	return out
}

// blockingAdapter never reaches a state above Ready until released or
// cancelled.
type blockingAdapter struct {
	*FormatAdapter
	entered chan struct{}
	once    sync.Once
	unblock chan struct{}
}

func newBlockingAdapter(id BranchID, canonical AudioFormat) *blockingAdapter {
	return &blockingAdapter{
		FormatAdapter: NewFormatAdapter(id, canonical, nil),
		entered:       make(chan struct{}),
		unblock:       make(chan struct{}),
	}
}

func (a *blockingAdapter) SetState(ctx context.Context, state State) error {
	if state > StateReady {
		a.once.Do(func() { close(a.entered) })
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.unblock:
		}
	}
	return a.FormatAdapter.SetState(ctx, state)
}

func newTestBin(t *testing.T, cfg Config, opts ...Option) (*MixerBin, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	if cfg.Format.Encoding == "" {
		cfg.Format = f32Format
	}
	if cfg.BufferFrames == 0 {
		cfg.BufferFrames = 480
	}
	if cfg.Latency == 0 {
		cfg.Latency = 20 * time.Millisecond
	}
	if cfg.ConvergenceTimeout == 0 {
		cfg.ConvergenceTimeout = time.Second
	}
	bin, err := NewMixerBin(cfg, append([]Option{WithEventSink(sink)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = bin.Close() })
	return bin, sink
}
