package audiocore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fbasar/kms-core/internal/errors"
)

// FormatAdapter is the default Adapter. It decodes the input encoding, maps
// the channel layout and resamples to the canonical rate.
type FormatAdapter struct {
	id        BranchID
	canonical AudioFormat

	mu         sync.Mutex
	in         AudioFormat
	negotiated bool
	state      State
	closed     bool
	resampler  *Resampler
	decoded    []float32
	mapped     []float32

	logger *slog.Logger
}

// NewFormatAdapter creates an adapter producing the canonical format.
func NewFormatAdapter(id BranchID, canonical AudioFormat, logger *slog.Logger) *FormatAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &FormatAdapter{
		id:        id,
		canonical: canonical,
		logger:    logger.With("component", "adapter", "branch_id", uint64(id)),
	}
}

// Negotiate validates the input format and prepares the conversion. It may be
// called again to renegotiate; buffered interpolation state is dropped.
func (a *FormatAdapter) Negotiate(in AudioFormat) error {
	in = in.Normalized()
	if err := in.Validate(); err != nil {
		return errors.New(fmt.Errorf("%w: %w", ErrNegotiationFailed, err)).
			Component(ComponentAudioCore).
			Category(errors.CategoryNegotiation).
			Context("branch_id", uint64(a.id)).
			Context("format", in.String()).
			Build()
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrFlushing
	}
	if a.negotiated && a.in == in {
		return nil
	}

	a.in = in
	a.negotiated = true
	a.resampler = NewResampler(in.SampleRate, a.canonical.SampleRate, a.canonical.Channels)

	a.logger.Debug("input format negotiated",
		"input", in.String(),
		"output", a.canonical.String(),
		"resample", !a.resampler.Passthrough())
	return nil
}

// Process converts one buffer. The returned slice is owned by the caller.
func (a *FormatAdapter) Process(data *AudioData) ([]float32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch {
	case a.closed:
		return nil, ErrFlushing
	case !a.negotiated:
		return nil, ErrNotNegotiated
	}

	frameSize := a.in.FrameSize()
	if len(data.Buffer)%frameSize != 0 {
		return nil, errors.Newf("buffer of %d bytes is not a whole number of %d-byte frames", len(data.Buffer), frameSize).
			Component(ComponentAudioCore).
			Category(errors.CategoryProcessing).
			Context("branch_id", uint64(a.id)).
			Context("format", a.in.String()).
			Build()
	}

	var err error
	a.decoded, err = DecodeSamples(a.decoded[:0], data.Buffer, a.in.Encoding)
	if err != nil {
		return nil, errors.New(err).
			Component(ComponentAudioCore).
			Category(errors.CategoryProcessing).
			Context("branch_id", uint64(a.id)).
			Build()
	}
	a.mapped = mapChannels(a.mapped[:0], a.decoded, a.in.Channels, a.canonical.Channels)

	return a.resampler.Process(nil, a.mapped), nil
}

// Drain flushes the interpolation tail at end-of-stream.
func (a *FormatAdapter) Drain() []float32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || a.resampler == nil {
		return nil
	}
	return a.resampler.Flush(nil)
}

// SetState moves the adapter to state. Stream state is reset whenever the
// adapter passes between Ready and Paused; the negotiated format is kept.
func (a *FormatAdapter) SetState(ctx context.Context, state State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrFlushing
	}

	crossesPaused := (a.state <= StateReady) != (state <= StateReady)
	if crossesPaused && a.resampler != nil {
		a.resampler.Reset()
	}
	a.state = state
	return nil
}

// Close releases the adapter.
func (a *FormatAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	a.resampler = nil
	a.decoded = nil
	a.mapped = nil
	return nil
}

// InputFormat returns the negotiated input format.
func (a *FormatAdapter) InputFormat() (AudioFormat, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.in, a.negotiated
}
