package audiocore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fbasar/kms-core/internal/errors"
	"github.com/fbasar/kms-core/internal/observability/metrics"
)

// MixerConfig configures a StreamMixer.
type MixerConfig struct {
	Format       AudioFormat   // canonical output format
	BufferFrames int           // frames per output buffer
	Latency      time.Duration // longest wait for a starved endpoint
	QueueBuffers int           // per-endpoint queue capacity in output buffers
}

// StreamMixer sums the samples of every active endpoint into one output
// stream. The aggregation loop only runs while the mixer is Running.
type StreamMixer struct {
	cfg     MixerConfig
	source  *SourceEndpoint
	metrics *MetricsCollector
	logger  *slog.Logger

	mu          sync.Mutex
	endpoints   map[BranchID]*MixerEndpoint
	state       State
	position    int64 // output frames produced since the last reset
	outputEnded bool
	closed      bool
	loopCancel  context.CancelFunc
	loopDone    chan struct{}

	notifyCh chan struct{}

	// Called from the aggregation loop without any mixer lock held.
	onDrained   func(id BranchID)
	onOutputEOS func()
}

// NewStreamMixer creates a mixer and its output endpoint.
func NewStreamMixer(cfg MixerConfig, mc *MetricsCollector, logger *slog.Logger) (*StreamMixer, error) {
	cfg.Format = cfg.Format.Normalized()
	if err := cfg.Format.Validate(); err != nil {
		return nil, errors.New(fmt.Errorf("%w: %w", ErrMixerConstruction, err)).
			Component(ComponentAudioCore).
			Category(errors.CategoryConstruction).
			Priority(errors.PriorityCritical).
			Context("format", cfg.Format.String()).
			Build()
	}
	if cfg.BufferFrames <= 0 || cfg.QueueBuffers <= 0 || cfg.Latency <= 0 {
		return nil, errors.New(ErrMixerConstruction).
			Component(ComponentAudioCore).
			Category(errors.CategoryConstruction).
			Priority(errors.PriorityCritical).
			Context("buffer_frames", cfg.BufferFrames).
			Context("queue_buffers", cfg.QueueBuffers).
			Context("latency", cfg.Latency.String()).
			Build()
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &StreamMixer{
		cfg:       cfg,
		source:    newSourceEndpoint(cfg.Format),
		metrics:   mc,
		logger:    logger.With("component", "mixer"),
		endpoints: make(map[BranchID]*MixerEndpoint),
		notifyCh:  make(chan struct{}, 1),
	}, nil
}

// Source returns the output endpoint.
func (m *StreamMixer) Source() *SourceEndpoint { return m.source }

// Format returns the canonical format.
func (m *StreamMixer) Format() AudioFormat { return m.cfg.Format }

// RequestEndpoint creates the sink endpoint for a branch. The endpoint starts
// flushing; the caller moves it to the branch's state.
func (m *StreamMixer) RequestEndpoint(id BranchID) (*MixerEndpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.closed:
		return nil, ErrBinClosed
	case m.outputEnded:
		return nil, ErrOutputEnded
	}
	if _, exists := m.endpoints[id]; exists {
		return nil, errors.Newf("endpoint for branch %d already exists", id).
			Component(ComponentAudioCore).
			Category(errors.CategoryConflict).
			Build()
	}

	ep := newMixerEndpoint(id, m.cfg.Format.Channels, m.cfg.BufferFrames*m.cfg.QueueBuffers, m.position, m.notify)
	m.endpoints[id] = ep
	m.logger.Debug("endpoint requested", "branch_id", uint64(id), "position", m.position)
	return ep, nil
}

// ReleaseEndpoint flushes and forgets the endpoint of a branch. It reports
// whether the endpoint was still registered.
func (m *StreamMixer) ReleaseEndpoint(id BranchID) bool {
	m.mu.Lock()
	ep, ok := m.endpoints[id]
	delete(m.endpoints, id)
	m.mu.Unlock()

	if !ok {
		return false
	}
	ep.release()
	m.notify()
	return true
}

// releaseAll flushes every remaining endpoint.
func (m *StreamMixer) releaseAll() int {
	m.mu.Lock()
	eps := m.endpoints
	m.endpoints = make(map[BranchID]*MixerEndpoint)
	m.mu.Unlock()

	for _, ep := range eps {
		ep.release()
	}
	return len(eps)
}

// Endpoints returns the number of registered endpoints.
func (m *StreamMixer) Endpoints() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.endpoints)
}

// Position returns the number of output frames produced.
func (m *StreamMixer) Position() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.position
}

// OutputEnded reports whether end-of-stream was pushed downstream.
func (m *StreamMixer) OutputEnded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outputEnded
}

// State returns the mixer's current state.
func (m *StreamMixer) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SetState moves the mixer to state, starting or stopping the aggregation
// loop. Dropping to Ready or below rewinds the output position and allows
// new endpoints after an output end-of-stream.
func (m *StreamMixer) SetState(ctx context.Context, state State) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrBinClosed
	}

	m.state = state
	if state <= StateReady {
		m.position = 0
		m.outputEnded = false
	}

	var done chan struct{}
	switch {
	case state == StateRunning && m.loopCancel == nil:
		loopCtx, cancel := context.WithCancel(context.Background())
		m.loopCancel = cancel
		m.loopDone = make(chan struct{})
		go m.run(loopCtx, m.loopDone)
	case state != StateRunning && m.loopCancel != nil:
		m.loopCancel()
		done = m.loopDone
		m.loopCancel = nil
		m.loopDone = nil
	}
	m.mu.Unlock()

	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the loop and releases every endpoint.
func (m *StreamMixer) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.state = StateIdle
	cancel, done := m.loopCancel, m.loopDone
	m.loopCancel = nil
	m.loopDone = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	m.releaseAll()
	m.source.Unlink()
	return nil
}

func (m *StreamMixer) notify() {
	select {
	case m.notifyCh <- struct{}{}:
	default:
	}
}

func (m *StreamMixer) snapshot() []*MixerEndpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	eps := make([]*MixerEndpoint, 0, len(m.endpoints))
	for _, ep := range m.endpoints {
		eps = append(eps, ep)
	}
	return eps
}

// readiness classifies the active endpoints. complete is true when every
// endpoint has a full buffer queued or has ended; anyReady when at least
// one of them could contribute right now.
func (m *StreamMixer) readiness() (complete, anyReady bool) {
	eps := m.snapshot()
	if len(eps) == 0 {
		return false, false
	}
	complete = true
	for _, ep := range eps {
		frames, eos := ep.status()
		if frames >= m.cfg.BufferFrames || eos {
			anyReady = true
		} else {
			complete = false
		}
	}
	return complete, anyReady
}

func (m *StreamMixer) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	out := make([]float32, m.cfg.BufferFrames*m.cfg.Format.Channels)
	timer := time.NewTimer(m.cfg.Latency)
	timer.Stop()
	defer timer.Stop()

	m.logger.Debug("aggregation loop started")
	defer m.logger.Debug("aggregation loop stopped")

	var waitingSince time.Time
	for {
		complete, anyReady := m.readiness()

		var expired <-chan time.Time
		switch {
		case complete:
			waitingSince = time.Time{}
			if !m.mixOnce(ctx, out) {
				return
			}
			continue
		case anyReady:
			if waitingSince.IsZero() {
				waitingSince = time.Now()
			}
			remaining := m.cfg.Latency - time.Since(waitingSince)
			if remaining <= 0 {
				waitingSince = time.Time{}
				if !m.mixOnce(ctx, out) {
					return
				}
				continue
			}
			timer.Reset(remaining)
			expired = timer.C
		default:
			waitingSince = time.Time{}
		}

		select {
		case <-ctx.Done():
			return
		case <-m.notifyCh:
		case <-expired:
		}
		timer.Stop()
	}
}

// mixOnce produces one output buffer from every endpoint that can
// contribute. Starved endpoints count as silence and keep their partial
// data. It returns false when the loop must stop.
func (m *StreamMixer) mixOnce(ctx context.Context, out []float32) bool {
	clear(out)

	var (
		frames   int
		consumed int
		starved  bool
		drained  []*MixerEndpoint
	)
	for _, ep := range m.snapshot() {
		queued, eos := ep.status()
		if queued < m.cfg.BufferFrames && !eos {
			starved = true
			continue
		}
		n, done := ep.mixInto(out)
		frames = max(frames, n)
		consumed += n
		if done {
			drained = append(drained, ep)
		}
	}

	if starved && frames > 0 {
		// time moves on for the starved endpoints too
		frames = m.cfg.BufferFrames
	}
	if frames > 0 {
		samples := out[:frames*m.cfg.Format.Channels]
		data := &AudioData{
			Buffer:    EncodeSamples(make([]byte, 0, frames*m.cfg.Format.FrameSize()), samples, m.cfg.Format.Encoding),
			Format:    m.cfg.Format,
			Timestamp: time.Now(),
			Duration:  m.cfg.Format.DurationOf(frames),
			SourceID:  "mixer",
		}

		m.mu.Lock()
		m.position += int64(frames)
		m.mu.Unlock()

		m.metrics.RecordMix(frames, starved)
		m.metrics.RecordEndpointFrames(consumed)

		if err := m.source.push(ctx, data); err != nil {
			if ctx.Err() != nil {
				return false
			}
			m.logger.Warn("downstream rejected mixed buffer", "error", err, "frames", frames)
		}
	}

	if len(drained) > 0 {
		m.finishDrained(ctx, drained)
	}
	return ctx.Err() == nil
}

// finishDrained removes drained endpoints from the active set. When that
// leaves no endpoint, end-of-stream goes downstream once.
func (m *StreamMixer) finishDrained(ctx context.Context, drained []*MixerEndpoint) {
	m.mu.Lock()
	for _, ep := range drained {
		if m.endpoints[ep.branch] == ep {
			delete(m.endpoints, ep.branch)
		}
	}
	ended := len(m.endpoints) == 0 && !m.outputEnded
	if ended {
		m.outputEnded = true
	}
	m.mu.Unlock()

	for _, ep := range drained {
		ep.release()
		m.metrics.RecordEOS(metrics.ScopeBranch)
		if m.onDrained != nil {
			m.onDrained(ep.branch)
		}
	}

	if !ended {
		return
	}
	m.logger.Info("all inputs drained, ending output", "position", m.Position())
	m.metrics.RecordEOS(metrics.ScopeOutput)
	if err := m.source.endOfStream(ctx); err != nil && ctx.Err() == nil {
		m.logger.Warn("downstream rejected end-of-stream", "error", err)
	}
	if m.onOutputEOS != nil {
		m.onOutputEOS()
	}
}
