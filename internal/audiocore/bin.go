package audiocore

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/fbasar/kms-core/internal/conf"
	"github.com/fbasar/kms-core/internal/errors"
	"github.com/fbasar/kms-core/internal/events"
	"github.com/fbasar/kms-core/internal/logging"
	"github.com/fbasar/kms-core/internal/observability/metrics"
)

// Config configures a MixerBin. Zero fields take their defaults.
type Config struct {
	Name                  string
	Format                AudioFormat
	BufferFrames          int
	Latency               time.Duration
	ConvergenceTimeout    time.Duration
	MaxConcurrentAttaches int
	EndpointQueueBuffers  int
	StaleBranchTTL        time.Duration
}

// ConfigFromSettings builds a bin configuration from loaded settings.
func ConfigFromSettings(name string, s conf.MixerSettings) Config {
	return Config{
		Name: name,
		Format: AudioFormat{
			SampleRate: s.SampleRate,
			Channels:   s.Channels,
			Encoding:   s.Encoding,
		},
		BufferFrames:          s.BufferFrames,
		Latency:               s.Latency,
		ConvergenceTimeout:    s.ConvergenceTimeout,
		MaxConcurrentAttaches: s.MaxConcurrentAttaches,
		EndpointQueueBuffers:  s.EndpointQueueBuffers,
		StaleBranchTTL:        s.StaleBranchTTL,
	}
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "audiomixerbin"
	}
	if c.Format.SampleRate == 0 {
		c.Format.SampleRate = DefaultSampleRate
	}
	if c.Format.Channels == 0 {
		c.Format.Channels = DefaultChannels
	}
	if c.Format.Encoding == "" {
		c.Format.Encoding = EncodingS16LE
	}
	if c.BufferFrames == 0 {
		c.BufferFrames = DefaultBufferFrames
	}
	if c.Latency == 0 {
		c.Latency = DefaultLatency
	}
	if c.ConvergenceTimeout == 0 {
		c.ConvergenceTimeout = DefaultConvergenceTimeout
	}
	if c.MaxConcurrentAttaches == 0 {
		c.MaxConcurrentAttaches = DefaultMaxConcurrentAttaches
	}
	if c.EndpointQueueBuffers == 0 {
		c.EndpointQueueBuffers = DefaultEndpointQueueBuffers
	}
	if c.StaleBranchTTL == 0 {
		c.StaleBranchTTL = DefaultStaleBranchTTL
	}
	c.Format = c.Format.Normalized()
	return c
}

// Option configures a MixerBin.
type Option func(*MixerBin)

// WithEventSink sets the host event channel.
func WithEventSink(sink EventSink) Option {
	return func(b *MixerBin) { b.sink = sink }
}

// WithMetrics records the bin's metrics on m.
func WithMetrics(m *metrics.MixerBinMetrics) Option {
	return func(b *MixerBin) { b.metricsSource = m }
}

// WithAdapterFactory replaces the default FormatAdapter.
func WithAdapterFactory(f AdapterFactory) Option {
	return func(b *MixerBin) { b.adapterFactory = f }
}

// WithLogger sets the base logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *MixerBin) { b.logger = logger }
}

// BranchOption configures a single RequestBranch call.
type BranchOption func(*branchOptions)

type branchOptions struct {
	format *AudioFormat
}

// WithFormat negotiates the input format while the branch is created. A
// format the adapter rejects fails the request.
func WithFormat(format AudioFormat) BranchOption {
	return func(o *branchOptions) { o.format = &format }
}

// MixerBin accepts a changing number of input branches and mixes them into
// one output.
type MixerBin struct {
	id   string
	name string
	cfg  Config

	mixer  *StreamMixer
	pads   *padManager
	attach *attachController
	proxy  *stateProxy

	adapterFactory AdapterFactory
	metricsSource  *metrics.MixerBinMetrics
	metrics        *MetricsCollector
	logger         *slog.Logger

	sinkMu sync.RWMutex
	sink   EventSink

	closed atomic.Bool
}

// NewMixerBin builds the bin with its mixer and output endpoint. A failure
// here is fatal for the bin.
func NewMixerBin(cfg Config, opts ...Option) (*MixerBin, error) {
	cfg = cfg.withDefaults()

	b := &MixerBin{
		id:   uuid.NewString(),
		name: cfg.Name,
		cfg:  cfg,
	}
	for _, opt := range opts {
		opt(b)
	}

	if b.logger == nil {
		b.logger = logging.ForService("audiocore")
		if b.logger == nil {
			b.logger = slog.Default()
		}
	}
	b.logger = b.logger.With("component", "mixerbin", "bin", b.name, "bin_id", b.id)
	b.metrics = NewMetricsCollector(b.metricsSource, b.id)

	if b.adapterFactory == nil {
		b.adapterFactory = func(id BranchID, canonical AudioFormat) Adapter {
			return NewFormatAdapter(id, canonical, b.logger)
		}
	}

	mixer, err := NewStreamMixer(MixerConfig{
		Format:       cfg.Format,
		BufferFrames: cfg.BufferFrames,
		Latency:      cfg.Latency,
		QueueBuffers: cfg.EndpointQueueBuffers,
	}, b.metrics, b.logger)
	if err != nil {
		return nil, err
	}
	mixer.onDrained = b.handleDrained
	mixer.onOutputEOS = b.handleOutputEOS

	b.mixer = mixer
	b.pads = newPadManager(cfg.StaleBranchTTL)
	b.attach = newAttachController(cfg.MaxConcurrentAttaches, cfg.ConvergenceTimeout)
	b.proxy = newStateProxy(b)

	b.logger.Info("mixer bin created",
		"format", cfg.Format.String(),
		"buffer_frames", cfg.BufferFrames,
		"latency", cfg.Latency)
	return b, nil
}

// ID returns the unique instance id.
func (b *MixerBin) ID() string { return b.id }

// Name returns the element name used as the source of posted messages.
func (b *MixerBin) Name() string { return b.name }

// Format returns the canonical output format.
func (b *MixerBin) Format() AudioFormat { return b.cfg.Format }

// State returns the bin's current aggregate state.
func (b *MixerBin) State() State { return b.proxy.state() }

// Pending returns the target of a state change in progress, or the current
// state when none is.
func (b *MixerBin) Pending() State { return b.proxy.pendingState() }

// SetEventSink replaces the host event channel.
func (b *MixerBin) SetEventSink(sink EventSink) {
	b.sinkMu.Lock()
	defer b.sinkMu.Unlock()
	b.sink = sink
}

// Link connects the bin's single output to a downstream pad.
func (b *MixerBin) Link(peer Pad) error {
	if b.closed.Load() {
		return ErrBinClosed
	}
	return b.mixer.Source().Link(peer)
}

// SetState moves the bin to target one step at a time and returns once it
// has arrived or the mixer has failed.
func (b *MixerBin) SetState(ctx context.Context, target State) (StateChangeReturn, error) {
	if err := b.checkStateRequest(target); err != nil {
		return StateChangeFailure, err
	}
	return b.proxy.setState(ctx, target)
}

// SetStateAsync starts a change to target and returns at once. Progress is
// visible through State and Pending.
func (b *MixerBin) SetStateAsync(target State) (StateChangeReturn, error) {
	if err := b.checkStateRequest(target); err != nil {
		return StateChangeFailure, err
	}
	return b.proxy.setStateAsync(target), nil
}

func (b *MixerBin) checkStateRequest(target State) error {
	if b.closed.Load() {
		return ErrBinClosed
	}
	if !target.Valid() {
		err := errors.New(ErrInvalidState).
			Component(ComponentAudioCore).
			Context("state", int(target)).
			Build()
		b.reportMisuse("set_state", err)
		return err
	}
	return nil
}

// RequestBranch creates a new input branch and returns its pad. When the
// bin is above Idle the branch is first brought to the bin's state.
func (b *MixerBin) RequestBranch(ctx context.Context, opts ...BranchOption) (*InputPad, error) {
	if b.closed.Load() {
		return nil, ErrBinClosed
	}
	var bo branchOptions
	for _, opt := range opts {
		opt(&bo)
	}

	if err := b.attach.acquire(ctx); err != nil {
		return nil, err
	}
	defer b.attach.release()

	b.proxy.mu.RLock()
	defer b.proxy.mu.RUnlock()

	start := time.Now()
	state := b.proxy.state()
	class := AttachPreStart
	if state == StateRunning {
		class = AttachPostStart
	}

	teardown := b.attach.teardown()
	if teardown.Err() != nil || b.closed.Load() {
		b.reportMisuse("request_branch", ErrBinShuttingDown)
		b.metrics.RecordAttach(class, metrics.StatusAborted, 0)
		return nil, ErrBinShuttingDown
	}

	id := b.pads.allocateID()
	adapter := b.adapterFactory(id, b.cfg.Format)

	if bo.format != nil {
		format := bo.format.Normalized()
		if err := adapter.Negotiate(format); err != nil {
			_ = adapter.Close()
			b.reportNegotiation(id, format, err)
			b.metrics.RecordAttach(class, metrics.StatusError, 0)
			return nil, err
		}
	}

	ep, err := b.mixer.RequestEndpoint(id)
	if err != nil {
		_ = adapter.Close()
		if errors.IsMisuse(err) {
			b.reportMisuse("request_branch", err)
		}
		b.metrics.RecordAttach(class, metrics.StatusError, 0)
		return nil, err
	}

	br := newInputBranch(id, class, adapter, ep)
	if bo.format != nil {
		br.setNegotiated(bo.format.Normalized())
	}
	br.setLink(LinkLinked)
	b.pads.add(br)

	if state > StateIdle {
		if err := b.attach.syncState(ctx, teardown, br, state); err != nil {
			status := metrics.StatusError
			switch {
			case errors.Is(err, ErrAttachAborted):
				status = metrics.StatusAborted
				b.logger.Debug("attach aborted", "branch_id", uint64(id), "error", err)
				b.teardownBranch(id, metrics.ReleaseTeardown)
			case errors.Is(err, ErrConvergenceTimeout):
				status = metrics.StatusTimeout
				b.failBranch(br, err)
			default:
				b.failBranch(br, err)
			}
			b.metrics.RecordAttach(class, status, 0)
			return nil, err
		}
	}

	b.metrics.RecordAttach(class, metrics.StatusSuccess, time.Since(start))
	b.metrics.RecordActiveBranches(b.pads.len())
	b.logger.Info("branch added",
		"branch_id", uint64(id),
		"attach_class", class.String(),
		"state", state.String())
	b.post(events.NewMessage(events.MessageInfo, b.name, EventBranchAdded).
		With("branch_id", uint64(id)).
		With("attach_class", class.String()))

	return &InputPad{bin: b, branch: br}, nil
}

// ReleaseBranch removes a branch. Releasing an id the bin does not know is
// reported as misuse and otherwise ignored.
func (b *MixerBin) ReleaseBranch(id BranchID) error {
	if b.closed.Load() {
		return ErrBinClosed
	}

	b.proxy.mu.RLock()
	defer b.proxy.mu.RUnlock()

	if b.teardownBranch(id, metrics.ReleaseRequested) {
		return nil
	}

	err := errors.New(ErrBranchNotFound).
		Component(ComponentAudioCore).
		Context("branch_id", uint64(id)).
		Build()
	if b.pads.wasReleased(id) {
		b.logger.Debug("release of already removed branch", "branch_id", uint64(id))
		return err
	}
	b.reportMisuse("release_branch", err)
	return err
}

// Branches returns a snapshot of every branch ordered by id.
func (b *MixerBin) Branches() []BranchInfo {
	branches := b.pads.snapshot()
	out := make([]BranchInfo, 0, len(branches))
	for _, br := range branches {
		out = append(out, br.Info())
	}
	return out
}

// Branch returns a snapshot of one branch.
func (b *MixerBin) Branch(id BranchID) (BranchInfo, bool) {
	br, ok := b.pads.get(id)
	if !ok {
		return BranchInfo{}, false
	}
	return br.Info(), true
}

// Close drives the bin to Idle and releases the mixer. The bin cannot be
// used afterwards.
func (b *MixerBin) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.proxy.stopAsync()

	_, err := b.proxy.setState(context.Background(), StateIdle)
	if cerr := b.mixer.Close(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	b.pads.close()
	b.metrics.RecordActiveBranches(0)
	b.logger.Info("mixer bin closed")
	return err
}

// teardownBranch removes a branch and frees its adapter and endpoint. It
// reports whether this call removed it.
func (b *MixerBin) teardownBranch(id BranchID, reason string) bool {
	br := b.pads.remove(id)
	if br == nil || !br.markReleased() {
		return false
	}

	// flush first so that blocked pushers return
	b.mixer.ReleaseEndpoint(id)

	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.ConvergenceTimeout)
	defer cancel()
	if err := br.adapter.SetState(ctx, StateIdle); err != nil {
		b.logger.Debug("adapter did not reach idle", "branch_id", uint64(id), "error", err)
	}
	if err := br.adapter.Close(); err != nil {
		b.logger.Debug("adapter close failed", "branch_id", uint64(id), "error", err)
	}
	br.setLink(LinkUnlinked)

	b.metrics.RecordRelease(reason)
	b.metrics.RecordActiveBranches(b.pads.len())
	b.logger.Info("branch removed", "branch_id", uint64(id), "reason", reason)
	b.post(events.NewMessage(events.MessageInfo, b.name, EventBranchRemoved).
		With("branch_id", uint64(id)).
		With("reason", reason))
	return true
}

// failBranch removes a branch after a mid-stream failure and reports it as
// a warning. The bin keeps running.
func (b *MixerBin) failBranch(br *InputBranch, cause error) {
	br.setLink(LinkError)

	err := errors.New(cause).
		Component(ComponentAudioCore).
		Category(errors.CategoryBranch).
		Context("branch_id", uint64(br.id)).
		Build()

	errorType := string(errors.CategoryGeneric)
	var enh *errors.EnhancedError
	if errors.As(cause, &enh) {
		errorType = string(enh.Category)
	}

	b.metrics.RecordBranchFailure(errorType)
	b.logger.Warn("branch failed", "branch_id", uint64(br.id), "error", cause)

	msg := events.NewMessage(events.MessageWarning, b.name, EventBranchFailed).
		With("branch_id", uint64(br.id))
	msg.Err = err
	b.post(msg)

	b.teardownBranch(br.id, metrics.ReleaseFailure)
}

// failNegotiation handles a format rejected after the branch was created.
func (b *MixerBin) failNegotiation(br *InputBranch, format AudioFormat, err error) {
	br.setLink(LinkError)
	b.reportNegotiation(br.id, format, err)
	b.teardownBranch(br.id, metrics.ReleaseFailure)
}

func (b *MixerBin) reportNegotiation(id BranchID, format AudioFormat, err error) {
	b.metrics.RecordNegotiationFailure(format.Encoding)
	b.logger.Error("input format rejected",
		"branch_id", uint64(id),
		"format", format.String(),
		"error", err)

	msg := events.NewMessage(events.MessageError, b.name, EventNegotiation).
		With("branch_id", uint64(id)).
		With("format", format.String())
	msg.Err = err
	b.post(msg)
}

func (b *MixerBin) reportMisuse(operation string, err error) {
	b.metrics.RecordMisuse(operation)
	b.logger.Warn("misuse", "operation", operation, "error", err)

	msg := events.NewMessage(events.MessageWarning, b.name, EventMisuse).
		With("operation", operation)
	msg.Err = err
	b.post(msg)
}

// branchEnded is called when upstream signals end-of-stream on a branch.
func (b *MixerBin) branchEnded(br *InputBranch) {
	b.logger.Debug("branch reached end-of-stream", "branch_id", uint64(br.id))
	b.post(events.NewMessage(events.MessageInfo, b.name, EventBranchEOS).
		With("branch_id", uint64(br.id)))
}

// handleDrained runs on the aggregation loop once an ended branch has been
// fully mixed. It must not take the state lock.
func (b *MixerBin) handleDrained(id BranchID) {
	if _, ok := b.pads.get(id); !ok {
		if b.pads.wasReleased(id) {
			b.logger.Debug("drain of already removed branch", "branch_id", uint64(id))
		}
		return
	}
	b.teardownBranch(id, metrics.ReleaseEOS)
}

func (b *MixerBin) handleOutputEOS() {
	b.logger.Info("output reached end-of-stream")
	b.post(events.NewMessage(events.MessageEOS, b.name, "eos"))
}

func (b *MixerBin) post(msg events.Message) {
	b.sinkMu.RLock()
	sink := b.sink
	b.sinkMu.RUnlock()

	if sink == nil {
		return
	}
	if !sink.TryPublish(msg) {
		b.logger.Debug("event dropped", "type", msg.Type.String(), "text", msg.Text)
	}
}
