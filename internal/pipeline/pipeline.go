// Package pipeline is a small host runtime for audiocore elements. It owns
// the message bus, links elements, propagates state changes step by step and
// aggregates end-of-stream from its sinks.
package pipeline

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fbasar/kms-core/internal/audiocore"
	"github.com/fbasar/kms-core/internal/errors"
	"github.com/fbasar/kms-core/internal/events"
	"github.com/fbasar/kms-core/internal/logging"
)

const componentPipeline = "pipeline"

// Element is anything the pipeline can drive through the lifecycle.
type Element interface {
	Name() string
	SetState(ctx context.Context, state audiocore.State) (audiocore.StateChangeReturn, error)
}

// BusAware elements post messages to the pipeline.
type BusAware interface {
	SetEventSink(sink audiocore.EventSink)
}

// Linker elements have a single output that can be linked downstream.
type Linker interface {
	Link(peer audiocore.Pad) error
}

// BranchRequester elements create input pads on request.
type BranchRequester interface {
	RequestBranch(ctx context.Context, opts ...audiocore.BranchOption) (*audiocore.InputPad, error)
	ReleaseBranch(id audiocore.BranchID) error
}

type role int

const (
	roleSink role = iota
	roleFilter
	roleSource
)

type entry struct {
	el    Element
	role  role
	state audiocore.State
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithBus makes the pipeline post to an existing bus. The caller keeps
// ownership and shuts it down.
func WithBus(bus *events.Bus) Option {
	return func(p *Pipeline) { p.bus = bus }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// Pipeline hosts a graph of elements.
type Pipeline struct {
	id     string
	name   string
	bus    *events.Bus
	ownBus bool
	logger *slog.Logger

	stateMu sync.Mutex // serializes state changes

	mu       sync.Mutex
	state    audiocore.State
	entries  []*entry
	ended    map[string]bool
	eosCh    chan struct{}
	eosSent  bool
	errCh    chan struct{}
	firstErr error
}

// New creates an empty pipeline in Idle.
func New(name string, opts ...Option) *Pipeline {
	p := &Pipeline{
		id:    uuid.NewString(),
		name:  name,
		ended: make(map[string]bool),
		eosCh: make(chan struct{}),
		errCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.bus == nil {
		p.bus = events.New(events.DefaultConfig())
		p.ownBus = true
	}
	if p.logger == nil {
		p.logger = logging.ForService(componentPipeline)
		if p.logger == nil {
			p.logger = slog.Default()
		}
	}
	p.logger = p.logger.With("pipeline", name, "pipeline_id", p.id)
	return p
}

// ID returns the unique instance id.
func (p *Pipeline) ID() string { return p.id }

// Name returns the pipeline name, used as the source of its own messages.
func (p *Pipeline) Name() string { return p.name }

// Bus returns the bus every element message ends up on.
func (p *Pipeline) Bus() *events.Bus { return p.bus }

// State returns the pipeline state.
func (p *Pipeline) State() audiocore.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// AddSource registers an element that produces data.
func (p *Pipeline) AddSource(el Element) error { return p.add(el, roleSource) }

// AddElement registers an element that sits between sources and sinks.
func (p *Pipeline) AddElement(el Element) error { return p.add(el, roleFilter) }

// AddSink registers an element that consumes data. The pipeline posts
// end-of-stream once every sink has.
func (p *Pipeline) AddSink(el Element) error { return p.add(el, roleSink) }

// add registers el in Idle. Elements added to a started pipeline stay in Idle
// until SyncStateWithParent.
func (p *Pipeline) add(el Element, r role) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.lookupLocked(el.Name()) != nil {
		return errors.Newf("element %q already in pipeline %s", el.Name(), p.name).
			Component(componentPipeline).
			Category(errors.CategoryConflict).
			Context("element", el.Name()).
			Build()
	}
	p.entries = append(p.entries, &entry{el: el, role: r})
	if ba, ok := el.(BusAware); ok {
		ba.SetEventSink(p)
	}
	p.logger.Debug("element added", "element", el.Name(), "state", p.state.String())
	return nil
}

// Remove drives the named element to Idle and drops it from the pipeline.
func (p *Pipeline) Remove(ctx context.Context, name string) error {
	p.mu.Lock()
	e := p.lookupLocked(name)
	p.mu.Unlock()
	if e == nil {
		return errors.Newf("element %q not in pipeline %s", name, p.name).
			Component(componentPipeline).
			Category(errors.CategoryNotFound).
			Build()
	}

	if err := p.walk(ctx, e, audiocore.StateIdle); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = slices.DeleteFunc(p.entries, func(x *entry) bool { return x == e })
	delete(p.ended, name)
	p.logger.Debug("element removed", "element", name)
	return nil
}

// Link connects the output of src to dst.
func (p *Pipeline) Link(src Linker, dst audiocore.Pad) error {
	if err := src.Link(dst); err != nil {
		return errors.New(err).
			Component(componentPipeline).
			Category(errors.CategoryState).
			Context("operation", "link").
			Build()
	}
	return nil
}

// LinkRequest requests a new input pad on dst and links src to it. The pad
// is released again when the link fails.
func (p *Pipeline) LinkRequest(ctx context.Context, src Linker, dst BranchRequester, opts ...audiocore.BranchOption) (*audiocore.InputPad, error) {
	pad, err := dst.RequestBranch(ctx, opts...)
	if err != nil {
		return nil, err
	}
	if err := p.Link(src, pad); err != nil {
		_ = dst.ReleaseBranch(pad.ID())
		return nil, err
	}
	return pad, nil
}

// SetState moves every element to target, one step at a time. Sinks go
// first on the way up and last on the way down.
func (p *Pipeline) SetState(ctx context.Context, target audiocore.State) (audiocore.StateChangeReturn, error) {
	if !target.Valid() {
		return audiocore.StateChangeFailure, audiocore.ErrInvalidState
	}

	p.stateMu.Lock()
	defer p.stateMu.Unlock()

	for {
		p.mu.Lock()
		current := p.state
		p.mu.Unlock()
		if current == target {
			return audiocore.StateChangeSuccess, nil
		}

		next := current.StepToward(target)
		start := time.Now()
		if err := p.step(ctx, current, next); err != nil {
			p.logger.Error("state change failed",
				"from", current.String(),
				"to", next.String(),
				"error", err)
			msg := events.NewMessage(events.MessageError, p.name, "state-change-failed")
			msg.Err = err
			p.publish(msg)
			return audiocore.StateChangeFailure, err
		}

		p.mu.Lock()
		p.state = next
		if next == audiocore.StateReady && current > next {
			p.resetStreamLocked()
		}
		p.mu.Unlock()

		p.logger.Debug("state changed",
			"from", current.String(),
			"to", next.String(),
			"duration", time.Since(start))
		msg := events.NewMessage(events.MessageStateChanged, p.name, "state-changed")
		msg.OldState = current.String()
		msg.NewState = next.String()
		p.publish(msg)
	}
}

func (p *Pipeline) step(ctx context.Context, from, to audiocore.State) error {
	for _, e := range p.ordered(from, to) {
		if err := p.walk(ctx, e, to); err != nil {
			return err
		}
	}
	return nil
}

// ordered returns the entries taking part in the step from -> to, sinks
// first when going up.
func (p *Pipeline) ordered(from, to audiocore.State) []*entry {
	p.mu.Lock()
	defer p.mu.Unlock()

	upward := to > from
	out := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		// Late elements wait for SyncStateWithParent.
		if e.state != from && e.state != to {
			continue
		}
		out = append(out, e)
	}
	slices.SortStableFunc(out, func(a, b *entry) int {
		if upward {
			return int(a.role) - int(b.role)
		}
		return int(b.role) - int(a.role)
	})
	return out
}

// SyncStateWithParent walks a late element up (or down) to the pipeline's
// current state.
func (p *Pipeline) SyncStateWithParent(ctx context.Context, el Element) error {
	p.mu.Lock()
	e := p.lookupLocked(el.Name())
	target := p.state
	p.mu.Unlock()
	if e == nil {
		return errors.Newf("element %q not in pipeline %s", el.Name(), p.name).
			Component(componentPipeline).
			Category(errors.CategoryNotFound).
			Build()
	}
	return p.walk(ctx, e, target)
}

// walk drives one element to target through every intermediate state.
func (p *Pipeline) walk(ctx context.Context, e *entry, target audiocore.State) error {
	for {
		p.mu.Lock()
		current := e.state
		p.mu.Unlock()
		if current == target {
			return nil
		}

		next := current.StepToward(target)
		ret, err := e.el.SetState(ctx, next)
		if err == nil && ret == audiocore.StateChangeFailure {
			err = errors.Newf("element %s refused state %s", e.el.Name(), next).
				Component(componentPipeline).
				Category(errors.CategoryState).
				Build()
		}
		if err != nil {
			return errors.New(err).
				Component(componentPipeline).
				Category(errors.CategoryState).
				Context("element", e.el.Name()).
				Context("from", current.String()).
				Context("to", next.String()).
				Build()
		}

		p.mu.Lock()
		e.state = next
		p.mu.Unlock()
	}
}

// TryPublish receives element messages. End-of-stream from sinks is
// aggregated into a single pipeline end-of-stream; everything else is
// forwarded to the bus.
func (p *Pipeline) TryPublish(msg events.Message) bool {
	if msg.Type != events.MessageEOS {
		return p.publish(msg)
	}

	p.mu.Lock()
	e := p.lookupLocked(msg.Source)
	if e == nil || e.role != roleSink {
		p.mu.Unlock()
		p.logger.Debug("element end-of-stream", "element", msg.Source)
		info := events.NewMessage(events.MessageInfo, msg.Source, "element-eos")
		return p.publish(info)
	}

	p.ended[msg.Source] = true
	sinks := 0
	for _, x := range p.entries {
		if x.role == roleSink {
			sinks++
		}
	}
	complete := len(p.ended) >= sinks && !p.eosSent
	if complete {
		p.eosSent = true
	}
	p.mu.Unlock()

	if !complete {
		return true
	}
	p.logger.Info("end-of-stream", "sinks", sinks)
	return p.publish(events.NewMessage(events.MessageEOS, p.name, "eos"))
}

// publish forwards msg to the bus and records the outcome for Wait.
func (p *Pipeline) publish(msg events.Message) bool {
	p.mu.Lock()
	switch {
	case msg.Type == events.MessageEOS && msg.Source == p.name:
		select {
		case <-p.eosCh:
		default:
			close(p.eosCh)
		}
	case msg.Type == events.MessageError && p.firstErr == nil:
		p.firstErr = msg.Err
		if p.firstErr == nil {
			p.firstErr = errors.Newf("%s: %s", msg.Source, msg.Text).
				Component(componentPipeline).
				Category(errors.CategoryProcessing).
				Build()
		}
		close(p.errCh)
	}
	p.mu.Unlock()
	return p.bus.TryPublish(msg)
}

// Wait blocks until the pipeline has posted end-of-stream or an element has
// posted an error.
func (p *Pipeline) Wait(ctx context.Context) error {
	p.mu.Lock()
	eos, errCh := p.eosCh, p.errCh
	p.mu.Unlock()

	select {
	case <-eos:
		return nil
	case <-errCh:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.firstErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) resetStreamLocked() {
	clear(p.ended)
	p.eosSent = false
	select {
	case <-p.eosCh:
		p.eosCh = make(chan struct{})
	default:
	}
}

func (p *Pipeline) lookupLocked(name string) *entry {
	for _, e := range p.entries {
		if e.el.Name() == name {
			return e
		}
	}
	return nil
}

// Close stops the pipeline and shuts down its bus when it owns it.
func (p *Pipeline) Close(ctx context.Context) error {
	_, err := p.SetState(ctx, audiocore.StateIdle)
	if p.ownBus {
		if shutdownErr := p.bus.Shutdown(2 * time.Second); shutdownErr != nil {
			err = errors.Join(err, shutdownErr)
		}
	}
	return err
}
