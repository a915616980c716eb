package audiocore

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fbasar/kms-core/internal/errors"
	"github.com/fbasar/kms-core/internal/events"
	"github.com/fbasar/kms-core/internal/observability/metrics"
)

// stateProxy forwards lifecycle changes of the bin to the mixer and to
// every branch, one state step at a time.
type stateProxy struct {
	bin *MixerBin

	// mu is held for writing during a state change and for reading while
	// a branch is requested or released.
	mu sync.RWMutex

	current atomic.Int32
	pending atomic.Int32

	asyncMu     sync.Mutex
	asyncCancel context.CancelFunc
	asyncDone   chan struct{}
}

func newStateProxy(bin *MixerBin) *stateProxy {
	return &stateProxy{bin: bin}
}

func (p *stateProxy) state() State { return State(p.current.Load()) }
func (p *stateProxy) pendingState() State { return State(p.pending.Load()) }

// setState walks the bin from its current state to target.
func (p *stateProxy) setState(ctx context.Context, target State) (StateChangeReturn, error) {
	if target < p.state() && target <= StateReady {
		// before taking mu so that attaches holding it for reading abort
		p.bin.attach.beginTeardown()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	defer p.bin.attach.rearm()

	p.pending.Store(int32(target))
	defer func() { p.pending.Store(p.current.Load()) }()

	for cur := p.state(); cur != target; cur = p.state() {
		next := cur.StepToward(target)
		if err := p.step(ctx, cur, next); err != nil {
			p.rollback(cur, next)
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				p.bin.logger.Debug("state change abandoned",
					"from", cur.String(),
					"to", next.String(),
					"target", target.String(),
					"error", err)
				return StateChangeFailure, err
			}
			p.bin.logger.Error("state change failed",
				"from", cur.String(),
				"to", next.String(),
				"error", err)
			msg := events.NewMessage(events.MessageError, p.bin.name, "state-change-failed").With("target", target.String())
			msg.Err = err
			p.bin.post(msg)
			return StateChangeFailure, err
		}
		p.current.Store(int32(next))

		msg := events.NewMessage(events.MessageStateChanged, p.bin.name, "state-changed")
		msg.OldState = cur.String()
		msg.NewState = next.String()
		p.bin.post(msg)
	}
	return StateChangeSuccess, nil
}

// setStateAsync starts a change in the background, superseding any
// change still in flight.
func (p *stateProxy) setStateAsync(target State) StateChangeReturn {
	p.asyncMu.Lock()
	defer p.asyncMu.Unlock()

	if p.asyncCancel != nil {
		p.asyncCancel()
		<-p.asyncDone
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	p.asyncCancel = cancel
	p.asyncDone = done
	p.pending.Store(int32(target))

	go func() {
		defer close(done)
		if _, err := p.setState(ctx, target); err != nil {
			p.bin.logger.Warn("asynchronous state change did not complete",
				"target", target.String(),
				"error", err)
		}
	}()
	return StateChangeAsync
}

// stopAsync cancels and waits for a background change.
func (p *stateProxy) stopAsync() {
	p.asyncMu.Lock()
	defer p.asyncMu.Unlock()
	if p.asyncCancel != nil {
		p.asyncCancel()
		<-p.asyncDone
		p.asyncCancel = nil
		p.asyncDone = nil
	}
}

// step performs one transition. Upward steps drive the mixer before the
// branches, downward steps the branches before the mixer.
func (p *stateProxy) step(ctx context.Context, from, to State) error {
	start := time.Now()
	status := metrics.StatusSuccess
	defer func() {
		p.bin.metrics.RecordStateStep(from, to, status, time.Since(start))
	}()

	if to > from {
		if err := p.stepMixer(ctx, to); err != nil {
			status = metrics.StatusError
			return err
		}
		if err := p.forwardToBranches(ctx, to); err != nil {
			status = metrics.StatusAborted
			return err
		}
		return nil
	}

	if err := p.forwardToBranches(ctx, to); err != nil {
		status = metrics.StatusAborted
		return err
	}
	if to == StateIdle {
		p.releaseAll()
	}
	if err := p.stepMixer(ctx, to); err != nil {
		status = metrics.StatusError
		return err
	}
	return nil
}

// rollback returns the mixer and every branch to from after an
// interrupted step to to, so the bin still reports the state of its parts.
// It walks in the usual order for the direction it moves in.
func (p *stateProxy) rollback(from, to State) {
	ctx := context.Background()
	branches := func() {
		if err := p.forwardToBranches(ctx, from); err != nil {
			p.bin.logger.Debug("branch rollback incomplete", "state", from.String(), "error", err)
		}
	}
	mixer := func() {
		if err := p.stepMixer(ctx, from); err != nil {
			p.bin.logger.Warn("mixer rollback failed", "state", from.String(), "error", err)
		}
	}

	p.bin.logger.Debug("rolling back state step", "from", to.String(), "to", from.String())
	if to > from {
		branches()
		mixer()
		return
	}
	mixer()
	branches()
}

func (p *stateProxy) stepMixer(ctx context.Context, to State) error {
	stepCtx, cancel := context.WithTimeout(ctx, p.bin.cfg.ConvergenceTimeout)
	defer cancel()

	if err := p.bin.mixer.SetState(stepCtx, to); err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: mixer did not reach %s", ErrConvergenceTimeout, to)
		}
		return errors.New(err).
			Component(ComponentAudioCore).
			Context("operation", "mixer_state").
			Context("state", to.String()).
			Build()
	}
	return nil
}

// forwardToBranches drives every branch to state concurrently. A branch
// that fails or does not converge in time is removed; the step carries on.
// Only cancellation of ctx aborts the step.
func (p *stateProxy) forwardToBranches(ctx context.Context, to State) error {
	var g errgroup.Group
	for _, br := range p.bin.pads.snapshot() {
		g.Go(func() error {
			stepCtx, cancel := context.WithTimeout(ctx, p.bin.cfg.ConvergenceTimeout)
			defer cancel()

			err := br.setState(stepCtx, to)
			switch {
			case err == nil:
				return nil
			case ctx.Err() != nil:
				return ctx.Err()
			case errors.Is(stepCtx.Err(), context.DeadlineExceeded):
				err = fmt.Errorf("%w: branch did not reach %s within %s", ErrConvergenceTimeout, to, p.bin.cfg.ConvergenceTimeout)
			}
			if _, still := p.bin.pads.get(br.id); still {
				p.bin.failBranch(br, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// releaseAll empties the bin on the way to Idle: every branch first, then
// any endpoint left behind.
func (p *stateProxy) releaseAll() {
	for _, br := range p.bin.pads.snapshot() {
		p.bin.teardownBranch(br.id, metrics.ReleaseTeardown)
	}
	if n := p.bin.mixer.releaseAll(); n > 0 {
		p.bin.logger.Debug("released orphaned endpoints", "count", n)
	}
}
