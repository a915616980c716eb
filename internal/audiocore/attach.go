package audiocore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/fbasar/kms-core/internal/errors"
)

// attachController brings branches created while the bin is above Idle up
// to the bin's current state. The walk is explicit: the branch passes
// through every intermediate state, one bounded step at a time, and is
// only reported once it has arrived.
type attachController struct {
	sem     *semaphore.Weighted
	timeout time.Duration

	mu             sync.Mutex
	teardownCtx    context.Context
	teardownCancel context.CancelFunc
}

func newAttachController(maxConcurrent int, timeout time.Duration) *attachController {
	ac := &attachController{
		sem:     semaphore.NewWeighted(int64(maxConcurrent)),
		timeout: timeout,
	}
	ac.rearm()
	return ac
}

// acquire waits for an attach slot.
func (ac *attachController) acquire(ctx context.Context) error {
	if err := ac.sem.Acquire(ctx, 1); err != nil {
		return errors.New(err).
			Component(ComponentAudioCore).
			Category(errors.CategoryCancellation).
			Context("operation", "request_branch").
			Build()
	}
	return nil
}

func (ac *attachController) release() {
	ac.sem.Release(1)
}

// teardown returns the context that is cancelled when the bin starts
// tearing down.
func (ac *attachController) teardown() context.Context {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	return ac.teardownCtx
}

// beginTeardown aborts attaches in progress and rejects new ones until rearm.
func (ac *attachController) beginTeardown() {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	ac.teardownCancel()
}

func (ac *attachController) rearm() {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	if ac.teardownCtx != nil && ac.teardownCtx.Err() == nil {
		return
	}
	ac.teardownCtx, ac.teardownCancel = context.WithCancel(context.Background())
}

// syncState walks br from Idle to target. Each step is bounded by the
// convergence timeout and aborted by ctx or by a teardown.
func (ac *attachController) syncState(ctx, teardown context.Context, br *InputBranch, target State) error {
	for state := StateIdle.StepToward(target); ; state = state.StepToward(target) {
		if err := ac.step(ctx, teardown, br, state); err != nil {
			return err
		}
		if state == target {
			return nil
		}
	}
}

func (ac *attachController) step(ctx, teardown context.Context, br *InputBranch, state State) error {
	stepCtx, cancel := context.WithTimeout(ctx, ac.timeout)
	defer cancel()
	stop := context.AfterFunc(teardown, cancel)
	defer stop()

	err := br.setState(stepCtx, state)
	if err == nil {
		return nil
	}

	switch {
	case teardown.Err() != nil:
		err = fmt.Errorf("%w: bin tearing down", ErrAttachAborted)
	case ctx.Err() != nil:
		err = fmt.Errorf("%w: %w", ErrAttachAborted, ctx.Err())
	case errors.Is(stepCtx.Err(), context.DeadlineExceeded):
		err = fmt.Errorf("%w: branch did not reach %s within %s", ErrConvergenceTimeout, state, ac.timeout)
	}
	return errors.New(err).
		Component(ComponentAudioCore).
		Context("branch_id", uint64(br.id)).
		Context("state", state.String()).
		Build()
}
