package audiocore

import (
	"github.com/fbasar/kms-core/internal/errors"
)

// Component identifier for audiocore errors
const ComponentAudioCore = "audiocore"

var (
	// ErrInvalidAudioFormat is returned when a format cannot be carried at all
	ErrInvalidAudioFormat = errors.New(errors.NewStd("invalid audio format")).
		Component(ComponentAudioCore).
		Category(errors.CategoryValidation).
		Context("resource", "audio_format").
		Build()

	// ErrNegotiationFailed is returned when an adapter cannot convert the offered format
	ErrNegotiationFailed = errors.New(errors.NewStd("format negotiation failed")).
		Component(ComponentAudioCore).
		Category(errors.CategoryNegotiation).
		Build()

	// ErrNotNegotiated is returned when data arrives before a format was agreed
	ErrNotNegotiated = errors.New(errors.NewStd("format not negotiated")).
		Component(ComponentAudioCore).
		Category(errors.CategoryNegotiation).
		Context("resource", "input_branch").
		Build()

	// ErrBranchNotFound is returned when releasing or addressing an unknown branch
	ErrBranchNotFound = errors.New(errors.NewStd("branch not found")).
		Component(ComponentAudioCore).
		Category(errors.CategoryMisuse).
		Context("resource", "input_branch").
		Build()

	// ErrBinShuttingDown is returned when a branch is requested during teardown
	ErrBinShuttingDown = errors.New(errors.NewStd("mixer bin is shutting down")).
		Component(ComponentAudioCore).
		Category(errors.CategoryMisuse).
		Context("resource", "mixer_bin").
		Build()

	// ErrOutputEnded is returned when a branch is requested after the output reached end-of-stream
	ErrOutputEnded = errors.New(errors.NewStd("mixer output already ended")).
		Component(ComponentAudioCore).
		Category(errors.CategoryMisuse).
		Context("resource", "mixer_bin").
		Build()

	// ErrInvalidState is returned for a state change to an undefined state
	ErrInvalidState = errors.New(errors.NewStd("invalid state")).
		Component(ComponentAudioCore).
		Category(errors.CategoryMisuse).
		Build()

	// ErrBinClosed is returned by every operation after Close
	ErrBinClosed = errors.New(errors.NewStd("mixer bin closed")).
		Component(ComponentAudioCore).
		Category(errors.CategoryMisuse).
		Context("resource", "mixer_bin").
		Build()

	// ErrFlushing is returned by Push when the branch is not flowing
	ErrFlushing = errors.New(errors.NewStd("branch is flushing")).
		Component(ComponentAudioCore).
		Category(errors.CategoryState).
		Context("resource", "input_branch").
		Build()

	// ErrBranchEnded is returned by Push after end-of-stream was signalled
	ErrBranchEnded = errors.New(errors.NewStd("branch already ended")).
		Component(ComponentAudioCore).
		Category(errors.CategoryState).
		Context("resource", "input_branch").
		Build()

	// ErrConvergenceTimeout is returned when a constituent does not reach a state in time
	ErrConvergenceTimeout = errors.New(errors.NewStd("state convergence timed out")).
		Component(ComponentAudioCore).
		Category(errors.CategoryTimeout).
		Build()

	// ErrAttachAborted is returned when an attach is cancelled before the branch is flowing
	ErrAttachAborted = errors.New(errors.NewStd("attach aborted")).
		Component(ComponentAudioCore).
		Category(errors.CategoryCancellation).
		Build()

	// ErrMixerConstruction is returned when the mixer or its output endpoint cannot be built
	ErrMixerConstruction = errors.New(errors.NewStd("mixer construction failed")).
		Component(ComponentAudioCore).
		Category(errors.CategoryConstruction).
		Priority(errors.PriorityCritical).
		Build()

	// ErrAlreadyLinked is returned when linking an output that is already linked
	ErrAlreadyLinked = errors.New(errors.NewStd("output already linked")).
		Component(ComponentAudioCore).
		Category(errors.CategoryConflict).
		Build()
)
