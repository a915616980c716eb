package audiocore

import "time"

// Format limits
const (
	MinSampleRate = 8000
	MaxSampleRate = 192000
	MaxChannels   = 8
)

// Defaults used when a Config field is left zero.
const (
	DefaultSampleRate            = 48000
	DefaultChannels              = 2
	DefaultBufferFrames          = 960
	DefaultLatency               = 100 * time.Millisecond
	DefaultConvergenceTimeout    = 5 * time.Second
	DefaultMaxConcurrentAttaches = 8
	DefaultEndpointQueueBuffers  = 8
	DefaultStaleBranchTTL        = time.Minute
)

// Event texts posted on the host event channel.
const (
	EventBranchAdded   = "branch-added"
	EventBranchRemoved = "branch-removed"
	EventBranchEOS     = "branch-eos"
	EventBranchFailed  = "branch-failed"
	EventMisuse        = "misuse"
	EventNegotiation   = "negotiation-failed"
)
