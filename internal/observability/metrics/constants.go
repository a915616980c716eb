package metrics

// Status label values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusAborted = "aborted"
	StatusTimeout = "timeout"
)

// Release reason label values.
const (
	ReleaseRequested = "requested"
	ReleaseEOS       = "eos"
	ReleaseFailure   = "failure"
	ReleaseTeardown  = "teardown"
)

// EOS scope label values.
const (
	ScopeBranch = "branch"
	ScopeOutput = "output"
)
