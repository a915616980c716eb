package audiocore

import (
	"context"
	"sync"
	"time"

	"github.com/fbasar/kms-core/internal/errors"
)

// BranchID identifies an input branch. Ids grow monotonically and are
// never reused while the bin lives.
type BranchID uint64

// InputBranch is one input path of the bin: an adapter feeding a mixer
// endpoint.
type InputBranch struct {
	id        BranchID
	class     AttachClass
	adapter   Adapter
	endpoint  *MixerEndpoint
	createdAt time.Time

	mu         sync.Mutex
	link       LinkState
	state      State
	format     AudioFormat
	negotiated bool
	released   bool
}

// BranchInfo is a point-in-time view of a branch.
type BranchInfo struct {
	ID          BranchID
	Class       AttachClass
	Link        LinkState
	State       State
	Format      AudioFormat
	Negotiated  bool
	Contributed int64 // frames mixed into the output
	JoinedAt    int64 // output position when the branch was created
	CreatedAt   time.Time
}

func newInputBranch(id BranchID, class AttachClass, adapter Adapter, endpoint *MixerEndpoint) *InputBranch {
	return &InputBranch{
		id:        id,
		class:     class,
		adapter:   adapter,
		endpoint:  endpoint,
		createdAt: time.Now(),
		link:      LinkLinking,
	}
}

// ID returns the branch id.
func (b *InputBranch) ID() BranchID { return b.id }

// Info returns a snapshot of the branch.
func (b *InputBranch) Info() BranchInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BranchInfo{
		ID:          b.id,
		Class:       b.class,
		Link:        b.link,
		State:       b.state,
		Format:      b.format,
		Negotiated:  b.negotiated,
		Contributed: b.endpoint.Contributed(),
		JoinedAt:    b.endpoint.JoinedAt(),
		CreatedAt:   b.createdAt,
	}
}

func (b *InputBranch) linkState() LinkState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.link
}

// setLink moves the link state. Terminal states are kept.
func (b *InputBranch) setLink(link LinkState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.link == LinkError || (b.link == LinkEndOfStream && link != LinkError && link != LinkUnlinked) {
		return
	}
	b.link = link
}

func (b *InputBranch) setNegotiated(format AudioFormat) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.format = format
	b.negotiated = true
}

func (b *InputBranch) negotiatedFormat() (AudioFormat, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.format, b.negotiated
}

func (b *InputBranch) isReleased() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.released
}

// markReleased reports whether this call released the branch.
func (b *InputBranch) markReleased() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return false
	}
	b.released = true
	return true
}

// setState drives the adapter and then the endpoint to state. The branch
// only becomes Flowing from Paused upwards.
func (b *InputBranch) setState(ctx context.Context, state State) error {
	if err := b.adapter.SetState(ctx, state); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b.endpoint.SetState(state)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = state
	switch {
	case b.link == LinkError || b.link == LinkEndOfStream || b.released:
	case state >= StatePaused:
		b.link = LinkFlowing
	default:
		b.link = LinkLinked
	}
	return nil
}

// InputPad is the upstream connection point of a branch.
type InputPad struct {
	bin    *MixerBin
	branch *InputBranch
}

var _ Pad = (*InputPad)(nil)

// ID returns the id of the branch behind the pad.
func (p *InputPad) ID() BranchID { return p.branch.id }

// Info returns a snapshot of the branch behind the pad.
func (p *InputPad) Info() BranchInfo { return p.branch.Info() }

// Negotiate announces the upstream format. A format the adapter cannot
// convert fails the branch.
func (p *InputPad) Negotiate(format AudioFormat) error {
	switch p.branch.linkState() {
	case LinkError, LinkUnlinked:
		return ErrFlushing
	}
	if p.branch.isReleased() {
		return ErrFlushing
	}
	format = format.Normalized()
	if err := p.branch.adapter.Negotiate(format); err != nil {
		// a release racing with this call is not a rejected format
		if errors.Is(err, ErrNegotiationFailed) {
			p.bin.failNegotiation(p.branch, format, err)
		}
		return err
	}
	p.branch.setNegotiated(format)
	return nil
}

// Push converts one buffer and queues it for mixing. A buffer carrying a
// format different from the negotiated one renegotiates first.
func (p *InputPad) Push(ctx context.Context, data *AudioData) error {
	br := p.branch

	current, negotiated := br.negotiatedFormat()
	if data.Format.Encoding != "" && (!negotiated || data.Format.Normalized() != current) {
		if err := p.Negotiate(data.Format); err != nil {
			return err
		}
	} else if !negotiated {
		return ErrNotNegotiated
	}

	switch br.linkState() {
	case LinkEndOfStream:
		return ErrBranchEnded
	case LinkError, LinkUnlinked:
		return ErrFlushing
	}

	samples, err := br.adapter.Process(data)
	if err != nil {
		if errors.Is(err, ErrFlushing) {
			return err
		}
		p.bin.failBranch(br, err)
		return err
	}
	if len(samples) == 0 {
		return nil
	}
	return br.endpoint.Push(ctx, samples)
}

// EndOfStream flushes the adapter's tail into the endpoint and marks the
// branch as ended. The branch is removed once the mixer has drained it.
func (p *InputPad) EndOfStream(ctx context.Context) error {
	br := p.branch
	switch br.linkState() {
	case LinkEndOfStream:
		return ErrBranchEnded
	case LinkError, LinkUnlinked:
		return ErrFlushing
	}

	if tail := br.adapter.Drain(); len(tail) > 0 {
		if err := br.endpoint.Push(ctx, tail); err != nil && !errors.Is(err, ErrFlushing) {
			return err
		}
	}
	if err := br.endpoint.EndOfStream(); err != nil {
		return err
	}
	br.setLink(LinkEndOfStream)
	p.bin.branchEnded(br)
	return nil
}
