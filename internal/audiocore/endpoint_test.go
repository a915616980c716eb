package audiocore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEndpoint(channels, capacityFrames int) *MixerEndpoint {
	return newMixerEndpoint(7, channels, capacityFrames, 0, func() {})
}

func TestMixerEndpointRejectsDataUnlessFlowing(t *testing.T) {
	t.Parallel()

	ep := newTestEndpoint(1, 16)
	assert.ErrorIs(t, ep.Push(context.Background(), []float32{0.1}), ErrFlushing)

	ep.SetState(StateReady)
	assert.ErrorIs(t, ep.Push(context.Background(), []float32{0.1}), ErrFlushing)

	ep.SetState(StatePaused)
	require.NoError(t, ep.Push(context.Background(), []float32{0.1}))

	frames, eos := ep.status()
	assert.Equal(t, 1, frames)
	assert.False(t, eos)
}

func TestMixerEndpointLeavingFlowDiscardsQueue(t *testing.T) {
	t.Parallel()

	ep := newTestEndpoint(2, 16)
	ep.SetState(StateRunning)
	require.NoError(t, ep.Push(context.Background(), constantSamples(8, 0.5)))

	ep.SetState(StateReady)
	frames, _ := ep.status()
	assert.Zero(t, frames)
}

func TestMixerEndpointBackPressure(t *testing.T) {
	t.Parallel()

	ep := newTestEndpoint(1, 4)
	ep.SetState(StateRunning)
	require.NoError(t, ep.Push(context.Background(), constantSamples(4, 0.5)))

	t.Run("blocks until context ends", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()
		err := ep.Push(ctx, []float32{0.5})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("resumes when the mixer consumes", func(t *testing.T) {
		done := make(chan error, 1)
		go func() { done <- ep.Push(context.Background(), []float32{0.75, 0.75}) }()

		select {
		case err := <-done:
			t.Fatalf("push returned early: %v", err)
		case <-time.After(20 * time.Millisecond):
		}

		out := make([]float32, 2)
		n, _ := ep.mixInto(out)
		assert.Equal(t, 2, n)

		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("push did not resume")
		}
	})

	t.Run("release unblocks pusher", func(t *testing.T) {
		done := make(chan error, 1)
		go func() { done <- ep.Push(context.Background(), constantSamples(4, 0.1)) }()

		time.Sleep(10 * time.Millisecond)
		ep.release()

		select {
		case err := <-done:
			assert.ErrorIs(t, err, ErrFlushing)
		case <-time.After(time.Second):
			t.Fatal("push did not return after release")
		}
	})
}

func TestMixerEndpointMixIntoSums(t *testing.T) {
	t.Parallel()

	ep := newTestEndpoint(2, 8)
	ep.SetState(StateRunning)
	require.NoError(t, ep.Push(context.Background(), []float32{0.1, 0.2, 0.3, 0.4}))

	out := []float32{0.5, 0.5, 0.5, 0.5, 0.5, 0.5}
	n, drained := ep.mixInto(out)
	assert.Equal(t, 2, n)
	assert.False(t, drained)
	assert.InDeltaSlice(t, []float32{0.6, 0.7, 0.8, 0.9, 0.5, 0.5}, out, 1e-6)
	assert.Equal(t, int64(2), ep.Contributed())
}

func TestMixerEndpointDrainsAfterEndOfStream(t *testing.T) {
	t.Parallel()

	ep := newTestEndpoint(1, 8)
	ep.SetState(StateRunning)
	require.NoError(t, ep.Push(context.Background(), constantSamples(6, 0.25)))
	require.NoError(t, ep.EndOfStream())

	assert.ErrorIs(t, ep.Push(context.Background(), []float32{0.1}), ErrBranchEnded)
	assert.ErrorIs(t, ep.EndOfStream(), ErrBranchEnded)

	out := make([]float32, 4)
	n, drained := ep.mixInto(out)
	assert.Equal(t, 4, n)
	assert.False(t, drained)

	n, drained = ep.mixInto(out)
	assert.Equal(t, 2, n)
	assert.True(t, drained)

	// drained is reported once
	_, drained = ep.mixInto(out)
	assert.False(t, drained)
}

func TestSourceEndpointLinksOnce(t *testing.T) {
	t.Parallel()

	src := newSourceEndpoint(f32Format)
	require.NoError(t, src.push(context.Background(), constantBuffer(f32Format, 1, 0)), "unlinked output discards")

	peer := &capturePad{}
	require.NoError(t, src.Link(peer))
	assert.Equal(t, f32Format, peer.format)
	assert.ErrorIs(t, src.Link(&capturePad{}), ErrAlreadyLinked)

	require.NoError(t, src.push(context.Background(), constantBuffer(f32Format, 4, 0.5)))
	require.NoError(t, src.endOfStream(context.Background()))
	assert.Equal(t, 1, peer.bufferCount())
	assert.Equal(t, 1, peer.eosCount())

	src.Unlink()
	require.NoError(t, src.Link(&capturePad{}))
}
