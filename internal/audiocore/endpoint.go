package audiocore

import (
	"context"
	"encoding/binary"
	"math"
	"sync"
	"sync/atomic"

	"github.com/smallnest/ringbuffer"
)

const bytesPerQueuedSample = 4 // samples are queued as f32le

// MixerEndpoint is the mixer-side sink of one input branch. It queues
// canonical samples until the aggregation loop consumes them.
type MixerEndpoint struct {
	branch     BranchID
	channels   int
	frameBytes int

	mu       sync.Mutex
	queue    *ringbuffer.RingBuffer
	flowing  bool
	eos      bool
	drained  bool
	released bool
	wake     chan struct{} // closed and replaced to wake blocked pushers
	scratch  []byte
	joinedAt int64 // mixer output frame at which the endpoint was created

	notify      func()
	contributed atomic.Int64 // frames mixed into the output
}

func newMixerEndpoint(branch BranchID, channels, capacityFrames int, joinedAt int64, notify func()) *MixerEndpoint {
	frameBytes := channels * bytesPerQueuedSample
	return &MixerEndpoint{
		branch:     branch,
		channels:   channels,
		frameBytes: frameBytes,
		queue:      ringbuffer.New(capacityFrames * frameBytes),
		wake:       make(chan struct{}),
		joinedAt:   joinedAt,
		notify:     notify,
	}
}

// Branch returns the id of the branch feeding this endpoint.
func (e *MixerEndpoint) Branch() BranchID { return e.branch }

// Contributed returns the number of frames this endpoint has added to the output.
func (e *MixerEndpoint) Contributed() int64 { return e.contributed.Load() }

// Push queues interleaved canonical samples. It blocks while the queue is
// full and returns ErrFlushing as soon as the endpoint stops flowing.
func (e *MixerEndpoint) Push(ctx context.Context, samples []float32) error {
	buf := make([]byte, 0, len(samples)*bytesPerQueuedSample)
	for _, s := range samples {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(s))
	}

	for len(buf) > 0 {
		e.mu.Lock()
		switch {
		case e.released || !e.flowing:
			e.mu.Unlock()
			return ErrFlushing
		case e.eos:
			e.mu.Unlock()
			return ErrBranchEnded
		}

		free := e.queue.Free() / e.frameBytes * e.frameBytes
		if free > 0 {
			n := min(free, len(buf))
			// n never exceeds Free, so the write is never partial
			_, _ = e.queue.Write(buf[:n])
			buf = buf[n:]
			e.mu.Unlock()
			e.notify()
			continue
		}

		wake := e.wake
		e.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		}
	}
	return nil
}

// EndOfStream marks the endpoint as finished. Queued samples are still mixed.
func (e *MixerEndpoint) EndOfStream() error {
	e.mu.Lock()
	switch {
	case e.released:
		e.mu.Unlock()
		return ErrFlushing
	case e.eos:
		e.mu.Unlock()
		return ErrBranchEnded
	}
	e.eos = true
	e.mu.Unlock()
	e.notify()
	return nil
}

// setFlowing switches the endpoint between accepting data and flushing.
// Leaving the flowing state discards everything queued.
func (e *MixerEndpoint) setFlowing(flowing bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.flowing == flowing {
		return
	}
	e.flowing = flowing
	if !flowing {
		e.queue.Reset()
		e.broadcastLocked()
	}
}

// SetState moves the endpoint to state. It accepts data from Paused upwards.
func (e *MixerEndpoint) SetState(state State) {
	e.setFlowing(state >= StatePaused)
}

func (e *MixerEndpoint) release() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.released = true
	e.flowing = false
	e.queue.Reset()
	e.broadcastLocked()
}

func (e *MixerEndpoint) broadcastLocked() {
	close(e.wake)
	e.wake = make(chan struct{})
}

// status reports queued frames and whether end-of-stream was signalled.
func (e *MixerEndpoint) status() (frames int, eos bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queue.Length() / e.frameBytes, e.eos
}

// mixInto adds up to len(out)/channels queued frames onto out and reports
// how many frames were consumed. An ended endpoint whose queue is empty
// afterwards is marked drained.
func (e *MixerEndpoint) mixInto(out []float32) (frames int, drained bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.released {
		return 0, false
	}

	want := len(out) / e.channels * e.frameBytes
	n := min(want, e.queue.Length()/e.frameBytes*e.frameBytes)
	if n > 0 {
		if cap(e.scratch) < n {
			e.scratch = make([]byte, n)
		}
		buf := e.scratch[:n]
		// n never exceeds Length, so the read is never short
		_, _ = e.queue.Read(buf)
		for i := 0; i < n; i += bytesPerQueuedSample {
			out[i/bytesPerQueuedSample] += math.Float32frombits(binary.LittleEndian.Uint32(buf[i:]))
		}
		e.broadcastLocked()
	}

	frames = n / e.frameBytes
	e.contributed.Add(int64(frames))

	if e.eos && !e.drained && e.queue.Length() == 0 {
		e.drained = true
		return frames, true
	}
	return frames, false
}

// JoinedAt returns the output position, in frames, at which the endpoint was created.
func (e *MixerEndpoint) JoinedAt() int64 { return e.joinedAt }

// SourceEndpoint is the mixer's single output. It forwards mixed buffers to
// the linked downstream pad.
type SourceEndpoint struct {
	format AudioFormat

	mu   sync.RWMutex
	peer Pad
}

func newSourceEndpoint(format AudioFormat) *SourceEndpoint {
	return &SourceEndpoint{format: format}
}

// Format returns the canonical output format.
func (s *SourceEndpoint) Format() AudioFormat { return s.format }

// Link connects the output to a downstream pad and announces the format.
func (s *SourceEndpoint) Link(peer Pad) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peer != nil {
		return ErrAlreadyLinked
	}
	if err := peer.Negotiate(s.format); err != nil {
		return err
	}
	s.peer = peer
	return nil
}

// Unlink disconnects the downstream pad.
func (s *SourceEndpoint) Unlink() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peer = nil
}

// push forwards a buffer. Output without a linked peer is discarded.
func (s *SourceEndpoint) push(ctx context.Context, data *AudioData) error {
	s.mu.RLock()
	peer := s.peer
	s.mu.RUnlock()
	if peer == nil {
		return nil
	}
	return peer.Push(ctx, data)
}

func (s *SourceEndpoint) endOfStream(ctx context.Context) error {
	s.mu.RLock()
	peer := s.peer
	s.mu.RUnlock()
	if peer == nil {
		return nil
	}
	return peer.EndOfStream(ctx)
}
