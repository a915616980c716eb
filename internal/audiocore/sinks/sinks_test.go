package sinks

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/fbasar/kms-core/internal/audiocore"
	"github.com/fbasar/kms-core/internal/events"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var s16Mono = audiocore.AudioFormat{SampleRate: 8000, Channels: 1, Encoding: audiocore.EncodingS16LE}

type recordingSink struct {
	mu   sync.Mutex
	msgs []events.Message
}

func (s *recordingSink) TryPublish(msg events.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return true
}

func (s *recordingSink) eosCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.msgs {
		if m.Type == events.MessageEOS {
			n++
		}
	}
	return n
}

func buffer(format audiocore.AudioFormat, frames int, value float32) *audiocore.AudioData {
	samples := make([]float32, frames*format.Channels)
	for i := range samples {
		samples[i] = value
	}
	return &audiocore.AudioData{
		Buffer:   audiocore.EncodeSamples(nil, samples, format.Encoding),
		Format:   format,
		Duration: format.DurationOf(frames),
	}
}

func setState(t *testing.T, el interface {
	SetState(context.Context, audiocore.State) (audiocore.StateChangeReturn, error)
}, state audiocore.State) {
	t.Helper()
	ret, err := el.SetState(context.Background(), state)
	require.NoError(t, err)
	require.Equal(t, audiocore.StateChangeSuccess, ret)
}

func TestFakeSink_CountsAndKeeps(t *testing.T) {
	t.Parallel()

	sink := NewFakeSink(FakeConfig{Name: "out", KeepData: true})
	bus := &recordingSink{}
	sink.SetEventSink(bus)
	require.NoError(t, sink.Negotiate(s16Mono))
	setState(t, sink, audiocore.StatePaused)

	for range 3 {
		require.NoError(t, sink.Push(context.Background(), buffer(s16Mono, 80, 0.5)))
	}
	assert.Equal(t, int64(3), sink.Buffers())
	assert.Equal(t, int64(3*80*2), sink.Bytes())
	assert.Len(t, sink.Kept(), 3)
	assert.Equal(t, s16Mono, sink.Format())

	require.NoError(t, sink.EndOfStream(context.Background()))
	assert.ErrorIs(t, sink.EndOfStream(context.Background()), audiocore.ErrBranchEnded)
	assert.Equal(t, 1, bus.eosCount())

	select {
	case <-sink.Done():
	default:
		t.Fatal("Done not closed after end-of-stream")
	}
}

func TestFakeSink_RejectsBelowPaused(t *testing.T) {
	t.Parallel()

	sink := NewFakeSink(FakeConfig{})
	assert.Equal(t, "fakesink", sink.Name())
	err := sink.Push(context.Background(), buffer(s16Mono, 10, 0))
	assert.ErrorIs(t, err, audiocore.ErrFlushing)
	assert.Zero(t, sink.Buffers())
}

func TestFakeSink_SyncWaitsForRunning(t *testing.T) {
	t.Parallel()

	sink := NewFakeSink(FakeConfig{Sync: true})
	setState(t, sink, audiocore.StatePaused)

	done := make(chan error, 1)
	go func() {
		done <- sink.Push(context.Background(), buffer(s16Mono, 80, 0))
	}()

	select {
	case err := <-done:
		t.Fatalf("push returned while paused: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	setState(t, sink, audiocore.StateRunning)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("push did not resume after Running")
	}
}

func TestFakeSink_SyncPacesToPlaybackRate(t *testing.T) {
	t.Parallel()

	sink := NewFakeSink(FakeConfig{Sync: true})
	setState(t, sink, audiocore.StatePaused)
	setState(t, sink, audiocore.StateRunning)

	// 5 buffers of 20ms: the last one is due 80ms after the first.
	start := time.Now()
	for range 5 {
		require.NoError(t, sink.Push(context.Background(), buffer(s16Mono, 160, 0)))
	}
	assert.GreaterOrEqual(t, time.Since(start), 70*time.Millisecond)
}

func TestFakeSink_FlushUnblocksPausedPush(t *testing.T) {
	t.Parallel()

	sink := NewFakeSink(FakeConfig{Sync: true})
	setState(t, sink, audiocore.StatePaused)

	done := make(chan error, 1)
	go func() {
		done <- sink.Push(context.Background(), buffer(s16Mono, 80, 0))
	}()
	time.Sleep(20 * time.Millisecond)
	setState(t, sink, audiocore.StateReady)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, audiocore.ErrFlushing)
	case <-time.After(2 * time.Second):
		t.Fatal("push still blocked after flush")
	}
}

func TestFakeSink_ContextCancelsSyncWait(t *testing.T) {
	t.Parallel()

	sink := NewFakeSink(FakeConfig{Sync: true})
	setState(t, sink, audiocore.StatePaused)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := sink.Push(ctx, buffer(s16Mono, 80, 0))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFakeSink_ReadyStartsNewStream(t *testing.T) {
	t.Parallel()

	sink := NewFakeSink(FakeConfig{})
	setState(t, sink, audiocore.StatePaused)
	require.NoError(t, sink.EndOfStream(context.Background()))
	setState(t, sink, audiocore.StateReady)

	select {
	case <-sink.Done():
		t.Fatal("Done still closed after returning to Ready")
	default:
	}
	setState(t, sink, audiocore.StatePaused)
	assert.NoError(t, sink.EndOfStream(context.Background()))
}

func TestWAVSink_WritesDecodableFile(t *testing.T) {
	t.Parallel()

	format := audiocore.AudioFormat{SampleRate: 16000, Channels: 2, Encoding: audiocore.EncodingF32LE}
	file := &MemoryFile{}
	sink := NewWAVSink("wav", file)
	bus := &recordingSink{}
	sink.SetEventSink(bus)

	require.NoError(t, sink.Negotiate(format))
	setState(t, sink, audiocore.StatePaused)
	require.NoError(t, sink.Push(context.Background(), buffer(format, 100, 0.5)))
	require.NoError(t, sink.Push(context.Background(), buffer(format, 60, -0.5)))
	require.NoError(t, sink.EndOfStream(context.Background()))
	assert.Equal(t, int64(160), sink.Frames())
	assert.Equal(t, 1, bus.eosCount())

	dec := wav.NewDecoder(bytes.NewReader(file.Bytes()))
	require.True(t, dec.IsValidFile())
	pcm, err := dec.FullPCMBuffer()
	require.NoError(t, err)
	assert.Equal(t, 16000, pcm.Format.SampleRate)
	assert.Equal(t, 2, pcm.Format.NumChannels)
	require.Len(t, pcm.Data, 160*2)
	assert.InDelta(t, 16383, pcm.Data[0], 1)
	assert.InDelta(t, -16383, pcm.Data[len(pcm.Data)-1], 1)
}

func TestWAVSink_Errors(t *testing.T) {
	t.Parallel()

	sink := NewWAVSink("", &MemoryFile{})
	assert.Equal(t, "wavsink", sink.Name())

	setState(t, sink, audiocore.StatePaused)
	assert.ErrorIs(t, sink.Push(context.Background(), buffer(s16Mono, 10, 0)), audiocore.ErrNotNegotiated)

	require.NoError(t, sink.Negotiate(s16Mono))
	other := s16Mono
	other.SampleRate = 44100
	assert.Error(t, sink.Negotiate(other))

	setState(t, sink, audiocore.StateReady)
	assert.ErrorIs(t, sink.Push(context.Background(), buffer(s16Mono, 10, 0)), audiocore.ErrFlushing)

	setState(t, sink, audiocore.StatePaused)
	require.NoError(t, sink.EndOfStream(context.Background()))
	assert.ErrorIs(t, sink.Push(context.Background(), buffer(s16Mono, 10, 0)), audiocore.ErrBranchEnded)
}

func TestMemoryFile_Seek(t *testing.T) {
	t.Parallel()

	f := &MemoryFile{}
	_, err := f.Write([]byte("hello world"))
	require.NoError(t, err)

	pos, err := f.Seek(0, 0)
	require.NoError(t, err)
	assert.Zero(t, pos)
	_, err = f.Write([]byte("J"))
	require.NoError(t, err)

	pos, err = f.Seek(-5, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(6), pos)
	_, err = f.Write([]byte("there!"))
	require.NoError(t, err)
	assert.Equal(t, "Jello there!", string(f.Bytes()))

	_, err = f.Seek(-100, 1)
	assert.Error(t, err)
}
