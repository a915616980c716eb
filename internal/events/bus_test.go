package events

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type mockConsumer struct {
	name      string
	failWith  error
	panicking bool
	count     atomic.Int32
	mu        sync.Mutex
	messages  []Message
}

func (m *mockConsumer) Name() string { return m.name }

func (m *mockConsumer) ProcessMessage(msg Message) error {
	if m.panicking {
		panic("boom")
	}
	m.mu.Lock()
	m.messages = append(m.messages, msg)
	m.mu.Unlock()
	m.count.Add(1)
	return m.failWith
}

func (m *mockConsumer) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.messages))
	copy(out, m.messages)
	return out
}

func waitForCount(t *testing.T, c *mockConsumer, want int32) {
	t.Helper()
	require.Eventually(t, func() bool { return c.count.Load() >= want },
		2*time.Second, 5*time.Millisecond, "expected %d messages", want)
}

func newTestBus(t *testing.T, cfg *Config) *Bus {
	t.Helper()
	b := New(cfg)
	t.Cleanup(func() { _ = b.Shutdown(time.Second) })
	return b
}

func TestTryPublishWithoutConsumersTakesFastPath(t *testing.T) {
	t.Parallel()
	b := newTestBus(t, nil)

	assert.False(t, b.TryPublish(NewMessage(MessageInfo, "mixer", "noop")))
	assert.Equal(t, uint64(1), b.Stats().FastPathHits)
}

func TestMessagesDeliveredInOrder(t *testing.T) {
	t.Parallel()
	b := newTestBus(t, &Config{BufferSize: 16, Workers: 1})
	c := &mockConsumer{name: "ordered"}
	require.NoError(t, b.RegisterConsumer(c))

	for i := range 10 {
		require.True(t, b.TryPublish(NewMessage(MessageInfo, "src", "n").With("i", i)))
	}
	waitForCount(t, c, 10)

	for i, msg := range c.Messages() {
		assert.Equal(t, i, msg.Fields["i"])
	}
}

func TestDuplicateConsumerRejected(t *testing.T) {
	t.Parallel()
	b := newTestBus(t, nil)
	require.NoError(t, b.RegisterConsumer(&mockConsumer{name: "a"}))
	assert.Error(t, b.RegisterConsumer(&mockConsumer{name: "a"}))
	assert.True(t, b.UnregisterConsumer("a"))
	assert.False(t, b.UnregisterConsumer("a"))
}

func TestConsumerErrorsAndPanicsAreContained(t *testing.T) {
	t.Parallel()
	b := newTestBus(t, nil)
	failing := &mockConsumer{name: "failing", failWith: errors.New("nope")}
	panicking := &mockConsumer{name: "panicking", panicking: true}
	healthy := &mockConsumer{name: "healthy"}
	require.NoError(t, b.RegisterConsumer(failing))
	require.NoError(t, b.RegisterConsumer(panicking))
	require.NoError(t, b.RegisterConsumer(healthy))

	require.True(t, b.TryPublish(NewMessage(MessageError, "mixer", "boom")))
	waitForCount(t, healthy, 1)

	require.Eventually(t, func() bool { return b.Stats().ConsumerErrors == 2 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), b.Stats().MessagesProcessed)
}

func TestFullBufferDropsInsteadOfBlocking(t *testing.T) {
	t.Parallel()
	b := newTestBus(t, &Config{BufferSize: 1, Workers: 1})

	release := make(chan struct{})
	require.NoError(t, b.RegisterConsumer(ConsumerFunc{ID: "slow", Fn: func(Message) error {
		<-release
		return nil
	}}))
	defer close(release)

	accepted := 0
	for range 10 {
		if b.TryPublish(NewMessage(MessageInfo, "src", "x")) {
			accepted++
		}
	}
	assert.Less(t, accepted, 10)
	assert.Positive(t, b.Stats().MessagesDropped)
}

func TestWatchFiltersByType(t *testing.T) {
	t.Parallel()
	b := newTestBus(t, nil)
	ch, stop := b.Watch(8, MessageEOS, MessageError)
	defer stop()

	b.TryPublish(NewMessage(MessageInfo, "bin", "branch-added"))
	b.TryPublish(NewMessage(MessageEOS, "sink", "eos"))

	select {
	case msg := <-ch:
		assert.Equal(t, MessageEOS, msg.Type)
		assert.Equal(t, "sink", msg.Source)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for EOS")
	}
}

func TestShutdownStopsWorkers(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	b := New(nil)
	require.NoError(t, b.Shutdown(time.Second))
	assert.False(t, b.TryPublish(NewMessage(MessageInfo, "x", "y")))
	assert.NoError(t, b.Shutdown(time.Second))
}

func TestMessageTypeString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "state-changed", MessageStateChanged.String())
	assert.Equal(t, "unknown(42)", MessageType(42).String())
}
