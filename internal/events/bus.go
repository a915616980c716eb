package events

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fbasar/kms-core/internal/logging"
)

// Config holds bus configuration
type Config struct {
	BufferSize int
	// Workers above one deliver messages concurrently and lose ordering.
	Workers int
}

// DefaultConfig returns the default bus configuration
func DefaultConfig() *Config {
	return &Config{
		BufferSize: 1024,
		Workers:    1,
	}
}

// Bus provides asynchronous message delivery with non-blocking publishing
type Bus struct {
	messages chan Message

	workers int

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
	mu      sync.Mutex

	consumers []Consumer

	received  atomic.Uint64
	processed atomic.Uint64
	dropped   atomic.Uint64
	errCount  atomic.Uint64
	fastPath  atomic.Uint64

	logger *slog.Logger
}

// New creates a bus and starts its workers.
func New(config *Config) *Bus {
	if config == nil {
		config = DefaultConfig()
	}
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultConfig().BufferSize
	}
	if config.Workers <= 0 {
		config.Workers = 1
	}

	logger := logging.ForService("events")
	if logger == nil {
		logger = slog.Default().With("service", "events")
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		messages: make(chan Message, config.BufferSize),
		workers:  config.Workers,
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger,
	}

	b.running.Store(true)
	for i := range b.workers {
		b.wg.Add(1)
		go b.worker(i)
	}

	b.logger.Debug("event bus started",
		"buffer_size", config.BufferSize,
		"workers", config.Workers)
	return b
}

// RegisterConsumer adds a new consumer
func (b *Bus) RegisterConsumer(consumer Consumer) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, existing := range b.consumers {
		if existing.Name() == consumer.Name() {
			return fmt.Errorf("consumer %s already registered", consumer.Name())
		}
	}
	b.consumers = append(b.consumers, consumer)
	return nil
}

// UnregisterConsumer removes a consumer by name. It reports whether one was removed.
func (b *Bus) UnregisterConsumer(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	before := len(b.consumers)
	b.consumers = slices.DeleteFunc(b.consumers, func(c Consumer) bool { return c.Name() == name })
	return len(b.consumers) != before
}

// TryPublish attempts to publish a message without blocking.
// Returns true if the message was accepted, false if dropped.
func (b *Bus) TryPublish(msg Message) bool {
	if b == nil || !b.running.Load() {
		return false
	}

	b.mu.Lock()
	hasConsumers := len(b.consumers) > 0
	b.mu.Unlock()
	if !hasConsumers {
		b.fastPath.Add(1)
		return false
	}

	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	select {
	case b.messages <- msg:
		b.received.Add(1)
		return true
	default:
		b.dropped.Add(1)
		b.logger.Debug("message dropped due to full buffer",
			"type", msg.Type.String(),
			"source", msg.Source)
		return false
	}
}

func (b *Bus) worker(id int) {
	defer b.wg.Done()
	logger := b.logger.With("worker_id", id)

	for {
		select {
		case <-b.ctx.Done():
			return
		case msg := <-b.messages:
			b.dispatch(msg, logger)
		}
	}
}

func (b *Bus) dispatch(msg Message, logger *slog.Logger) {
	b.mu.Lock()
	consumers := slices.Clone(b.consumers)
	b.mu.Unlock()

	for _, consumer := range consumers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.errCount.Add(1)
					logger.Error("consumer panicked",
						"consumer", consumer.Name(),
						"panic", r,
						"type", msg.Type.String())
				}
			}()

			if err := consumer.ProcessMessage(msg); err != nil {
				b.errCount.Add(1)
				logger.Error("consumer error",
					"consumer", consumer.Name(),
					"error", err,
					"type", msg.Type.String())
				return
			}
			b.processed.Add(1)
		}()
	}
}

// Shutdown stops accepting messages and waits for workers to exit.
func (b *Bus) Shutdown(timeout time.Duration) error {
	if b == nil || !b.running.Swap(false) {
		return nil
	}

	b.cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		b.logger.Warn("event bus shutdown timeout exceeded")
		return fmt.Errorf("shutdown timeout exceeded")
	}
}

// Stats returns current bus statistics
func (b *Bus) Stats() BusStats {
	if b == nil {
		return BusStats{}
	}
	return BusStats{
		MessagesReceived:  b.received.Load(),
		MessagesProcessed: b.processed.Load(),
		MessagesDropped:   b.dropped.Load(),
		ConsumerErrors:    b.errCount.Load(),
		FastPathHits:      b.fastPath.Load(),
	}
}
