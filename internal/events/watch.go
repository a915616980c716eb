package events

import (
	"fmt"
	"slices"
	"sync/atomic"
)

var watchSeq atomic.Uint64

// Watch registers a consumer that forwards messages of the given types
// (all types when none are given) to the returned channel. The channel is
// buffered with the given capacity; messages that do not fit are dropped.
// The returned function unregisters the watch.
func (b *Bus) Watch(capacity int, types ...MessageType) (<-chan Message, func()) {
	ch := make(chan Message, max(capacity, 1))
	name := fmt.Sprintf("watch-%d", watchSeq.Add(1))

	_ = b.RegisterConsumer(ConsumerFunc{
		ID: name,
		Fn: func(msg Message) error {
			if len(types) > 0 && !slices.Contains(types, msg.Type) {
				return nil
			}
			select {
			case ch <- msg:
			default:
				b.dropped.Add(1)
			}
			return nil
		},
	})

	return ch, func() { b.UnregisterConsumer(name) }
}
