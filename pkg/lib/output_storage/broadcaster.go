package output_storage

import (
	"fmt"
	"sync"
)

// Broadcaster fans a value out to every subscriber without ever blocking the publisher.
// A subscriber that falls behind only keeps the latest value, which suits change
// notifications.
type Broadcaster[T any] struct {
	messageReceiver chan T
	mu              sync.Mutex
	subscribers     map[chan T]struct{}
	closing         bool
}

func RunNewBroadcaster[T any]() *Broadcaster[T] {
	broadcaster := &Broadcaster[T]{
		messageReceiver: make(chan T, 1),
		subscribers:     make(map[chan T]struct{}),
	}

	go broadcaster.start()

	return broadcaster
}

func (broadcaster *Broadcaster[T]) start() {
	for msg := range broadcaster.messageReceiver {
		// Copy the subscribers to avoid holding the lock while sending.
		broadcaster.mu.Lock()
		subscribers := make([]chan T, 0, len(broadcaster.subscribers))
		for s := range broadcaster.subscribers {
			subscribers = append(subscribers, s)
		}
		broadcaster.mu.Unlock()

		for _, s := range subscribers {
			replaceLatest(s, msg)
		}
	}

	broadcaster.mu.Lock()
	for subscriberSender := range broadcaster.subscribers {
		close(subscriberSender)
	}
	broadcaster.subscribers = make(map[chan T]struct{})
	broadcaster.mu.Unlock()
}

// replaceLatest sends msg, dropping the oldest buffered value if the channel is full.
func replaceLatest[T any](ch chan T, msg T) {
	for {
		select {
		case ch <- msg:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Stop closes every subscriber channel once pending messages are delivered. Safe to call twice.
func (broadcaster *Broadcaster[T]) Stop() {
	broadcaster.mu.Lock()
	defer broadcaster.mu.Unlock()
	if broadcaster.closing {
		return
	}
	broadcaster.closing = true
	close(broadcaster.messageReceiver)
}

func (broadcaster *Broadcaster[T]) Subscribe() (chan T, error) {
	// Use a buffer of 1 so we can drop stale notifications without blocking.
	ch := make(chan T, 1)
	broadcaster.mu.Lock()
	defer broadcaster.mu.Unlock()
	if broadcaster.closing {
		return nil, fmt.Errorf("failed to subscribe: broadcaster is stopped")
	}
	broadcaster.subscribers[ch] = struct{}{}
	return ch, nil
}

// Unsubscribe stops delivery to subscriberSender. The channel is left open: a delivery may
// already be in flight.
func (broadcaster *Broadcaster[T]) Unsubscribe(subscriberSender chan T) {
	broadcaster.mu.Lock()
	delete(broadcaster.subscribers, subscriberSender)
	broadcaster.mu.Unlock()
}

// Publish never blocks: if the queue is full the oldest pending message is replaced.
func (broadcaster *Broadcaster[T]) Publish(msg T) {
	broadcaster.mu.Lock()
	defer broadcaster.mu.Unlock()
	if broadcaster.closing {
		return
	}
	replaceLatest(broadcaster.messageReceiver, msg)
}
