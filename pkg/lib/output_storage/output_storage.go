package output_storage

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/SanjoDeundiak/cluster-harness/pkg/lib"
)

// node represents an element in the singly linked list.
// The list uses a sentinel head node; readers walk it without locks.
type node struct {
	line lib.LogLine
	next atomic.Pointer[node]
}

// OutputStorage is the append-only aggregated stream of log lines from every node.
// Appends are serialized; subscribers read concurrently and each sees every line in
// append order, including lines appended before it subscribed.
type OutputStorage struct {
	head *node // sentinel head, immutable

	mu   sync.Mutex
	tail *node // last element in the list (or sentinel if empty)
	size int

	broadcaster *Broadcaster[struct{}]
}

// RunNewOutputStorage creates a new, empty OutputStorage.
func RunNewOutputStorage() *OutputStorage {
	sentinel := &node{}
	return &OutputStorage{
		head:        sentinel,
		tail:        sentinel,
		broadcaster: RunNewBroadcaster[struct{}](),
	}
}

// Stop closes the stream. Subscribers drain the remaining lines and then their channels close.
func (s *OutputStorage) Stop() {
	if s == nil {
		return
	}
	s.broadcaster.Stop()
}

// Append adds a line to the end of the stream.
func (s *OutputStorage) Append(line lib.LogLine) {
	if s == nil {
		return
	}
	newTail := &node{line: line}
	s.mu.Lock()
	s.tail.next.Store(newTail)
	s.tail = newTail
	s.size++
	s.mu.Unlock()
	s.broadcaster.Publish(struct{}{})
}

// Len returns the number of lines appended so far.
func (s *OutputStorage) Len() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Subscribe streams every line, from the first one, into the returned channel. The channel
// closes after Stop once all lines are delivered, or when ctx is done.
func (s *OutputStorage) Subscribe(ctx context.Context, capacity int) <-chan lib.LogLine {
	ch := make(chan lib.LogLine, capacity)
	notifier, err := s.broadcaster.Subscribe()
	if err != nil {
		go s.replay(ctx, ch)
		return ch
	}
	go s.follow(ctx, notifier, ch)
	return ch
}

func (s *OutputStorage) follow(ctx context.Context, notifier chan struct{}, ch chan lib.LogLine) {
	defer close(ch)
	defer s.broadcaster.Unsubscribe(notifier)

	prev := s.head
	for {
		current := prev.next.Load()
		if current == nil {
			select {
			case _, ok := <-notifier:
				if !ok {
					// Stopped: lines appended before Stop may still be unread.
					s.drain(ctx, prev, ch)
					return
				}
				continue
			case <-ctx.Done():
				return
			}
		}
		prev = current
		select {
		case ch <- current.line:
		case <-ctx.Done():
			return
		}
	}
}

func (s *OutputStorage) replay(ctx context.Context, ch chan lib.LogLine) {
	defer close(ch)
	s.drain(ctx, s.head, ch)
}

func (s *OutputStorage) drain(ctx context.Context, prev *node, ch chan lib.LogLine) {
	for current := prev.next.Load(); current != nil; current = current.next.Load() {
		select {
		case ch <- current.line:
		case <-ctx.Done():
			return
		}
	}
}

// ForEach iterates over all stored lines in append order.
// If iter returns false, iteration stops early.
func (s *OutputStorage) ForEach(iter func(lib.LogLine) bool) {
	if s == nil || iter == nil {
		return
	}
	cur := s.head.next.Load() // skip sentinel
	for cur != nil {
		if !iter(cur.line) {
			return
		}
		cur = cur.next.Load()
	}
}

// Lines returns a snapshot of every stored line.
func (s *OutputStorage) Lines() []lib.LogLine {
	var lines []lib.LogLine
	s.ForEach(func(line lib.LogLine) bool {
		lines = append(lines, line)
		return true
	})
	return lines
}
