// Package stream delivers values to a receive-only channel without ever
// blocking the sender.
package stream

import "sync"

// Stream queues sent values and forwards them in order to C. C is closed
// once Close was called and the queue is drained. Receivers must drain C.
type Stream[T any] struct {
	mu     sync.Mutex
	queue  []T
	closed bool
	wake   chan struct{}
	out    chan T
}

// New starts a Stream.
func New[T any]() *Stream[T] {
	s := &Stream[T]{
		wake: make(chan struct{}, 1),
		out:  make(chan T),
	}
	go s.pump()
	return s
}

// C returns the receive side.
func (s *Stream[T]) C() <-chan T { return s.out }

// Send queues v. It returns false after Close.
func (s *Stream[T]) Send(v T) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, v)
	s.mu.Unlock()
	s.signal()
	return true
}

// Close stops accepting values. Queued values are still delivered.
func (s *Stream[T]) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.signal()
}

func (s *Stream[T]) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Stream[T]) pump() {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			v := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			s.out <- v
			continue
		}
		if s.closed {
			s.mu.Unlock()
			close(s.out)
			return
		}
		s.mu.Unlock()
		<-s.wake
	}
}
