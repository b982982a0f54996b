package canbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Subscriber is a Listener that queues matching frames on a channel.
// Frames arriving while the buffer is full are dropped and counted.
type Subscriber struct {
	filters FilterEngine
	ch      chan *Frame
	dropped atomic.Uint64

	mu     sync.RWMutex
	closed bool
}

// NewSubscriber creates a subscriber holding up to size frames. With no
// filters every frame is accepted.
func NewSubscriber(size int, filters ...Filter) (*Subscriber, error) {
	if size <= 0 {
		size = 1
	}
	s := &Subscriber{ch: make(chan *Frame, size)}
	if err := s.filters.Set(filters...); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Subscriber) OnFrame(f *Frame) error {
	if !s.filters.Accepts(f) {
		return nil
	}
	// the read lock keeps Close from closing the channel mid-send
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSubscriberClosed
	}
	select {
	case s.ch <- f:
		return nil
	default:
		s.dropped.Add(1)
		return fmt.Errorf("0x%X: %w", f.Identifier, ErrDroppedFrame)
	}
}

func (s *Subscriber) Chan() <-chan *Frame {
	return s.ch
}

// Wait returns the next queued frame.
func (s *Subscriber) Wait(ctx context.Context) (*Frame, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("timeout: %w", ctx.Err())
	case f, ok := <-s.ch:
		if !ok {
			return nil, ErrSubscriberClosed
		}
		return f, nil
	}
}

func (s *Subscriber) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Subscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return nil
}
