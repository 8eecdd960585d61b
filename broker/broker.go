// Package broker fans messages out to subscribers, preserving publication order.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var ErrNoSubscribers = errors.New("broker: no subscribers")

var ErrClosed = errors.New("broker: closed")

type subscriber[T any] struct {
	name string
	ch   chan T
}

// Broker implements a simple fan-out message broker. Every subscriber receives every message, in
// the order they were published.
type Broker[T any] struct {
	mu          sync.Mutex
	closed      bool
	subscribers []subscriber[T]
}

func NewBroker[T any]() *Broker[T] {
	return &Broker[T]{}
}

// Subscribe registers a new subscriber with the given name and channel buffer size.
// It returns a receive-only channel that will receive published messages.
func (b *Broker[T]) Subscribe(name string, size int) <-chan T {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan T, size)
	if b.closed {
		close(ch)
		return ch
	}
	b.subscribers = append(b.subscribers, subscriber[T]{name: name, ch: ch})
	return ch
}

// Publish sends t to all subscribers, in subscription order. When a subscriber buffer is full,
// it blocks until there's room or ctx is done.
func (b *Broker[T]) Publish(ctx context.Context, t T) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	if len(b.subscribers) == 0 {
		return ErrNoSubscribers
	}

	for _, s := range b.subscribers {
		select {
		case s.ch <- t:
		case <-ctx.Done():
			return fmt.Errorf("broker: publish to %s: %w", s.name, ctx.Err())
		}
	}
	return nil
}

// Close closes all subscriber channels, signaling that no more messages will be published.
func (b *Broker[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, s := range b.subscribers {
		close(s.ch)
	}
	b.subscribers = nil
}
