package models

import (
	"sync"

	"github.com/google/uuid"
)

/*
publisher 	-> publish(head1)
			-> publish(head2)

publisher	-> subscribe(subscriber1)

subscriber1	-> notify()
*/

type Publisher[T any] struct {
	mux         sync.RWMutex
	subscribers map[uuid.UUID]Subscriber[T]
}

func NewPublisher[T any]() *Publisher[T] {
	return &Publisher[T]{
		subscribers: make(map[uuid.UUID]Subscriber[T]),
	}
}

func (p *Publisher[T]) Publish(data T) {
	p.mux.RLock()
	defer p.mux.RUnlock()

	for _, s := range p.subscribers {
		s.Notify(data)
	}
}

func (p *Publisher[T]) Subscribe(s Subscriber[T]) {
	p.mux.Lock()
	defer p.mux.Unlock()

	p.subscribers[s.ID()] = s
}

func (p *Publisher[T]) Unsubscribe(s Subscriber[T]) {
	p.mux.Lock()
	defer p.mux.Unlock()

	delete(p.subscribers, s.ID())
}

type Subscriber[T any] interface {
	ID() uuid.UUID
	Notify(data T)
	Error() <-chan error
}

type Subscription[T any] struct {
	err      chan error
	callback func(data T) error
	uuid     uuid.UUID
}

func NewSubscription[T any](callback func(T) error) *Subscription[T] {
	return &Subscription[T]{
		callback: callback,
		uuid:     uuid.New(),
		err:      make(chan error, 1),
	}
}

// Notify runs the callback, a callback error is delivered on the error
// channel unless an earlier error is still pending.
func (b *Subscription[T]) Notify(data T) {
	err := b.callback(data)
	if err != nil {
		select {
		case b.err <- err:
		default:
		}
	}
}

func (b *Subscription[T]) ID() uuid.UUID {
	return b.uuid
}

func (b *Subscription[T]) Error() <-chan error {
	return b.err
}
