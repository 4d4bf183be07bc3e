package models

import (
	"context"
	"sync"
)

// Engine defines a processing unit
type Engine interface {
	// Run the engine with context, blocks until the engine stops.
	Run(ctx context.Context) error
	// Stop the engine.
	Stop()
	// Done signals the engine was asked to stop.
	Done() <-chan struct{}
	// Ready signals the engine was started.
	Ready() <-chan struct{}
	// Stopped signals the engine run loop returned.
	Stopped() <-chan struct{}
}

// EngineStatus tracks the lifecycle of an engine, it is meant to be embedded.
type EngineStatus struct {
	done    chan struct{}
	ready   chan struct{}
	stopped chan struct{}

	doneOnce    sync.Once
	readyOnce   sync.Once
	stoppedOnce sync.Once
}

func NewEngineStatus() *EngineStatus {
	return &EngineStatus{
		done:    make(chan struct{}),
		ready:   make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

func (e *EngineStatus) Ready() <-chan struct{} {
	return e.ready
}

func (e *EngineStatus) Done() <-chan struct{} {
	return e.done
}

func (e *EngineStatus) Stopped() <-chan struct{} {
	return e.stopped
}

func (e *EngineStatus) MarkReady() {
	e.readyOnce.Do(func() {
		close(e.ready)
	})
}

func (e *EngineStatus) MarkDone() {
	e.doneOnce.Do(func() {
		close(e.done)
	})
}

func (e *EngineStatus) MarkStopped() {
	e.stoppedOnce.Do(func() {
		close(e.stopped)
	})
}
