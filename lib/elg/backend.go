package elg

import (
	"context"

	"github.com/joeycumines/go-eventloop"
)

// -----------------------------------------------------------
// Interface Definitions for dependency injection
// -----------------------------------------------------------

// ILoopBackend is a single-threaded event loop implementation.
// Run must execute every submitted task on the goroutine that called Run.
type ILoopBackend interface {
	// Run runs the loop on the calling goroutine and blocks until it stopped
	Run(ctx context.Context) error
	// Submit queues a task for execution on the loop, safe from any goroutine
	Submit(task func()) error
	// Shutdown stops accepting work, drains queued tasks and waits for Run to return or ctx to expire
	Shutdown(ctx context.Context) error
	// Close terminates the loop without draining
	Close() error
}

// ILoopFactory creates loop backends for an event loop group
type ILoopFactory interface {
	// NewLoop creates the backend of the loop with the given index
	NewLoop(index int) (ILoopBackend, error)
	// GetName returns the name of the backend (e.g. "go-eventloop")
	GetName() string
}

// --------------------------------------------------------------------------
// Default backend (github.com/joeycumines/go-eventloop)
// --------------------------------------------------------------------------

// eventLoopFactory implements ILoopFactory with go-eventloop loops
type eventLoopFactory struct{}

// NewEventLoopFactory returns the default loop factory. Every loop locks its OS thread while running.
func NewEventLoopFactory() ILoopFactory {
	return &eventLoopFactory{}
}

func (f *eventLoopFactory) GetName() string {
	return "go-eventloop"
}

func (f *eventLoopFactory) NewLoop(_ int) (ILoopBackend, error) {
	loop, err := eventloop.New()
	if err != nil {
		return nil, err
	}
	return &eventLoopBackend{loop: loop}, nil
}

// eventLoopBackend adapts *eventloop.Loop to ILoopBackend
type eventLoopBackend struct {
	loop *eventloop.Loop
}

func (b *eventLoopBackend) Run(ctx context.Context) error {
	return b.loop.Run(ctx)
}

func (b *eventLoopBackend) Submit(task func()) error {
	return b.loop.Submit(task)
}

func (b *eventLoopBackend) Shutdown(ctx context.Context) error {
	return b.loop.Shutdown(ctx)
}

func (b *eventLoopBackend) Close() error {
	return b.loop.Close()
}
