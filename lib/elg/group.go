package elg

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dIO/common"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"golang.org/x/sync/errgroup"
)

var Logger = logger.GetLogger("elg")

var groupCounter atomic.Uint64

// --------------------------------------------------------------------------
// Options
// --------------------------------------------------------------------------

// Option configures an EventLoopGroup
type Option func(*groupOptions)

type groupOptions struct {
	name            string
	factory         ILoopFactory
	shutdownTimeout time.Duration
}

// WithName sets the name used for the group in logs and metrics
func WithName(name string) Option {
	return func(o *groupOptions) {
		o.name = name
	}
}

// WithLoopFactory replaces the loop backend (default: go-eventloop)
func WithLoopFactory(factory ILoopFactory) Option {
	return func(o *groupOptions) {
		o.factory = factory
	}
}

// WithShutdownTimeout bounds how long each loop may drain during destruction
// before it is closed without draining. 0 waits until the loops are drained.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(o *groupOptions) {
		o.shutdownTimeout = timeout
	}
}

// WithConfig applies a common.GroupConfig
func WithConfig(config common.GroupConfig) Option {
	return func(o *groupOptions) {
		if config.Name != "" {
			o.name = config.Name
		}
		o.shutdownTimeout = config.ShutdownTimeout()
	}
}

// --------------------------------------------------------------------------
// Event Loop Group
// --------------------------------------------------------------------------

// EventLoopGroup owns a fixed number of independent event loops.
//
// The group is reference counted: New returns a group holding one reference
// owned by the caller. Every user that must keep the group alive (e.g. a
// bootstrap) calls Acquire and later Release. The last Release destroys the group.
type EventLoopGroup struct {
	name            string
	factoryName     string
	loops           []*Loop
	shutdownTimeout time.Duration

	refs        atomic.Int64
	destroyed   atomic.Bool
	destroyOnce sync.Once
	doneCh      chan struct{}

	loopsRunning *metrics.Counter
}

// New creates an event loop group with numThreads loops, each running on its own
// goroutine that is locked to an OS thread. numThreads == 0 selects runtime.NumCPU().
//
// If any loop cannot be created or started the loops created so far are shut
// down and joined, and an error of kind ResourceExhaustion is returned.
func New(numThreads int, opts ...Option) (*EventLoopGroup, error) {
	if numThreads < 0 {
		return nil, common.Configuration("elg.New", fmt.Sprintf("negative thread count %d", numThreads), nil)
	}
	if numThreads == 0 {
		numThreads = DefaultThreadCount()
	}

	options := groupOptions{
		factory: NewEventLoopFactory(),
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.name == "" {
		options.name = fmt.Sprintf("elg-%d", groupCounter.Add(1))
	}

	g := &EventLoopGroup{
		name:            options.name,
		factoryName:     options.factory.GetName(),
		loops:           make([]*Loop, 0, numThreads),
		shutdownTimeout: options.shutdownTimeout,
		doneCh:          make(chan struct{}),
		loopsRunning:    metrics.GetOrCreateCounter(fmt.Sprintf(`dio_elg_loops_running{group=%q}`, options.name)),
	}
	g.refs.Store(1)

	for i := 0; i < numThreads; i++ {
		backend, err := options.factory.NewLoop(i)
		if err != nil {
			g.teardown()
			return nil, common.ResourceExhaustion("elg.New", fmt.Sprintf("failed to create loop %d/%d", i+1, numThreads), err)
		}

		loop := newLoop(g, i, backend)
		if err := loop.start(); err != nil {
			_ = backend.Close()
			<-loop.done
			g.teardown()
			return nil, common.ResourceExhaustion("elg.New", fmt.Sprintf("failed to start loop %d/%d", i+1, numThreads), err)
		}

		g.loops = append(g.loops, loop)
		g.loopsRunning.Inc()
	}

	Logger.Infof("Started event loop group %s with %d loops using %s", g.name, len(g.loops), g.factoryName)

	return g, nil
}

// DefaultThreadCount returns the number of loops used when 0 is requested
func DefaultThreadCount() int {
	if n := runtime.NumCPU(); n > 0 {
		return n
	}
	return 1
}

// --------------------------------------------------------------------------
// Accessors
// --------------------------------------------------------------------------

// Name returns the name of the group
func (g *EventLoopGroup) Name() string {
	return g.name
}

// LoopCount returns the fixed number of loops
func (g *EventLoopGroup) LoopCount() int {
	return len(g.loops)
}

// Loop returns the loop with the given index
func (g *EventLoopGroup) Loop(i int) *Loop {
	return g.loops[i]
}

// Loops returns a copy of the loop list
func (g *EventLoopGroup) Loops() []*Loop {
	loops := make([]*Loop, len(g.loops))
	copy(loops, g.loops)
	return loops
}

// Alive reports whether the group was not destroyed yet
func (g *EventLoopGroup) Alive() bool {
	return !g.destroyed.Load()
}

// Done returns a channel that is closed once destruction completed
func (g *EventLoopGroup) Done() <-chan struct{} {
	return g.doneCh
}

// RefCount returns the current number of references (for diagnostics)
func (g *EventLoopGroup) RefCount() int64 {
	return g.refs.Load()
}

// --------------------------------------------------------------------------
// Reference Counting
// --------------------------------------------------------------------------

// Acquire adds a reference. Fails with InvalidState if the group is destroyed.
func (g *EventLoopGroup) Acquire() error {
	for {
		cur := g.refs.Load()
		if cur <= 0 || g.destroyed.Load() {
			return common.InvalidState("elg.Acquire", fmt.Sprintf("event loop group %s is destroyed", g.name))
		}
		if g.refs.CompareAndSwap(cur, cur+1) {
			return nil
		}
	}
}

// Release drops a reference. The last Release destroys the group and blocks
// until every loop stopped, drained its queued tasks and its goroutine returned.
//
// The last reference must not be released from one of the group's own loops.
func (g *EventLoopGroup) Release() error {
	for {
		cur := g.refs.Load()
		if cur <= 0 {
			return common.InvalidState("elg.Release", fmt.Sprintf("event loop group %s has no references left", g.name))
		}
		if cur == 1 && g.onAnyLoop() {
			return common.InvalidState("elg.Release", "the last reference cannot be released from a loop of the group")
		}
		if g.refs.CompareAndSwap(cur, cur-1) {
			if cur == 1 {
				g.destroy()
			}
			return nil
		}
	}
}

// Close releases the reference returned by New
func (g *EventLoopGroup) Close() error {
	return g.Release()
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// onAnyLoop reports whether the caller runs on one of the group's loops
func (g *EventLoopGroup) onAnyLoop() bool {
	for _, l := range g.loops {
		if l.OnLoop() {
			return true
		}
	}
	return false
}

// destroy stops all loops exactly once
func (g *EventLoopGroup) destroy() {
	g.destroyOnce.Do(func() {
		start := time.Now()
		g.teardown()
		Logger.Infof("Destroyed event loop group %s (%d loops) in %s", g.name, len(g.loops), time.Since(start))
	})
}

// teardown stops every started loop in parallel and waits for all of them
func (g *EventLoopGroup) teardown() {
	g.destroyed.Store(true)

	ctx := context.Background()
	if g.shutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.shutdownTimeout)
		defer cancel()
	}

	var eg errgroup.Group
	for _, l := range g.loops {
		eg.Go(func() error {
			l.stop(ctx)
			g.loopsRunning.Dec()
			return nil
		})
	}
	_ = eg.Wait()

	close(g.doneCh)
}
