package elg

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/ValentinKolb/dIO/common"
	"github.com/VictoriaMetrics/metrics"
	"github.com/joeycumines/go-eventloop"
)

// Loop is one event loop of an EventLoopGroup.
// All tasks submitted to a loop run sequentially on its dedicated goroutine.
type Loop struct {
	index   int
	group   *EventLoopGroup
	backend ILoopBackend

	goroutineID atomic.Uint64
	running     atomic.Bool
	done        chan struct{} // closed when Run returned
	runErr      error

	tasks *metrics.Counter
}

// newLoop wraps a backend, the loop is not started yet
func newLoop(group *EventLoopGroup, index int, backend ILoopBackend) *Loop {
	return &Loop{
		index:   index,
		group:   group,
		backend: backend,
		done:    make(chan struct{}),
		tasks:   metrics.GetOrCreateCounter(fmt.Sprintf(`dio_elg_tasks_total{group=%q,loop="%d"}`, group.name, index)),
	}
}

// Index returns the position of the loop in its group
func (l *Loop) Index() int {
	return l.index
}

// Group returns the group owning the loop
func (l *Loop) Group() *EventLoopGroup {
	return l.group
}

// OnLoop reports whether the calling goroutine is this loop's goroutine
func (l *Loop) OnLoop() bool {
	id := l.goroutineID.Load()
	return id != 0 && id == goroutineID()
}

// Submit queues fn for execution on the loop. It never runs fn synchronously.
// Panics raised by fn are recovered and logged so they cannot kill the loop.
func (l *Loop) Submit(fn func()) error {
	if fn == nil {
		return common.Configuration("elg.Loop.Submit", "nil task", nil)
	}
	if !l.running.Load() || l.group.destroyed.Load() {
		return common.InvalidState("elg.Loop.Submit", fmt.Sprintf("loop %d of group %s is not running", l.index, l.group.name))
	}

	err := l.backend.Submit(func() {
		l.tasks.Inc()
		defer func() {
			if r := recover(); r != nil {
				Logger.Errorf("Recovered panic in task on loop %d of group %s: %v", l.index, l.group.name, r)
			}
		}()
		fn()
	})
	if err != nil {
		if errors.Is(err, eventloop.ErrLoopTerminated) {
			return common.InvalidState("elg.Loop.Submit", fmt.Sprintf("loop %d of group %s terminated", l.index, l.group.name))
		}
		return fmt.Errorf("failed to submit task to loop %d: %w", l.index, err)
	}
	return nil
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

// start runs the backend on a new goroutine and waits until the loop executed its first task
func (l *Loop) start() error {
	ready := make(chan struct{})

	go func() {
		defer close(l.done)
		l.goroutineID.Store(goroutineID())
		l.running.Store(true)
		l.runErr = l.backend.Run(context.Background())
		l.running.Store(false)
		l.goroutineID.Store(0)
	}()

	// the first task proves the loop accepts and executes work
	for {
		err := l.backend.Submit(func() { close(ready) })
		if err == nil {
			break
		}
		if !errors.Is(err, eventloop.ErrLoopNotRunning) {
			return err
		}
		// backend not yet running, retry unless Run already gave up
		select {
		case <-l.done:
			return l.exitError()
		default:
			runtime.Gosched()
		}
	}

	select {
	case <-ready:
		return nil
	case <-l.done:
		return l.exitError()
	}
}

// stop drains the loop and waits until its goroutine returned
func (l *Loop) stop(ctx context.Context) {
	select {
	case <-l.done:
		return
	default:
	}

	if err := l.backend.Shutdown(ctx); err != nil && !errors.Is(err, eventloop.ErrLoopTerminated) {
		Logger.Warningf("Loop %d of group %s did not drain cleanly (%v), closing", l.index, l.group.name, err)
		_ = l.backend.Close()
	}
	<-l.done
}

// exitError returns why Run stopped before the loop became ready
func (l *Loop) exitError() error {
	if l.runErr != nil {
		return l.runErr
	}
	return fmt.Errorf("loop %d exited before becoming ready", l.index)
}

// goroutineID returns the current goroutine's ID
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
