package tlsctx

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dIO/common"
	"github.com/fsnotify/fsnotify"
)

const defaultDebounceDelay = 100 * time.Millisecond

// Watcher recompiles a context whenever one of the files referenced by its
// options changes. Every successful recompilation produces a new Context;
// contexts already handed out are never modified.
type Watcher struct {
	mode        Mode
	options     Options
	compileOpts []CompileOption
	debounce    time.Duration

	current atomic.Pointer[Context]
	updates chan *Context

	fsw       *fsnotify.Watcher
	files     map[string]struct{}
	dirs      map[string]struct{}
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewWatcher compiles opts and starts watching the referenced files.
// It fails if the initial compilation fails.
func NewWatcher(mode Mode, opts Options, compileOpts ...CompileOption) (*Watcher, error) {
	return NewWatcherWithDelay(mode, opts, defaultDebounceDelay, compileOpts...)
}

// NewWatcherWithDelay is NewWatcher with a custom debounce delay for bursts of file events
func NewWatcherWithDelay(mode Mode, opts Options, debounce time.Duration, compileOpts ...CompileOption) (*Watcher, error) {
	ctx, err := NewCompiler(mode, opts, compileOpts...).Compile()
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, common.ResourceExhaustion("tlsctx.NewWatcher", "cannot create file watcher", err)
	}

	w := &Watcher{
		mode:        mode,
		options:     opts.Clone(),
		compileOpts: compileOpts,
		debounce:    debounce,
		updates:     make(chan *Context, 1),
		fsw:         fsw,
		files:       make(map[string]struct{}),
		dirs:        make(map[string]struct{}),
		stopCh:      make(chan struct{}),
	}
	w.current.Store(ctx)

	for _, file := range opts.Files() {
		clean := filepath.Clean(file)
		dir := filepath.Dir(clean)
		if info, err := os.Stat(clean); err == nil && info.IsDir() {
			dir = clean
		}
		w.files[clean] = struct{}{}
		if _, ok := w.dirs[dir]; ok {
			continue
		}
		if err := fsw.Add(dir); err != nil {
			_ = fsw.Close()
			return nil, common.Configuration("tlsctx.NewWatcher", fmt.Sprintf("cannot watch %s", dir), err)
		}
		w.dirs[dir] = struct{}{}
	}

	w.wg.Add(1)
	go w.watchLoop()

	Logger.Infof("Watching %d TLS files in %d directories", len(w.files), len(w.dirs))
	return w, nil
}

// Current returns the most recently compiled context
func (w *Watcher) Current() *Context {
	return w.current.Load()
}

// Updates returns a channel that receives every newly compiled context.
// If the receiver falls behind only the latest context is kept.
func (w *Watcher) Updates() <-chan *Context {
	return w.updates
}

// Close stops watching. It is safe to call Close more than once.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.stopCh)
		err = w.fsw.Close()
		w.wg.Wait()
		close(w.updates)
	})
	return err
}

func (w *Watcher) watchLoop() {
	defer w.wg.Done()

	var timer *time.Timer
	var timerCh <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !w.isRelevant(event) {
				continue
			}
			Logger.Debugf("TLS file changed: %s (%s)", event.Name, event.Op)
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(w.debounce)
			timerCh = timer.C
		case <-timerCh:
			timerCh = nil
			w.reload()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			Logger.Errorf("TLS file watcher error: %v", err)
		}
	}
}

func (w *Watcher) isRelevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
		return false
	}
	clean := filepath.Clean(event.Name)
	if _, ok := w.files[clean]; ok {
		return true
	}
	// any change inside a watched CA directory
	_, ok := w.files[filepath.Dir(clean)]
	return ok
}

// reload compiles a fresh context, keeping the previous one on failure
func (w *Watcher) reload() {
	ctx, err := NewCompiler(w.mode, w.options, w.compileOpts...).Compile()
	if err != nil {
		Logger.Warningf("Keeping previous TLS context, reload failed: %v", err)
		return
	}
	w.current.Store(ctx)

	// drop a pending update the receiver has not picked up yet
	select {
	case <-w.updates:
	default:
	}
	select {
	case w.updates <- ctx:
	default:
	}
	Logger.Infof("Reloaded %s", ctx)
}
