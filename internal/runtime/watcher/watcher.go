// Package watcher loads module files as they appear in a directory.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/zutils/protocols/internal/runtime/boundary"
	errspkg "github.com/zutils/protocols/internal/runtime/errors"
	"github.com/zutils/protocols/internal/runtime/logging"
	"github.com/zutils/protocols/internal/runtime/tree"
)

// DefaultDebounce is the quiet period a path must see before it is loaded.
const DefaultDebounce = 200 * time.Millisecond

// Reloader loads a path into a node, replacing a previous load of the same
// path where the module kind allows it. *loader.Loader satisfies it.
type Reloader interface {
	Reload(ctx context.Context, node *tree.Node, path string) (*boundary.Handle, error)
}

// Options configures a Watcher.
type Options struct {
	Dir        string
	Recursive  bool
	Extensions []string
	Debounce   time.Duration
	Logger     logging.ServiceLogger
	// OnLoad, when set, observes every load attempt.
	OnLoad func(path string, err error)
}

// Watcher loads supported files created or written under a directory.
type Watcher struct {
	opts    Options
	loader  Reloader
	node    *tree.Node
	log     logging.ServiceLogger
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]*time.Timer
	wg      sync.WaitGroup
}

// New starts watching opts.Dir (and its subdirectories when Recursive).
func New(l Reloader, node *tree.Node, opts Options) (*Watcher, error) {
	if l == nil {
		return nil, errspkg.ErrLoaderMissing
	}
	if node == nil {
		return nil, errspkg.ErrNodeRequired
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if len(opts.Extensions) == 0 {
		opts.Extensions = []string{".so", ".wasm"}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	w := &Watcher{
		opts:    opts,
		loader:  l,
		node:    node,
		log:     opts.Logger.With(logging.LogFields{"component": "watcher", "dir": opts.Dir}),
		watcher: fw,
		pending: make(map[string]*time.Timer),
	}
	if err := w.addDir(opts.Dir); err != nil {
		_ = fw.Close()
		return nil, err
	}
	return w, nil
}

func (w *Watcher) addDir(dir string) error {
	if !w.opts.Recursive {
		if err := w.watcher.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
		return nil
	}
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.watcher.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}

// Watched lists the directories currently watched.
func (w *Watcher) Watched() []string {
	list := w.watcher.WatchList()
	slices.Sort(list)
	return list
}

// Run handles events until ctx is done. Load failures are logged and never
// stop the loop.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.stop()
	w.log.Info("watching for modules", logging.LogFields{"recursive": w.opts.Recursive})

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Error("watcher error", err, nil)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}

	if w.opts.Recursive && event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addDir(event.Name); err != nil {
				w.log.Error("cannot watch new directory", err, logging.LogFields{"path": event.Name})
			}
			return
		}
	}

	if !w.supported(event.Name) {
		return
	}
	w.schedule(ctx, event.Name)
}

func (w *Watcher) supported(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, want := range w.opts.Extensions {
		if strings.EqualFold(ext, want) {
			return true
		}
	}
	return false
}

// schedule (re)arms the debounce timer of path.
func (w *Watcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok && t.Stop() {
		t.Reset(w.opts.Debounce)
		return
	}
	w.wg.Add(1)
	var timer *time.Timer
	timer = time.AfterFunc(w.opts.Debounce, func() {
		defer w.wg.Done()
		w.mu.Lock()
		if w.pending[path] == timer {
			delete(w.pending, path)
		}
		w.mu.Unlock()
		w.load(ctx, path)
	})
	w.pending[path] = timer
}

func (w *Watcher) load(ctx context.Context, path string) {
	if ctx.Err() != nil {
		return
	}
	h, err := w.loader.Reload(ctx, w.node, path)
	switch {
	case errors.Is(err, errspkg.ErrAlreadyLoaded):
		w.log.Warn("module changed but cannot be replaced in a running process", logging.LogFields{"path": path})
	case err != nil:
		w.log.Error("module failed to load", err, logging.LogFields{"path": path})
	default:
		w.log.Info("module hot-loaded", logging.LogFields{"path": path, "kind": h.Kind()})
	}
	if w.opts.OnLoad != nil {
		w.opts.OnLoad(path, err)
	}
}

func (w *Watcher) stop() {
	w.mu.Lock()
	for path, t := range w.pending {
		if t.Stop() {
			w.wg.Done()
		}
		delete(w.pending, path)
	}
	w.mu.Unlock()
	w.wg.Wait()
	_ = w.watcher.Close()
}
