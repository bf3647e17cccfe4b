package objectstore

import (
	"context"
	"errors"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/agentworkforce/batchloader/internal/batchload"
)

const (
	defaultSettle     = 250 * time.Millisecond
	createdEventName  = "ObjectCreated:Put"
	watcherEventQueue = 256
)

// Handler receives one event per settled object creation.
type Handler func(ctx context.Context, ev batchload.ObjectCreatedEvent)

type WatcherOptions struct {
	// Settle is how long a file must go without writes before it is
	// reported. Files stored through FSStore arrive by rename and settle
	// after one interval.
	Settle time.Duration
	Logf   func(format string, args ...any)
}

// Watcher reports objects created under an FSStore root. Directories are
// watched recursively as they appear; the metadata tree is skipped.
type Watcher struct {
	root    string
	handle  Handler
	settle  time.Duration
	logf    func(format string, args ...any)
	mu      sync.Mutex
	pending map[string]time.Time
}

func NewWatcher(root string, handle Handler, opts WatcherOptions) *Watcher {
	w := &Watcher{
		root:    root,
		handle:  handle,
		settle:  opts.Settle,
		logf:    opts.Logf,
		pending: map[string]time.Time{},
	}
	if w.settle <= 0 {
		w.settle = defaultSettle
	}
	if w.logf == nil {
		w.logf = log.Printf
	}
	return w
}

// Run watches until ctx is cancelled. Objects present before Run starts are
// not reported.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewBufferedWatcher(watcherEventQueue)
	if err != nil {
		return err
	}
	defer fsw.Close()
	if err := w.addTree(fsw, w.root); err != nil {
		return err
	}

	ticker := time.NewTicker(w.settle / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.observe(fsw, ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				w.logf("object watcher overflowed; some creations were not reported")
				continue
			}
			w.logf("object watcher error: %v", err)
		case now := <-ticker.C:
			w.flushSettled(ctx, now)
		}
	}
}

func (w *Watcher) observe(fsw *fsnotify.Watcher, ev fsnotify.Event) {
	if w.ignored(ev.Name) {
		return
	}
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return
	}
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.addTree(fsw, ev.Name); err != nil {
				w.logf("watch %s: %v", ev.Name, err)
			}
			return
		}
	}
	w.mu.Lock()
	w.pending[ev.Name] = time.Now()
	w.mu.Unlock()
}

func (w *Watcher) flushSettled(ctx context.Context, now time.Time) {
	var ready []string
	w.mu.Lock()
	for name, last := range w.pending {
		if now.Sub(last) >= w.settle {
			ready = append(ready, name)
			delete(w.pending, name)
		}
	}
	w.mu.Unlock()

	for _, name := range ready {
		info, err := os.Stat(name)
		if err != nil || info.IsDir() {
			continue
		}
		bucket, key, ok := ObjectFromPath(w.root, name)
		if !ok {
			continue
		}
		ev, err := batchload.NewObjectCreatedEvent(bucket, batchload.EncodeObjectKey(key), info.Size(), createdEventName)
		if err != nil {
			w.logf("skip %s: %v", name, err)
			continue
		}
		w.handle(ctx, ev)
	}
}

// addTree watches dir and every directory below it, reporting files that
// appeared before the watch was in place.
func (w *Watcher) addTree(fsw *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if w.ignored(p) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return fsw.Add(p)
		}
		if dir != w.root {
			w.mu.Lock()
			w.pending[p] = time.Now()
			w.mu.Unlock()
		}
		return nil
	})
}

func (w *Watcher) ignored(p string) bool {
	rel, err := filepath.Rel(w.root, p)
	if err != nil || rel == "." {
		return false
	}
	first, _, _ := strings.Cut(filepath.ToSlash(rel), "/")
	return first == metaDir
}
