package watcher

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"gopherrag/internal/parser"
)

// Handler receives a settled file path.
type Handler func(ctx context.Context, path string)

// Watcher reports new and changed files in one directory once they stop
// changing for the debounce interval.
type Watcher struct {
	dir      string
	debounce time.Duration
	handle   Handler

	mu     sync.Mutex
	timers map[string]*time.Timer

	fsw    *fsnotify.Watcher
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(dir string, debounce time.Duration, handle Handler) *Watcher {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &Watcher{
		dir:      dir,
		debounce: debounce,
		handle:   handle,
		timers:   make(map[string]*time.Timer),
	}
}

// Start schedules the files already present, then follows changes until
// ctx ends or Close is called.
func (w *Watcher) Start(ctx context.Context) error {
	if w.cancel != nil {
		return nil
	}
	info, err := os.Stat(w.dir)
	if err != nil {
		return fmt.Errorf("stat watch dir failed: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("watch path %s is not a directory", w.dir)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher failed: %w", err)
	}
	if err := fsw.Add(w.dir); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("watch %s failed: %w", w.dir, err)
	}
	w.fsw = fsw

	watchCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		log.Printf("watcher initial scan of %s failed: %v", w.dir, err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			w.schedule(watchCtx, filepath.Join(w.dir, e.Name()))
		}
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case <-watchCtx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) {
					w.schedule(watchCtx, ev.Name)
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				log.Printf("watcher error: %v", err)
			}
		}
	}()

	log.Printf("watching %s for new documents", w.dir)
	return nil
}

func (w *Watcher) schedule(ctx context.Context, path string) {
	if !parser.Supported(path) || isHidden(path) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[path]; ok {
		t.Reset(w.debounce)
		return
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		if info, err := os.Stat(path); err != nil || info.IsDir() {
			return
		}
		w.handle(ctx, path)
	})
}

func isHidden(path string) bool {
	base := filepath.Base(path)
	return len(base) > 0 && (base[0] == '.' || base[0] == '~')
}

func (w *Watcher) Close() error {
	if w.cancel != nil {
		w.cancel()
	}
	w.mu.Lock()
	for p, t := range w.timers {
		t.Stop()
		delete(w.timers, p)
	}
	w.mu.Unlock()

	var err error
	if w.fsw != nil {
		err = w.fsw.Close()
	}
	w.wg.Wait()
	return err
}
