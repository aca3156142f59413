package reqguard

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// CatalogWatcher reloads the signature catalog file into an engine when it
// changes on disk. A file that fails to load leaves the current catalog in
// place.
type CatalogWatcher struct {
	path     string
	engine   *Engine
	watcher  *fsnotify.Watcher
	debounce time.Duration

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewCatalogWatcher(engine *Engine, path string) (*CatalogWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve catalog path: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	// Editors often replace the file, so watch the directory.
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	return &CatalogWatcher{
		path:     abs,
		engine:   engine,
		watcher:  fw,
		debounce: 250 * time.Millisecond,
		done:     make(chan struct{}),
	}, nil
}

// Reload loads the file and swaps it into the engine.
func (w *CatalogWatcher) Reload() error {
	catalog, err := LoadCatalogFile(w.path)
	if err != nil {
		w.engine.Logger().Error().Err(err).Str("path", w.path).Msg("catalog reload failed, keeping current catalog")
		return err
	}
	w.engine.SetCatalog(catalog)
	return nil
}

func (w *CatalogWatcher) Start() {
	w.wg.Add(1)
	go w.loop()
}

func (w *CatalogWatcher) loop() {
	defer w.wg.Done()
	var fire <-chan time.Time
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				fire = time.After(w.debounce)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.engine.Logger().Error().Err(err).Msg("catalog watcher")
		case <-fire:
			fire = nil
			_ = w.Reload()
		case <-w.done:
			return
		}
	}
}

func (w *CatalogWatcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		err = w.watcher.Close()
		w.wg.Wait()
	})
	return err
}
