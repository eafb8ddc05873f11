package blade

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher drops compiled templates from an Engine when their files change on disk.
type Watcher struct {
	engine  *Engine
	store   *FSStore
	dir     string
	watcher *fsnotify.Watcher
	logger  *zap.Logger
	// changed, when set, is called with the id of every forgotten template
	changed func(name string)
}

// NewWatcher watches dir and every directory below it. Template ids are derived
// with the suffix of the store the engine reads from dir.
func NewWatcher(e *Engine, dir, suffix string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		engine:  e,
		store:   NewFSStore(os.DirFS(dir), suffix),
		dir:     dir,
		watcher: fw,
		logger:  e.logger.Named("watch"),
	}
	if err := w.addTree(dir); err != nil {
		_ = fw.Close()
		return nil, err
	}
	return w, nil
}

// OnChange registers fn to be called after a template has been forgotten.
func (w *Watcher) OnChange(fn func(name string)) {
	w.changed = fn
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		return w.watcher.Add(path)
	})
}

// Run processes file events until ctx is done, then closes the underlying watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()
	w.logger.Info("watching templates", zap.String("dir", w.dir))
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handle(ev)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", zap.Error(err))
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
		return
	}
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			w.addCreatedDir(ev.Name)
			return
		}
	}
	w.forget(ev.Name)
}

// addCreatedDir watches a new directory. Files written into it before the watch
// was added produce no events, so they are forgotten here.
func (w *Watcher) addCreatedDir(dir string) {
	if err := w.addTree(dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
		w.logger.Warn("cannot watch directory", zap.String("path", dir), zap.Error(err))
		return
	}
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			w.forget(path)
		}
		return nil
	})
}

func (w *Watcher) forget(path string) {
	rel, err := filepath.Rel(w.dir, path)
	if err != nil {
		return
	}
	name, ok := w.store.NameFromPath(filepath.ToSlash(rel))
	if !ok {
		return
	}
	if err := w.engine.Forget(name); err != nil {
		w.logger.Warn("cannot forget template", zap.String("template", name), zap.Error(err))
		return
	}
	w.logger.Debug("template changed", zap.String("template", name))
	if w.changed != nil {
		w.changed(name)
	}
}
