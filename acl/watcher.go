package acl

import (
	"crypto/sha256"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watcher isolates filesystem access behind its own goroutine so the hot
// path never touches the filesystem: on a debounced change event it reads
// the file, skips unchanged content, parses it and hands the result to
// Engine.Reload.
type Watcher struct {
	path   string
	engine *Engine
	log    logrus.FieldLogger

	fsw      *fsnotify.Watcher
	done     chan struct{}
	lastHash [32]byte
}

// NewWatcher starts watching path's containing directory (fsnotify watches
// directories more reliably than individual files across editors that
// replace-on-save) and begins applying reloads to engine.
func NewWatcher(path string, engine *Engine, log logrus.FieldLogger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{path: path, engine: engine, log: log, fsw: fsw, done: make(chan struct{})}
	if data, err := os.ReadFile(path); err == nil {
		w.lastHash = sha256.Sum256(data)
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}
	pending := false

	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = true
			debounce.Reset(100 * time.Millisecond)
		case <-debounce.C:
			if pending {
				pending = false
				w.tryReload()
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			if w.log != nil {
				w.log.WithError(err).Warn("acl: watcher error")
			}
		}
	}
}

func (w *Watcher) tryReload() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		if w.log != nil {
			w.log.WithError(err).Warn("acl: reload: read failed")
		}
		return
	}
	hash := sha256.Sum256(data)
	if hash == w.lastHash {
		return // unchanged file: no-op at the snapshot level
	}
	cfg, err := Parse(data)
	if err != nil {
		if w.log != nil {
			w.log.WithError(err).Warn("acl: reload: validation failed, keeping active snapshot")
		}
		return
	}
	if err := w.engine.Reload(cfg); err != nil {
		if w.log != nil {
			w.log.WithError(err).Warn("acl: reload: swap failed")
		}
		return
	}
	w.lastHash = hash
	if w.log != nil {
		w.log.WithField("version", w.engine.Version()).Info("acl: snapshot reloaded")
	}
}

// Close stops the watcher goroutine and releases the fsnotify handle.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}
