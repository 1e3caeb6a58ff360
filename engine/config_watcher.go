package engine

import (
	"errors"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spaghettifunk/anima-rt/engine/core"
)

// ConfigWatcher reloads the configuration file whenever it changes on disk
// and hands the decoded result to a callback.
type ConfigWatcher struct {
	path     string
	onReload func(*core.Config) error

	mutex    sync.Mutex
	fsnotify *fsnotify.Watcher
	isClosed bool
	done     chan struct{}
	stopped  chan struct{}
}

func NewConfigWatcher(path string, onReload func(*core.Config) error) (*ConfigWatcher, error) {
	if onReload == nil {
		return nil, errors.New("config watcher requires a reload callback")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fsWatch, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// editors usually replace the file, so the parent directory is watched
	if err := fsWatch.Add(filepath.Dir(abs)); err != nil {
		fsWatch.Close()
		return nil, err
	}

	cw := &ConfigWatcher{
		path:     abs,
		onReload: onReload,
		fsnotify: fsWatch,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go cw.start()
	return cw, nil
}

// WatchEngine returns a watcher that applies every valid reload to e.
func WatchEngine(e *Engine, path string) (*ConfigWatcher, error) {
	return NewConfigWatcher(path, e.ApplyConfig)
}

func (cw *ConfigWatcher) start() {
	defer close(cw.stopped)
	for {
		select {
		case e, ok := <-cw.fsnotify.Events:
			if !ok {
				return
			}
			if filepath.Clean(e.Name) != cw.path {
				continue
			}
			if e.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				cw.reload()
			}
			if e.Op&fsnotify.Remove != 0 {
				core.LogWarn("config file %s was removed, keeping the current configuration", cw.path)
			}

		case err, ok := <-cw.fsnotify.Errors:
			if !ok {
				return
			}
			core.LogError("%s", err)

		case <-cw.done:
			return
		}
	}
}

func (cw *ConfigWatcher) reload() {
	cfg, err := core.LoadConfig(cw.path)
	if err != nil {
		// a half written file fails to decode; the next write event retries
		core.LogWarn("ignoring config change: %s", err)
		return
	}
	if err := cw.onReload(cfg); err != nil {
		core.LogError("failed to apply config change: %s", err)
	}
}

func (cw *ConfigWatcher) Close() error {
	cw.mutex.Lock()
	if cw.isClosed {
		cw.mutex.Unlock()
		return nil
	}
	cw.isClosed = true
	cw.mutex.Unlock()

	close(cw.done)
	<-cw.stopped
	return cw.fsnotify.Close()
}
