package auth

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// CredsWatcher reloads the manager when the credentials file is rewritten
// externally, e.g. by the Kiro IDE completing its own re-login. Editors
// and SDKs typically replace the file (write+rename), so the parent
// directory is watched rather than the file itself.
type CredsWatcher struct {
	manager *Manager
	path    string
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewCredsWatcher creates a watcher for the manager's credentials file.
// Returns nil when the credentials are environment-sourced.
func NewCredsWatcher(manager *Manager) (*CredsWatcher, error) {
	if manager.path == "" {
		return nil, nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(manager.path)); err != nil {
		w.Close()
		return nil, err
	}
	return &CredsWatcher{
		manager: manager,
		path:    manager.path,
		watcher: w,
		done:    make(chan struct{}),
	}, nil
}

// Start runs the watch loop until Stop is called. Rapid event bursts from
// atomic-replace writers are debounced before reloading.
func (cw *CredsWatcher) Start() {
	go func() {
		var pending *time.Timer
		reload := make(chan struct{}, 1)
		for {
			select {
			case event, ok := <-cw.watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(cw.path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if pending != nil {
					pending.Stop()
				}
				pending = time.AfterFunc(200*time.Millisecond, func() {
					select {
					case reload <- struct{}{}:
					default:
					}
				})
			case <-reload:
				cw.manager.Reload()
			case err, ok := <-cw.watcher.Errors:
				if !ok {
					return
				}
				logrus.Warnf("credentials watcher error: %v", err)
			case <-cw.done:
				return
			}
		}
	}()
}

// Stop terminates the watch loop.
func (cw *CredsWatcher) Stop() {
	close(cw.done)
	cw.watcher.Close()
}
