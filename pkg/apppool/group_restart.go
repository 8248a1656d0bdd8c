package apppool

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// watchRestartDir supplements checkNeedsRestart's throttled stat(2)
// polling with an fsnotify watch on app_root/tmp, so a restart.txt or
// always_restart.txt write is observed immediately instead of waiting
// out the next StatThrottleRate tick. Runs until stop is closed; any
// fsnotify setup failure (tmp/ not existing yet, inotify watch limits)
// just leaves the throttled poll as the sole detection path.
func (g *Group) watchRestartDir(stop <-chan struct{}) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return
	}
	defer watcher.Close()

	tmpDir := filepath.Join(g.spawnOpts.AppRoot, "tmp")
	if err := watcher.Add(tmpDir); err != nil {
		return
	}

	for {
		select {
		case <-stop:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			g.handleRestartDirEvent(event)
		case _, ok := <-watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (g *Group) handleRestartDirEvent(event fsnotify.Event) {
	base := filepath.Base(event.Name)
	if base != "restart.txt" && base != "always_restart.txt" {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}

	g.pool.mu.Lock()
	var actions []postLockAction
	if !g.restarting {
		g.forceCheckNeedsRestart(&actions)
	}
	g.pool.mu.Unlock()
	runActions(actions)
}
