package config

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// StartWatcher monitors the config file and hot-reloads the recognition
// tunables on change. fsnotify is the primary mechanism; a slow 60s polling
// loop runs as well so editors that replace the file (vim, k8s configmap
// symlink swaps) never leave us watching a dead inode.
func (c *Config) StartWatcher(ctx context.Context) {
	var lastMtime time.Time
	var mtimeMu sync.Mutex

	if st, err := os.Stat(c.path); err == nil {
		lastMtime = st.ModTime()
	}

	reloadIfChanged := func() {
		st, err := os.Stat(c.path)
		if err != nil {
			return
		}
		mtimeMu.Lock()
		changed := st.ModTime() != lastMtime
		if changed {
			lastMtime = st.ModTime()
		}
		mtimeMu.Unlock()
		if !changed {
			return
		}
		if err := c.Reload(); err != nil {
			log.Printf("[Config] Reload failed, keeping previous values: %v", err)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	usePolling := false
	if err != nil {
		log.Printf("[Config] fsnotify unavailable (%v), falling back to polling", err)
		usePolling = true
	} else if err := watcher.Add(c.path); err != nil {
		// File may not exist yet (pure env-var deployments). Polling will
		// pick it up if it appears later.
		log.Printf("[Config] Cannot watch %s (%v), falling back to polling", c.path, err)
		usePolling = true
		watcher.Close()
	}

	if !usePolling {
		go func() {
			defer watcher.Close()
			for {
				select {
				case <-ctx.Done():
					return
				case event, ok := <-watcher.Events:
					if !ok {
						return
					}
					if event.Op&fsnotify.Write == fsnotify.Write || event.Op&fsnotify.Create == fsnotify.Create {
						// Small debounce; editors often fire several writes.
						time.Sleep(100 * time.Millisecond)
						reloadIfChanged()
					}
				case err, ok := <-watcher.Errors:
					if !ok {
						return
					}
					log.Printf("[Config] Watcher error: %v", err)
				}
			}
		}()
	}

	// Polling safety net, always on. The mtime check keeps the log quiet.
	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				reloadIfChanged()
			}
		}
	}()
}
