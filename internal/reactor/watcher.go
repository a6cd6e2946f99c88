package reactor

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"reflex/internal/bus"
	"reflex/internal/logging"
)

// watchPlaybooks reloads definitions when files in the playbook directory
// change. Reload is atomic: a load error keeps the current set.
func (r *Reactor) watchPlaybooks() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(r.config.PlaybookDir); err != nil {
		watcher.Close()
		return err
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer watcher.Close()

		// Editors fire bursts of events per save; debounce into one reload.
		var pending *time.Timer
		reload := make(chan struct{}, 1)

		for {
			select {
			case <-r.stop:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !isPlaybookFile(ev.Name) {
					continue
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
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
				r.reloadPlaybooks()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logging.ReactorError("Playbook watcher error: %v", err)
			}
		}
	}()

	logging.Reactor("Watching %s for playbook changes", r.config.PlaybookDir)
	return nil
}

func isPlaybookFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}

// reloadPlaybooks swaps in a fresh definition set and reconciles bus
// subscriptions with the new trigger patterns.
func (r *Reactor) reloadPlaybooks() {
	books, err := LoadDir(r.config.PlaybookDir)
	if err != nil {
		logging.ReactorError("Playbook reload failed, keeping current set: %v", err)
		return
	}

	r.mu.Lock()
	r.playbooks = books
	started := r.started
	oldSubs := r.subs
	var patterns []string
	if started {
		r.subs = nil
		patterns = r.triggerPatternsLocked()
	}
	r.mu.Unlock()

	if started {
		var newSubs []bus.SubscriptionID
		for _, pattern := range patterns {
			id, err := r.events.Subscribe(pattern, r.handleEvent)
			if err != nil {
				logging.ReactorError("Resubscribe %q failed: %v", pattern, err)
				continue
			}
			newSubs = append(newSubs, id)
		}
		r.mu.Lock()
		r.subs = newSubs
		r.mu.Unlock()
		for _, id := range oldSubs {
			r.events.Unsubscribe(id)
		}
	}

	logging.Reactor("Reloaded %d playbooks", len(books))
	r.publish("reactor.playbooks_reloaded", bus.SeverityInfo, "system", map[string]any{
		"count": len(books),
	})
}
