package policy

import (
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Loader reads the rule source file and feeds the engine. With hot reload
// enabled it watches the file and swaps the rule set on change; a document
// that fails to parse leaves the previous set active.
type Loader struct {
	path   string
	engine *Engine
	logger *log.Logger

	watcher    *fsnotify.Watcher
	stopWatch  chan struct{}
	reloadLock sync.Mutex
}

// NewLoader creates a loader for the rule source at path.
func NewLoader(path string, engine *Engine, logger *log.Logger) *Loader {
	return &Loader{
		path:      path,
		engine:    engine,
		logger:    logger,
		stopWatch: make(chan struct{}),
	}
}

// Load reads and parses the rule source, swapping it into the engine.
// Returns the new version id.
func (l *Loader) Load() (string, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return "", fmt.Errorf("policy: read rule source %s: %w", l.path, err)
	}
	rs, err := ParseRuleSource(data)
	if err != nil {
		return "", err
	}
	return l.engine.Reload(rs), nil
}

// StartHotReload watches the rule source file and reloads on change.
func (l *Loader) StartHotReload() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("policy: create watcher: %w", err)
	}
	l.watcher = watcher

	if err := watcher.Add(l.path); err != nil {
		watcher.Close()
		return fmt.Errorf("policy: watch %s: %w", l.path, err)
	}

	go l.watchLoop()

	if l.logger != nil {
		l.logger.Printf("[policy] hot-reload enabled for: %s", l.path)
	}
	return nil
}

// StopHotReload stops the file watcher.
func (l *Loader) StopHotReload() {
	if l.watcher != nil {
		close(l.stopWatch)
		l.watcher.Close()
	}
}

func (l *Loader) watchLoop() {
	// Debounce rapid editor saves.
	var debounceTimer *time.Timer
	debounce := 500 * time.Millisecond

	for {
		select {
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(debounce, func() {
					l.reloadLock.Lock()
					defer l.reloadLock.Unlock()

					old := l.engine.Version()
					version, err := l.Load()
					if err != nil {
						if l.logger != nil {
							l.logger.Printf("[policy] hot-reload FAILED, keeping %s: %v", old, err)
						}
						return
					}
					if l.logger != nil {
						l.logger.Printf("[policy] hot-reload SUCCESS: %s -> %s", old, version)
					}
				})
			}
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			if l.logger != nil {
				l.logger.Printf("[policy] watcher error: %v", err)
			}
		case <-l.stopWatch:
			return
		}
	}
}
