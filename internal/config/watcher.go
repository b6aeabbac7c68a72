package config

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// Watcher hot-reloads a YAML config file, invoking a callback with the
// newly loaded Config whenever its contents actually change.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher

	mu       sync.Mutex
	lastHash string
}

// NewWatcher constructs a Watcher for path. callback is invoked once per
// genuine content change (hash-compared, so editor saves that rewrite
// identical bytes are ignored).
func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, err
	}
	w := &Watcher{path: path, callback: callback, watcher: fsw}
	if data, err := os.ReadFile(path); err == nil {
		sum := sha256.Sum256(data)
		w.lastHash = hex.EncodeToString(sum[:])
	}
	return w, nil
}

// Start begins processing file system events in a background goroutine
// until Stop is called.
func (w *Watcher) Start() {
	go w.loop()
}

// Stop releases the underlying inotify/kqueue handle.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.handleChange()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Errorf("config watcher error: %v", err)
		}
	}
}

func (w *Watcher) handleChange() {
	data, err := os.ReadFile(w.path)
	if err != nil || len(data) == 0 {
		return
	}
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	w.mu.Lock()
	unchanged := hash == w.lastHash
	w.mu.Unlock()
	if unchanged {
		return
	}

	cfg, err := Load(w.path)
	if err != nil {
		log.Errorf("config: reload %s failed: %v", w.path, err)
		return
	}

	w.mu.Lock()
	w.lastHash = hash
	w.mu.Unlock()

	log.Infof("config reloaded from %s", w.path)
	if w.callback != nil {
		w.callback(cfg)
	}
}
