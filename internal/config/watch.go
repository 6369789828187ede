package config

import (
	"log"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the config file when it changes on disk and hands each
// valid new revision to the callback. Invalid revisions are logged and
// skipped, so a half-saved file never replaces a working config.
type Watcher struct {
	path    string
	onLoad  func(Config)
	watcher *fsnotify.Watcher

	mu     sync.Mutex
	closed chan struct{}
	once   sync.Once
}

// Watch starts watching path's parent directory (editors typically replace
// the file rather than write it in place, which drops inode watches).
func Watch(path string, onLoad func(Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		path:    path,
		onLoad:  onLoad,
		watcher: fw,
		closed:  make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	base := filepath.Base(w.path)
	for {
		select {
		case <-w.closed:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				log.Printf("CONFIG: reload skipped: %v", err)
				continue
			}
			log.Printf("CONFIG: reloaded %s", w.path)
			w.onLoad(cfg)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("CONFIG: watcher error: %v", err)
		}
	}
}

// Close stops the watcher. Idempotent.
func (w *Watcher) Close() error {
	w.once.Do(func() { close(w.closed) })
	return w.watcher.Close()
}
