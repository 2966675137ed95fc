package generation

import (
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/cuemby/bunflare/pkg/log"
)

// debounceInterval matches spec.md's "~150 ms" source-change debounce.
const debounceInterval = 150 * time.Millisecond

// watchedExtensions are the only file extensions whose changes trigger a
// reload.
var watchedExtensions = map[string]bool{
	".ts": true, ".js": true, ".tsx": true, ".jsx": true, ".json": true,
}

// sourceWatcher recursively watches root (fsnotify does not do this on its
// own) and calls onChange, debounced, whenever a watched-extension file
// under an unignored directory changes.
type sourceWatcher struct {
	fsw        *fsnotify.Watcher
	ignoreDirs map[string]bool
	onChange   func()
	stopCh     chan struct{}
	doneCh     chan struct{}
}

func newSourceWatcher(root string, ignoreDirs []string, onChange func()) (*sourceWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	ignored := make(map[string]bool, len(ignoreDirs)+2)
	ignored[".git"] = true
	ignored["node_modules"] = true
	for _, d := range ignoreDirs {
		ignored[filepath.Base(d)] = true
	}

	w := &sourceWatcher{
		fsw:        fsw,
		ignoreDirs: ignored,
		onChange:   onChange,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}

	if err := w.addTree(root); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

// addTree walks root and registers every non-ignored directory with
// fsnotify, which only watches the directories it's explicitly told about.
func (w *sourceWatcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if w.ignoreDirs[d.Name()] && path != root {
			return filepath.SkipDir
		}
		return w.fsw.Add(path)
	})
}

func (w *sourceWatcher) start() {
	go w.run()
}

func (w *sourceWatcher) stop() {
	close(w.stopCh)
	<-w.doneCh
	w.fsw.Close()
}

func (w *sourceWatcher) run() {
	defer close(w.doneCh)

	logger := log.WithComponent("generation.watch")
	debounce := time.NewTimer(time.Hour)
	if !debounce.Stop() {
		<-debounce.C
	}
	pending := false

	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !w.shouldTrigger(ev.Name) {
				continue
			}
			if !debounce.Stop() && pending {
				<-debounce.C
			}
			debounce.Reset(debounceInterval)
			pending = true

		case <-debounce.C:
			if pending {
				pending = false
				logger.Info().Msg("source change detected, reloading")
				w.onChange()
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logger.Warn().Err(err).Msg("source watcher error")

		case <-w.stopCh:
			return
		}
	}
}

func (w *sourceWatcher) shouldTrigger(path string) bool {
	if !watchedExtensions[strings.ToLower(filepath.Ext(path))] {
		return false
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if w.ignoreDirs[part] {
			return false
		}
	}
	return true
}
