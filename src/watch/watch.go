// Package watch feeds filesystem change notifications into the parse caches.
package watch

import (
	"errors"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/op/go-logging.v1"

	"github.com/grumpyjames/buck/src/core"
	"github.com/grumpyjames/buck/src/fs"
)

var log = logging.MustGetLogger("watch")

// Events within this interval get batched into one notification.
const debounceInterval = 50 * time.Millisecond

// A Notifier receives batches of filesystem events. DaemonicParserState
// implements this; tests substitute their own.
type Notifier interface {
	OnFileSystemChange(events ...core.FSEvent)
}

// A Watcher watches one cell's tree and forwards changes to a Notifier.
// Events for a cell are delivered in the order the OS reported them; if the
// OS event queue overflows, a single overflow event is delivered instead,
// which invalidates everything.
type Watcher struct {
	cell     *core.Cell
	notifier Notifier
	watcher  *fsnotify.Watcher
	ignore   map[string]bool
	closed   chan struct{}
}

// Watch starts watching the cell's tree. It returns once the initial watches
// are established; events are delivered on a background goroutine until Close.
func Watch(cell *core.Cell, notifier Notifier) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		cell:     cell,
		notifier: notifier,
		watcher:  fsw,
		ignore:   map[string]bool{},
		closed:   make(chan struct{}),
	}
	for _, name := range cell.Config.Project.Ignore {
		w.ignore[name] = true
	}
	// fsnotify watches single directories, so walk the tree adding one watch
	// per directory. Directories created later get added as their create
	// events arrive.
	if err := w.addTree(cell.Root); err != nil {
		fsw.Close()
		return nil, err
	}
	go w.run()
	return w, nil
}

// Close stops watching. No further notifications are delivered after it returns.
func (w *Watcher) Close() {
	close(w.closed)
	w.watcher.Close()
}

func (w *Watcher) addTree(root string) error {
	return fs.WalkMode(root, func(name string, mode fs.Mode) error {
		if !mode.IsDir() {
			return nil
		}
		if w.ignore[filepath.Base(name)] && name != root {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(name); err != nil {
			log.Error("Failed to add watch on %s: %s", name, err)
		}
		return nil
	})
}

func (w *Watcher) run() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			events := w.translate(event)
			// Quick debounce; fold in everything that arrives in the next brief period.
		outer:
			for {
				select {
				case event, ok := <-w.watcher.Events:
					if !ok {
						break outer
					}
					events = append(events, w.translate(event)...)
				case <-time.After(debounceInterval):
					break outer
				}
			}
			if len(events) > 0 {
				w.notifier.OnFileSystemChange(events...)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				log.Warning("Filesystem event queue overflowed; invalidating everything")
				w.notifier.OnFileSystemChange(core.FSEvent{Kind: core.FSOverflow})
			} else {
				log.Error("Error watching files: %s", err)
			}
		case <-w.closed:
			return
		}
	}
}

// translate converts one fsnotify event into ours, dealing with new
// directories along the way.
func (w *Watcher) translate(event fsnotify.Event) []core.FSEvent {
	if w.ignore[filepath.Base(event.Name)] {
		return nil
	}
	switch {
	case event.Op&fsnotify.Create != 0:
		if fs.DirExists(event.Name) {
			// A new directory needs watching, and anything already inside it
			// was created before the watch landed, so report the contents too.
			var events []core.FSEvent
			if err := w.addTree(event.Name); err != nil {
				log.Error("Failed to watch new directory %s: %s", event.Name, err)
			}
			fs.Walk(event.Name, func(name string, isDir bool) error {
				if !isDir {
					events = append(events, core.FSEvent{Kind: core.FSCreate, Path: name})
				}
				return nil
			})
			return append(events, core.FSEvent{Kind: core.FSCreate, Path: event.Name})
		}
		return []core.FSEvent{{Kind: core.FSCreate, Path: event.Name}}
	case event.Op&fsnotify.Write != 0:
		return []core.FSEvent{{Kind: core.FSModify, Path: event.Name}}
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		return []core.FSEvent{{Kind: core.FSDelete, Path: event.Name}}
	}
	// Chmod and friends don't affect parse results.
	return nil
}
