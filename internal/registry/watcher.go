package registry

import (
	"fmt"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"protean/internal/logging"
)

// ArtifactWatcher demotes capabilities whose on-disk artifact disappears
// out from under them. Without it a removed artifact would only surface
// as a provider fault on the next execution.
type ArtifactWatcher struct {
	reg     *Registry
	watcher *fsnotify.Watcher
	log     *zap.Logger
	done    chan struct{}
}

// WatchArtifacts starts watching dir for removed or renamed artifacts.
func WatchArtifacts(reg *Registry, dir string) (*ArtifactWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create artifact watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	aw := &ArtifactWatcher{
		reg:     reg,
		watcher: w,
		log:     logging.Named(logging.CategoryRegistry),
		done:    make(chan struct{}),
	}
	go aw.loop()
	return aw, nil
}

func (aw *ArtifactWatcher) loop() {
	defer close(aw.done)
	for {
		select {
		case ev, ok := <-aw.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			for _, id := range aw.reg.idsByArtifact(ev.Name) {
				aw.reg.MarkUnavailable(id, fmt.Sprintf("artifact %s removed", ev.Name))
				aw.log.Warn("artifact vanished",
					zap.String("id", id),
					zap.String("artifact", ev.Name))
			}
		case err, ok := <-aw.watcher.Errors:
			if !ok {
				return
			}
			aw.log.Warn("artifact watcher error", zap.Error(err))
		}
	}
}

// Close stops the watcher and waits for the event loop to drain.
func (aw *ArtifactWatcher) Close() error {
	err := aw.watcher.Close()
	<-aw.done
	return err
}
