package authtoken

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch reloads the keypairs whenever one of the backing PEM files changes,
// so rotated keys take effect without a restart. It returns after the
// watcher is installed and keeps running until ctx is cancelled.
func (k *Keypairs) Watch(ctx context.Context, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	watched := map[string]bool{
		filepath.Clean(k.paths.AccessPrivate):  true,
		filepath.Clean(k.paths.AccessPublic):   true,
		filepath.Clean(k.paths.RefreshPrivate): true,
		filepath.Clean(k.paths.RefreshPublic):  true,
	}
	// Watch directories, not files: editors and rotation scripts typically
	// replace files, which drops a per-file watch.
	dirs := map[string]bool{}
	for path := range watched {
		dirs[filepath.Dir(path)] = true
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return err
		}
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !watched[filepath.Clean(ev.Name)] {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				if err := k.Reload(); err != nil {
					log.Warn("keypair reload failed, keeping previous keys",
						zap.String("file", ev.Name), zap.Error(err))
					continue
				}
				log.Info("signing keys reloaded", zap.String("file", ev.Name))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn("key watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}
