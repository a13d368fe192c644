package credential

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

const keyReloadDebounce = 500 * time.Millisecond

type ReloadFunc func(pem []byte) error

// KeyWatcher reloads the signing key when the key file changes. The parent
// directory is watched so that atomic replaces (rename over) are seen too.
type KeyWatcher struct {
	watcher *fsnotify.Watcher
	path    string
	reload  ReloadFunc
	done    chan struct{}

	mu    sync.Mutex
	timer *time.Timer
}

func NewKeyWatcher(path string, reload ReloadFunc) (*KeyWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve key path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch key directory: %w", err)
	}

	kw := &KeyWatcher{
		watcher: watcher,
		path:    abs,
		reload:  reload,
		done:    make(chan struct{}),
	}

	go kw.watch()

	return kw, nil
}

func (kw *KeyWatcher) Close() error {
	kw.mu.Lock()
	if kw.timer != nil {
		kw.timer.Stop()
	}
	kw.mu.Unlock()

	close(kw.done)
	return kw.watcher.Close()
}

func (kw *KeyWatcher) watch() {
	for {
		select {
		case event, ok := <-kw.watcher.Events:
			if !ok {
				return
			}
			if kw.shouldHandle(event) {
				kw.schedule()
			}

		case err, ok := <-kw.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("key watcher error")

		case <-kw.done:
			return
		}
	}
}

func (kw *KeyWatcher) shouldHandle(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return false
	}

	name, err := filepath.Abs(event.Name)
	if err != nil {
		return false
	}
	return name == kw.path
}

func (kw *KeyWatcher) schedule() {
	kw.mu.Lock()
	defer kw.mu.Unlock()

	if kw.timer != nil {
		kw.timer.Stop()
	}
	kw.timer = time.AfterFunc(keyReloadDebounce, kw.reloadKey)
}

func (kw *KeyWatcher) reloadKey() {
	select {
	case <-kw.done:
		return
	default:
	}

	data, err := os.ReadFile(kw.path)
	if err != nil {
		log.Warn().Err(err).Str("path", kw.path).Msg("signing key unreadable, keeping previous key")
		return
	}

	if err := kw.reload(data); err != nil {
		log.Error().Err(err).Str("path", kw.path).Msg("signing key reload failed, keeping previous key")
		return
	}
	log.Info().Str("path", kw.path).Msg("signing key reloaded")
}
