package config

import (
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Store holds the active configuration snapshot. Readers never lock; Reload
// swaps the whole snapshot at once.
type Store struct {
	path    string
	current atomic.Pointer[Config]
	watcher *Watcher

	mu sync.Mutex
}

// Change describes an applied reload.
type Change struct {
	Old *Config
	New *Config

	// PortSkipped is set when the file asks for a different port; the
	// listener keeps the old one until restart.
	PortSkipped bool
	// ApplicationsSkipped is set when application sections changed; they are
	// only read at startup.
	ApplicationsSkipped bool
}

func Open(path string) (*Store, error) {
	watcher := NewWatcher(path)
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}

	store := &Store{
		path:    path,
		watcher: watcher,
	}
	store.current.Store(&cfg)
	return store, nil
}

// NewStore wraps an already loaded configuration that is not backed by a file.
func NewStore(cfg Config) *Store {
	store := &Store{}
	store.current.Store(&cfg)
	return store
}

func (store *Store) Path() string {
	return store.path
}

func (store *Store) Current() *Config {
	return store.current.Load()
}

// HasChanged reports whether the backing file differs from the one last
// loaded successfully. A failed reload keeps reporting a change.
func (store *Store) HasChanged() bool {
	if store.watcher == nil {
		return false
	}
	return store.watcher.HasChanged()
}

// Reload re-reads the file. On error the active snapshot stays in place.
func (store *Store) Reload() (Change, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	var state fileState
	if store.watcher != nil {
		state = store.watcher.stat()
	}

	cfg, err := Read(store.path)
	if err != nil {
		return Change{}, err
	}
	if store.watcher != nil {
		store.watcher.mark(state)
	}

	old := store.current.Load()
	change := Change{Old: old}

	if cfg.Port != old.Port {
		change.PortSkipped = true
		cfg.Port = old.Port
	}
	if !sameApplications(cfg.Applications, old.Applications) {
		change.ApplicationsSkipped = true
	}
	cfg.Applications = old.Applications

	change.New = &cfg
	store.current.Store(&cfg)
	return change, nil
}

func sameApplications(a, b []Application) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name || a[i].Prefix != b[i].Prefix || a[i].Kind != b[i].Kind ||
			len(a[i].Options) != len(b[i].Options) {
			return false
		}
		for k, v := range a[i].Options {
			if b[i].Options[k] != v {
				return false
			}
		}
	}
	return true
}

// Watcher polls a file's modification time and size against the state
// last marked as seen.
type Watcher struct {
	path string

	mu   sync.Mutex
	seen fileState
}

type fileState struct {
	modTime time.Time
	size    int64
	missing bool
}

func (state fileState) equal(other fileState) bool {
	return state.missing == other.missing && state.size == other.size && state.modTime.Equal(other.modTime)
}

func NewWatcher(path string) *Watcher {
	watcher := &Watcher{path: path}
	watcher.seen = watcher.stat()
	return watcher
}

// HasChanged does not move the baseline, see mark.
func (watcher *Watcher) HasChanged() bool {
	watcher.mu.Lock()
	defer watcher.mu.Unlock()

	return !watcher.stat().equal(watcher.seen)
}

func (watcher *Watcher) mark(state fileState) {
	watcher.mu.Lock()
	defer watcher.mu.Unlock()

	watcher.seen = state
}

func (watcher *Watcher) stat() fileState {
	info, err := os.Stat(watcher.path)
	if err != nil {
		return fileState{missing: true}
	}
	return fileState{modTime: info.ModTime(), size: info.Size()}
}
