package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, path, content string) {
	t.Helper()

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte(""))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.Port != 40000 {
		t.Errorf("Expected default port 40000, got %d", cfg.Port)
	}
	if cfg.Threads != 16 {
		t.Errorf("Expected default threads 16, got %d", cfg.Threads)
	}
	if cfg.IPv6 {
		t.Error("Expected ipv6 to default to false")
	}
	if cfg.ReloadInterval != time.Second {
		t.Errorf("Expected reload interval 1s, got %v", cfg.ReloadInterval)
	}
}

func TestParseServerSection(t *testing.T) {
	cfg, err := Parse([]byte(`
[server]
port = 8080
threads = 4
ipv6 = true
static_root = /srv/files
queue_depth = 32
reload_interval = 250ms
log_level = debug

[app.scripts]
prefix = /scripts/
kind = exec
command = /usr/bin/handler
timeout = 5s
`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.Port != 8080 || cfg.Threads != 4 || !cfg.IPv6 || cfg.QueueDepth != 32 {
		t.Errorf("Unexpected server values: %+v", cfg)
	}
	if cfg.StaticRoot != "/srv/files" {
		t.Errorf("Expected static root /srv/files, got %s", cfg.StaticRoot)
	}
	if cfg.ReloadInterval != 250*time.Millisecond {
		t.Errorf("Expected 250ms reload interval, got %v", cfg.ReloadInterval)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("Expected debug log level, got %v", cfg.LogLevel)
	}

	if len(cfg.Applications) != 1 {
		t.Fatalf("Expected 1 application, got %d", len(cfg.Applications))
	}
	app := cfg.Applications[0]
	if app.Name != "scripts" || app.Prefix != "/scripts/" || app.Kind != "exec" {
		t.Errorf("Unexpected application: %+v", app)
	}
	if app.Options["command"] != "/usr/bin/handler" || app.Options["timeout"] != "5s" {
		t.Errorf("Unexpected application options: %v", app.Options)
	}
}

func TestParseRejectsInvalidValues(t *testing.T) {
	inputs := []string{
		"[server]\nport = abc\n",
		"[server]\nport = 70000\n",
		"[server]\nthreads = 0\n",
		"[server]\nipv6 = maybe\n",
		"[server]\nlog_level = loud\n",
		"[app.x]\nprefix = nope\nkind = static\n",
		"[app.x]\nprefix = /a/\n",
		"[app.x]\nprefix = /a/\nkind = static\n[app.y]\nprefix = /a/\nkind = static\n",
	}

	for _, input := range inputs {
		if _, err := Parse([]byte(input)); !errors.Is(err, ErrInvalid) {
			t.Errorf("Parse(%q): expected ErrInvalid, got %v", input, err)
		}
	}
}

func TestReadMissingFile(t *testing.T) {
	if _, err := Read(filepath.Join(t.TempDir(), "missing.ini")); err == nil {
		t.Error("Expected an error for a missing file")
	}
}

func TestStoreReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.ini")
	writeConfig(t, path, "[server]\nport = 9000\nthreads = 2\nstatic_root = /a\n")

	store, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	writeConfig(t, path, "[server]\nport = 9001\nthreads = 8\nstatic_root = /b\nipv6 = true\n")

	change, err := store.Reload()
	if err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	current := store.Current()
	if current.Threads != 8 || current.StaticRoot != "/b" || !current.IPv6 {
		t.Errorf("Expected live values to be swapped, got %+v", current)
	}
	if current.Port != 9000 || !change.PortSkipped {
		t.Errorf("Expected port change to be skipped, got port %d skipped=%v", current.Port, change.PortSkipped)
	}
	if change.Old.Threads != 2 {
		t.Errorf("Expected old snapshot to be untouched, got %+v", change.Old)
	}
}

func TestStoreReloadFailureKeepsPrevious(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.ini")
	writeConfig(t, path, "[server]\nthreads = 3\n")

	store, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	writeConfig(t, path, "[server]\nthreads = many\n")
	if _, err := store.Reload(); err == nil {
		t.Fatal("Expected reload of an invalid file to fail")
	}
	if store.Current().Threads != 3 {
		t.Errorf("Expected previous threads 3, got %d", store.Current().Threads)
	}

	os.Remove(path)
	if _, err := store.Reload(); err == nil {
		t.Fatal("Expected reload of a missing file to fail")
	}
	if store.Current().Threads != 3 {
		t.Errorf("Expected previous threads 3, got %d", store.Current().Threads)
	}
}

func TestStoreKeepsApplications(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.ini")
	writeConfig(t, path, "[app.health]\nprefix = /health\nkind = static\n")

	store, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	writeConfig(t, path, "[app.other]\nprefix = /other\nkind = static\n")
	change, err := store.Reload()
	if err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	if !change.ApplicationsSkipped {
		t.Error("Expected application change to be reported as skipped")
	}
	apps := store.Current().Applications
	if len(apps) != 1 || apps[0].Name != "health" {
		t.Errorf("Expected startup applications to stay, got %+v", apps)
	}
}

func TestWatcherHasChanged(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.ini")
	writeConfig(t, path, "[server]\n")

	watcher := NewWatcher(path)
	if watcher.HasChanged() {
		t.Error("Expected no change right after creation")
	}

	writeConfig(t, path, "[server]\nthreads = 4\n")
	if !watcher.HasChanged() {
		t.Error("Expected a change after rewriting the file")
	}
	if !watcher.HasChanged() {
		t.Error("Expected change to be reported until marked")
	}

	watcher.mark(watcher.stat())
	if watcher.HasChanged() {
		t.Error("Expected no change after marking")
	}

	os.Remove(path)
	if !watcher.HasChanged() {
		t.Error("Expected removal to count as a change")
	}
}

func TestStoreRetriesFailedReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.ini")
	writeConfig(t, path, "[server]\nthreads = 3\n")

	store, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if store.HasChanged() {
		t.Error("Expected no change right after Open")
	}

	writeConfig(t, path, "[server]\nthreads = many\n")
	if !store.HasChanged() {
		t.Fatal("Expected the invalid file to be reported as changed")
	}
	if _, err := store.Reload(); err == nil {
		t.Fatal("Expected reload of an invalid file to fail")
	}
	if !store.HasChanged() {
		t.Error("Expected a failed reload to be retried")
	}

	writeConfig(t, path, "[server]\nthreads = 5\n")
	if _, err := store.Reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if store.Current().Threads != 5 {
		t.Errorf("Expected threads 5, got %d", store.Current().Threads)
	}
	if store.HasChanged() {
		t.Error("Expected no change after a successful reload")
	}
}
