//go:build linux

package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/freekieb7/ember/app"
	"github.com/freekieb7/ember/config"
	"github.com/freekieb7/ember/filesystem"
	"github.com/freekieb7/ember/http"
	"github.com/freekieb7/ember/reactor"
	"github.com/freekieb7/ember/schedule"
)

const reloadTimeout = 10 * time.Second

// Server ties the configuration store to the reactor and keeps the reactor in
// step with configuration reloads.
type Server struct {
	store  *config.Store
	logger *slog.Logger
	level  *slog.LevelVar

	registry  *app.Registry
	reactor   *reactor.Reactor
	scheduler *schedule.Scheduler
	reloadJob *schedule.Job

	mu sync.Mutex
}

// New builds the application registry and dispatcher and binds the
// listeners. level may be nil when the log level is not reloadable.
func New(store *config.Store, logger *slog.Logger, level *slog.LevelVar) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := store.Current()

	registry, err := app.NewRegistry(cfg.Applications)
	if err != nil {
		return nil, err
	}
	for _, binding := range registry.Bindings() {
		logger.Info("application bound", "app", binding.Name, "prefix", binding.Prefix)
	}

	fs := filesystem.NewLocalFileSystem()
	if err := fs.CreateDirectory(cfg.StaticRoot); err != nil {
		return nil, fmt.Errorf("server: static root: %w", err)
	}

	files := &http.Files{
		FS:   fs,
		Root: func() string { return store.Current().StaticRoot },
	}
	router := http.NewDispatcher(files, registry)

	r, err := reactor.New(reactor.Config{
		Port:            cfg.Port,
		IPv6:            cfg.IPv6,
		Threads:         cfg.Threads,
		QueueDepth:      cfg.QueueDepth,
		MaxRequestBytes: cfg.MaxRequestBytes,
		Handler:         router.Handler(),
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}

	server := &Server{
		store:     store,
		logger:    logger,
		level:     level,
		registry:  registry,
		reactor:   r,
		scheduler: schedule.NewScheduler(logger).WithTick(min(cfg.ReloadInterval, schedule.DefaultTick)),
	}

	server.reloadJob = schedule.NewJob().
		WithName("config-reload").
		WithInterval(cfg.ReloadInterval).
		WithTimeout(reloadTimeout).
		WithTasks(server.Reload)
	if err := server.scheduler.AddJob(server.reloadJob); err != nil {
		return nil, err
	}

	return server, nil
}

// Run serves until ctx is done. The configuration file is polled for changes
// while running.
func (server *Server) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	scheduleCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if server.store.Path() != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			server.scheduler.Run(scheduleCtx)
		}()
	}

	return server.reactor.Run(ctx)
}

// Reload applies a changed configuration file. Thread count, IPv6, static root,
// log level and reload interval apply live; the rest waits for a restart.
func (server *Server) Reload(ctx context.Context) error {
	server.mu.Lock()
	defer server.mu.Unlock()

	if !server.store.HasChanged() {
		return nil
	}

	change, err := server.store.Reload()
	if err != nil {
		return fmt.Errorf("server: reload %s, keeping previous configuration: %w", server.store.Path(), err)
	}
	old, cfg := change.Old, change.New

	if change.PortSkipped {
		server.logger.Warn("port change requires a restart", "port", old.Port)
	}
	if change.ApplicationsSkipped {
		server.logger.Warn("application changes require a restart")
	}
	if cfg.QueueDepth != old.QueueDepth || cfg.MaxRequestBytes != old.MaxRequestBytes {
		server.logger.Warn("queue_depth and max_request_bytes changes require a restart")
	}

	if cfg.Threads != old.Threads {
		if err := server.reactor.Resize(cfg.Threads); err != nil {
			return fmt.Errorf("server: resizing worker pool: %w", err)
		}
	}
	if cfg.IPv6 != old.IPv6 {
		server.reactor.SetIPv6(cfg.IPv6)
	}
	if cfg.ReloadInterval != old.ReloadInterval {
		server.reloadJob.SetInterval(cfg.ReloadInterval)
	}
	if server.level != nil && cfg.LogLevel != old.LogLevel {
		server.level.Set(cfg.LogLevel)
	}

	server.logger.Info("configuration reloaded",
		"threads", cfg.Threads,
		"ipv6", cfg.IPv6,
		"static_root", cfg.StaticRoot,
		"log_level", cfg.LogLevel.String(),
	)
	return nil
}

func (server *Server) Port() int {
	return server.reactor.Port()
}

func (server *Server) Reactor() *reactor.Reactor {
	return server.reactor
}

func (server *Server) Config() *config.Config {
	return server.store.Current()
}
