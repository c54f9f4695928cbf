package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gopkg.in/ini.v1"
)

const (
	DefaultPort            = 40000
	DefaultThreads         = 16
	DefaultQueueDepth      = 256
	DefaultStaticRoot      = "./public"
	DefaultMaxRequestBytes = 8 * 1024 * 1024 // 8MB
	DefaultReloadInterval  = time.Second

	serverSection = "server"
	appPrefix     = "app."
)

var ErrInvalid = errors.New("config: invalid value")

type Config struct {
	Port            int
	Threads         int
	IPv6            bool
	StaticRoot      string
	QueueDepth      int
	MaxRequestBytes int
	ReloadInterval  time.Duration
	LogLevel        slog.Level

	Applications []Application
}

// Application binds a route prefix to an application; Options holds the
// kind specific keys of its section.
type Application struct {
	Name    string
	Prefix  string
	Kind    string
	Options map[string]string
}

func Default() Config {
	return Config{
		Port:            DefaultPort,
		Threads:         DefaultThreads,
		StaticRoot:      DefaultStaticRoot,
		QueueDepth:      DefaultQueueDepth,
		MaxRequestBytes: DefaultMaxRequestBytes,
		ReloadInterval:  DefaultReloadInterval,
		LogLevel:        slog.LevelInfo,
	}
}

// Read loads an INI file. Keys that are absent keep their defaults; keys that
// are present but unparsable fail the whole read.
func Read(path string) (Config, error) {
	file, err := ini.Load(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}

	return parse(file)
}

// Parse reads configuration from raw INI bytes.
func Parse(data []byte) (Config, error) {
	file, err := ini.Load(data)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}

	return parse(file)
}

func parse(file *ini.File) (Config, error) {
	cfg := Default()
	server := file.Section(serverSection)

	var err error
	if cfg.Port, err = intKey(server, "port", cfg.Port); err != nil {
		return Config{}, err
	}
	if cfg.Threads, err = intKey(server, "threads", cfg.Threads); err != nil {
		return Config{}, err
	}
	if cfg.QueueDepth, err = intKey(server, "queue_depth", cfg.QueueDepth); err != nil {
		return Config{}, err
	}
	if cfg.MaxRequestBytes, err = intKey(server, "max_request_bytes", cfg.MaxRequestBytes); err != nil {
		return Config{}, err
	}
	if server.HasKey("ipv6") {
		if cfg.IPv6, err = server.Key("ipv6").Bool(); err != nil {
			return Config{}, fmt.Errorf("%w: server.ipv6: %v", ErrInvalid, err)
		}
	}
	if server.HasKey("reload_interval") {
		if cfg.ReloadInterval, err = server.Key("reload_interval").Duration(); err != nil {
			return Config{}, fmt.Errorf("%w: server.reload_interval: %v", ErrInvalid, err)
		}
	}
	if server.HasKey("log_level") {
		if err := cfg.LogLevel.UnmarshalText([]byte(server.Key("log_level").String())); err != nil {
			return Config{}, fmt.Errorf("%w: server.log_level: %v", ErrInvalid, err)
		}
	}
	if server.HasKey("static_root") {
		cfg.StaticRoot = strings.TrimSpace(server.Key("static_root").String())
	}

	for _, section := range file.Sections() {
		if !strings.HasPrefix(section.Name(), appPrefix) {
			continue
		}

		app := Application{
			Name:    strings.TrimPrefix(section.Name(), appPrefix),
			Options: make(map[string]string),
		}
		for _, key := range section.Keys() {
			switch key.Name() {
			case "prefix":
				app.Prefix = key.String()
			case "kind":
				app.Kind = key.String()
			default:
				app.Options[key.Name()] = key.String()
			}
		}
		cfg.Applications = append(cfg.Applications, app)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) Validate() error {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return fmt.Errorf("%w: server.port %d out of range", ErrInvalid, cfg.Port)
	}
	if cfg.Threads < 1 {
		return fmt.Errorf("%w: server.threads must be at least 1", ErrInvalid)
	}
	if cfg.QueueDepth < 1 {
		return fmt.Errorf("%w: server.queue_depth must be at least 1", ErrInvalid)
	}
	if cfg.MaxRequestBytes < 1024 {
		return fmt.Errorf("%w: server.max_request_bytes must be at least 1024", ErrInvalid)
	}
	if cfg.ReloadInterval <= 0 {
		return fmt.Errorf("%w: server.reload_interval must be positive", ErrInvalid)
	}
	if cfg.StaticRoot == "" {
		return fmt.Errorf("%w: server.static_root is empty", ErrInvalid)
	}

	prefixes := make(map[string]string, len(cfg.Applications))
	for _, app := range cfg.Applications {
		if !strings.HasPrefix(app.Prefix, "/") {
			return fmt.Errorf("%w: app.%s prefix %q must start with /", ErrInvalid, app.Name, app.Prefix)
		}
		if app.Kind == "" {
			return fmt.Errorf("%w: app.%s has no kind", ErrInvalid, app.Name)
		}
		if other, found := prefixes[app.Prefix]; found {
			return fmt.Errorf("%w: app.%s and app.%s share prefix %s", ErrInvalid, app.Name, other, app.Prefix)
		}
		prefixes[app.Prefix] = app.Name
	}

	return nil
}

func intKey(section *ini.Section, name string, def int) (int, error) {
	if !section.HasKey(name) {
		return def, nil
	}

	v, err := section.Key(name).Int()
	if err != nil {
		return 0, fmt.Errorf("%w: %s.%s: %v", ErrInvalid, section.Name(), name, err)
	}
	return v, nil
}
