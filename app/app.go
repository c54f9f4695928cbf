package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/freekieb7/ember/config"
)

var (
	ErrUnknownKind = errors.New("app: unknown application kind")
	ErrMisconfig   = errors.New("app: invalid application options")
)

type Header struct {
	Key   string
	Value string
}

// Call is one forwarded request. Body is only valid for the duration of Invoke.
type Call struct {
	Method  string
	Path    string
	Prefix  string
	Headers []Header
	Body    []byte

	RemoteAddr string
}

type Reply struct {
	Status  int
	Headers []Header
	Body    []byte
}

// Application owns request/response semantics for its route prefix. Invoke
// may block and is called concurrently from several workers.
type Application interface {
	Invoke(ctx context.Context, call Call) (Reply, error)
}

type Binding struct {
	Name        string
	Prefix      string
	Application Application
}

// Registry is populated once at startup and only read afterwards.
type Registry struct {
	bindings []Binding
}

type Factory func(name string, options map[string]string) (Application, error)

var factories = map[string]Factory{
	"exec":   NewExec,
	"proxy":  NewProxy,
	"static": NewStatic,
}

// NewRegistry builds every configured application. Any failure is fatal to
// startup.
func NewRegistry(apps []config.Application) (*Registry, error) {
	registry := &Registry{}

	for _, cfg := range apps {
		factory, found := factories[cfg.Kind]
		if !found {
			return nil, fmt.Errorf("%w: %q for app.%s", ErrUnknownKind, cfg.Kind, cfg.Name)
		}

		application, err := factory(cfg.Name, cfg.Options)
		if err != nil {
			return nil, fmt.Errorf("app.%s: %w", cfg.Name, err)
		}

		registry.bindings = append(registry.bindings, Binding{
			Name:        cfg.Name,
			Prefix:      cfg.Prefix,
			Application: application,
		})
	}

	// longest prefix first so Resolve can stop at the first hit
	sort.SliceStable(registry.bindings, func(i, j int) bool {
		return len(registry.bindings[i].Prefix) > len(registry.bindings[j].Prefix)
	})

	return registry, nil
}

// Bind adds an application outside of configuration. Only valid before the
// server starts.
func (registry *Registry) Bind(name, prefix string, application Application) {
	registry.bindings = append(registry.bindings, Binding{Name: name, Prefix: prefix, Application: application})
	sort.SliceStable(registry.bindings, func(i, j int) bool {
		return len(registry.bindings[i].Prefix) > len(registry.bindings[j].Prefix)
	})
}

// Resolve returns the binding with the longest prefix matching path.
func (registry *Registry) Resolve(path string) (Binding, bool) {
	if registry == nil {
		return Binding{}, false
	}

	for _, binding := range registry.bindings {
		if strings.HasPrefix(path, binding.Prefix) {
			return binding, true
		}
	}
	return Binding{}, false
}

func (registry *Registry) Bindings() []Binding {
	if registry == nil {
		return nil
	}
	return registry.bindings
}
