package sinks

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
)

var (
	ErrClosed        = errors.New("sinks: closed")
	ErrUnknownScheme = errors.New("sinks: unknown scheme")
	ErrDuplicateSink = errors.New("sinks: duplicate sink")
)

// Deps carries the shared components sink factories may need.
type Deps struct {
	Store Appender
}

// Factory builds a sink from its parsed config URL.
type Factory func(u *url.URL, deps Deps) (Sink, error)

// Registry maps URL schemes to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry with the file, metrics and store schemes.
func NewRegistry() *Registry {
	r := &Registry{factories: map[string]Factory{}}
	r.Register("file", func(u *url.URL, _ Deps) (Sink, error) {
		p := u.Path
		if p == "" {
			p = u.Opaque
		}
		return NewFile(p)
	})
	r.Register("metrics", func(*url.URL, Deps) (Sink, error) { return NewMetrics(), nil })
	r.Register("store", func(_ *url.URL, d Deps) (Sink, error) {
		if d.Store == nil {
			return nil, errors.New("sinks: store scheme needs an event store")
		}
		return NewStore(d.Store), nil
	})
	return r
}

// Register adds or replaces the factory for scheme.
func (r *Registry) Register(scheme string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[strings.ToLower(scheme)] = f
}

// Build parses a sink config string. A ?filter= suffix is taken verbatim up
// to the end of the string, percent-decoded, and wraps the sink in a Filter.
func (r *Registry) Build(raw string, deps Deps) (Sink, error) {
	raw = strings.TrimSpace(raw)
	target, expr, hasFilter := strings.Cut(raw, "?filter=")
	if hasFilter {
		if dec, err := url.PathUnescape(expr); err == nil {
			expr = dec
		}
	}
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("sinks: parse %q: %w", raw, err)
	}
	r.mu.RLock()
	f, ok := r.factories[strings.ToLower(u.Scheme)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, u.Scheme)
	}
	s, err := f(u, deps)
	if err != nil {
		return nil, err
	}
	if !hasFilter {
		return s, nil
	}
	filtered, err := NewFilter(s, expr)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("sinks: filter for %q: %w", target, err)
	}
	return filtered, nil
}

// BuildAll builds every config string, closing already built sinks on error.
// Sink names must be unique since the logger addresses sinks by name.
func (r *Registry) BuildAll(raws []string, deps Deps) ([]Sink, error) {
	out := make([]Sink, 0, len(raws))
	seen := make(map[string]struct{}, len(raws))
	fail := func(err error) ([]Sink, error) {
		for _, b := range out {
			_ = b.Close()
		}
		return nil, err
	}
	for _, raw := range raws {
		s, err := r.Build(raw, deps)
		if err != nil {
			return fail(err)
		}
		if _, dup := seen[s.Name()]; dup {
			_ = s.Close()
			return fail(fmt.Errorf("%w: %q", ErrDuplicateSink, s.Name()))
		}
		seen[s.Name()] = struct{}{}
		out = append(out, s)
	}
	return out, nil
}

var defaultRegistry = NewRegistry()

// FromURL builds a sink with the default registry.
func FromURL(raw string, deps Deps) (Sink, error) { return defaultRegistry.Build(raw, deps) }
