package connection

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/rickgao/depth-mirror/internal/metrics"
)

// combinedPrefix marks a path key built by CombinedPath.
const combinedPrefix = "streams="

// CombinedPath builds the path key for a combined stream over several paths.
// Frames on a combined stream carry the source stream name in Message.Stream.
func CombinedPath(paths ...string) string {
	return combinedPrefix + strings.Join(paths, "/")
}

// TransportFactory builds the transport for a path key.
type TransportFactory func(pathKey string) StreamTransport

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	BaseURL   string          // e.g. wss://stream.binance.com:9443
	Transport TransportConfig // Template for every transport
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithTransportFactory replaces how transports are built.
func WithTransportFactory(f TransportFactory) RegistryOption {
	return func(r *Registry) {
		r.newTransport = f
	}
}

// Registry holds at most one open transport per path key.
type Registry struct {
	cfg     RegistryConfig
	logger  *slog.Logger
	metrics *metrics.Metrics

	newTransport TransportFactory

	mu    sync.Mutex
	conns map[string]StreamTransport
	hooks []func(key string)
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig, logger *slog.Logger, m *metrics.Metrics, opts ...RegistryOption) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.Discard()
	}

	r := &Registry{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		conns:   make(map[string]StreamTransport),
	}
	r.newTransport = func(pathKey string) StreamTransport {
		tc := r.cfg.Transport
		tc.Label = pathKey
		return NewTransport(tc, r.logger, r.metrics)
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// URL returns the stream URL for a path key.
func (r *Registry) URL(pathKey string) string {
	base := strings.TrimRight(r.cfg.BaseURL, "/")
	if strings.HasPrefix(pathKey, combinedPrefix) {
		return base + "/stream?" + pathKey
	}
	return base + "/ws/" + pathKey
}

// Start opens a transport for pathKey and returns the key. If pathKey is
// already open it returns the existing key and ErrAlreadyOpen. A transport
// that gave up reconnecting (StateFailed) is replaced by a fresh one without
// running stop hooks.
func (r *Registry) Start(pathKey string, handler Handler) (string, error) {
	if pathKey == "" {
		return "", ErrEmptyPath
	}

	r.mu.Lock()
	stale, ok := r.conns[pathKey]
	if ok && stale.State() != StateFailed {
		r.mu.Unlock()
		return pathKey, ErrAlreadyOpen
	}
	delete(r.conns, pathKey)

	t := r.newTransport(pathKey)
	err := t.Open(r.URL(pathKey), handler)
	if err == nil {
		r.conns[pathKey] = t
	}
	r.metrics.ConnectionsOpen.Set(float64(len(r.conns)))
	r.mu.Unlock()

	if stale != nil {
		if cerr := stale.Close(); cerr != nil {
			r.logger.Warn("close failed stream", "path", pathKey, "error", cerr)
		}
	}
	if err != nil {
		return "", fmt.Errorf("open %s: %w", pathKey, err)
	}

	if stale != nil {
		r.logger.Info("stream reopened after failure", "path", pathKey)
	} else {
		r.logger.Info("stream started", "path", pathKey)
	}
	return pathKey, nil
}

// Stop closes and removes the transport for key. Unknown keys are a no-op.
// Stop hooks run after removal.
func (r *Registry) Stop(key string) error {
	r.mu.Lock()
	t, ok := r.conns[key]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.conns, key)
	r.metrics.ConnectionsOpen.Set(float64(len(r.conns)))
	hooks := append([]func(string){}, r.hooks...)
	r.mu.Unlock()

	err := t.Close()
	r.logger.Info("stream stopped", "path", key)

	for _, h := range hooks {
		h(key)
	}

	if err != nil {
		return fmt.Errorf("close %s: %w", key, err)
	}
	return nil
}

// StopAll closes every transport.
func (r *Registry) StopAll() {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[string]StreamTransport)
	r.metrics.ConnectionsOpen.Set(0)
	hooks := append([]func(string){}, r.hooks...)
	r.mu.Unlock()

	for key, t := range conns {
		if err := t.Close(); err != nil {
			r.logger.Warn("close stream", "path", key, "error", err)
		}
		for _, h := range hooks {
			h(key)
		}
	}

	r.logger.Info("all streams stopped", "count", len(conns))
}

// OnStop registers a hook called with each key removed by Stop or StopAll.
// Hooks run outside the registry lock and may call back into the registry.
func (r *Registry) OnStop(hook func(key string)) {
	r.mu.Lock()
	r.hooks = append(r.hooks, hook)
	r.mu.Unlock()
}

// Keys returns the open path keys, sorted.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	keys := make([]string, 0, len(r.conns))
	for k := range r.conns {
		keys = append(keys, k)
	}
	r.mu.Unlock()

	sort.Strings(keys)
	return keys
}

// Len returns the number of open transports.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// State returns the reconnect state of key's transport.
func (r *Registry) State(key string) (State, bool) {
	r.mu.Lock()
	t, ok := r.conns[key]
	r.mu.Unlock()
	if !ok {
		return StateDisconnected, false
	}
	return t.State(), true
}

// States returns the reconnect state of every transport, keyed by path.
func (r *Registry) States() map[string]State {
	r.mu.Lock()
	conns := make(map[string]StreamTransport, len(r.conns))
	for k, t := range r.conns {
		conns[k] = t
	}
	r.mu.Unlock()

	out := make(map[string]State, len(conns))
	for k, t := range conns {
		out[k] = t.State()
	}
	return out
}
