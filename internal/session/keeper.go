package session

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rickgao/depth-mirror/internal/connection"
	"github.com/rickgao/depth-mirror/internal/metrics"
)

// Option configures a Keeper.
type Option func(*Keeper)

// WithErrorHandler sets the hook for failures on timer fire. Without one the
// failed session is logged and deactivated.
func WithErrorHandler(fn func(class Class, err error)) Option {
	return func(k *Keeper) {
		k.onError = fn
	}
}

type session struct {
	class   Class
	token   string
	handler connection.Handler
	timer   *time.Timer
	gen     uint64
}

// Keeper owns one listen key and one stream per Class.
type Keeper struct {
	cfg     Config
	issuer  TokenIssuer
	streams Streams
	logger  *slog.Logger
	metrics *metrics.Metrics
	onError func(Class, error)

	// opMu serializes operations that do I/O. mu guards the maps and is
	// never held across a network call.
	opMu     sync.Mutex
	mu       sync.Mutex
	sessions map[Class]*session
	byToken  map[string]Class
}

// NewKeeper creates a Keeper and registers a stop hook on streams so that
// stopping a session's stream elsewhere also cancels its refresh timer.
func NewKeeper(cfg Config, issuer TokenIssuer, streams Streams, logger *slog.Logger, m *metrics.Metrics, opts ...Option) *Keeper {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.Discard()
	}
	def := DefaultConfig()
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = def.KeepaliveInterval
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}

	k := &Keeper{
		cfg:      cfg,
		issuer:   issuer,
		streams:  streams,
		logger:   logger,
		metrics:  m,
		sessions: make(map[Class]*session),
		byToken:  make(map[string]Class),
	}
	for _, opt := range opts {
		opt(k)
	}
	streams.OnStop(k.streamStopped)
	return k
}

// Start issues a listen key for class, opens its stream and arms the refresh timer.
func (k *Keeper) Start(ctx context.Context, class Class, handler connection.Handler) error {
	k.opMu.Lock()
	defer k.opMu.Unlock()

	k.mu.Lock()
	_, active := k.sessions[class]
	k.mu.Unlock()
	if active {
		return &TokenError{Class: class, Op: OpIssue, Err: ErrAlreadyActive}
	}

	token, err := k.issuer.Issue(ctx, class)
	if err != nil {
		return k.fail(class, OpIssue, err)
	}

	key, err := k.streams.Start(token, handler)
	if err != nil && !errors.Is(err, connection.ErrAlreadyOpen) {
		return k.fail(class, OpStream, err)
	}

	s := &session{class: class, token: key, handler: handler}
	k.mu.Lock()
	k.sessions[class] = s
	k.byToken[key] = class
	k.arm(s)
	k.mu.Unlock()

	k.logger.Info("session started", "class", class.String(), "interval", k.cfg.KeepaliveInterval)
	return nil
}

// Refresh re-issues the listen key. A rotated key moves the stream to the new
// key; an unchanged key is pinged. The timer is re-armed on success.
func (k *Keeper) Refresh(ctx context.Context, class Class) error {
	return k.refresh(ctx, class, 0)
}

// refresh runs one refresh. A non-zero gen must match the session's current
// timer generation, so a timer superseded by Stop or a manual Refresh is a no-op.
func (k *Keeper) refresh(ctx context.Context, class Class, gen uint64) error {
	k.opMu.Lock()
	defer k.opMu.Unlock()

	k.mu.Lock()
	s, ok := k.sessions[class]
	if ok && gen != 0 && s.gen != gen {
		k.mu.Unlock()
		return nil
	}
	var old string
	var handler connection.Handler
	var startGen uint64
	if ok {
		old, handler, startGen = s.token, s.handler, s.gen
	}
	k.mu.Unlock()
	if !ok {
		if gen != 0 {
			return nil
		}
		return &TokenError{Class: class, Op: OpKeepalive, Err: ErrInactive}
	}

	token, err := k.issuer.Issue(ctx, class)
	if err != nil {
		return k.fail(class, OpIssue, err)
	}
	if !k.current(s, startGen) {
		return nil
	}

	if token == old {
		if err := k.issuer.Keepalive(ctx, class, token); err != nil {
			return k.fail(class, OpKeepalive, err)
		}
		k.mu.Lock()
		if k.currentLocked(s, startGen) {
			k.arm(s)
		}
		k.mu.Unlock()
		k.logger.Debug("session kept alive", "class", class.String())
		return nil
	}

	// Rotated. Drop the old key from the index first so the stop hook
	// leaves the session alone.
	k.mu.Lock()
	delete(k.byToken, old)
	k.mu.Unlock()

	if err := k.streams.Stop(old); err != nil {
		k.logger.Warn("stop rotated session stream", "class", class.String(), "error", err)
	}

	key, err := k.streams.Start(token, handler)
	if err != nil && !errors.Is(err, connection.ErrAlreadyOpen) {
		k.deactivate(class)
		return k.fail(class, OpStream, err)
	}

	k.mu.Lock()
	if !k.currentLocked(s, startGen) {
		k.mu.Unlock()
		// The session's stream was stopped while rotating; nothing owns the new one.
		if err := k.streams.Stop(key); err != nil {
			k.logger.Warn("stop orphaned session stream", "class", class.String(), "error", err)
		}
		return nil
	}
	s.token = key
	k.byToken[key] = class
	k.arm(s)
	k.mu.Unlock()

	k.metrics.SessionRotations.WithLabelValues(class.String()).Inc()
	k.logger.Info("session key rotated", "class", class.String())
	return nil
}

// Stop cancels the refresh timer and forgets the key. The stream is left open.
// A refresh in progress completes first.
func (k *Keeper) Stop(class Class) {
	k.opMu.Lock()
	defer k.opMu.Unlock()

	if k.deactivate(class) != "" {
		k.logger.Info("session stopped", "class", class.String())
	}
}

// Close stops the session, closes its stream and revokes the key.
func (k *Keeper) Close(ctx context.Context, class Class) error {
	k.opMu.Lock()
	defer k.opMu.Unlock()

	token := k.deactivate(class)
	if token == "" {
		return nil
	}

	if err := k.streams.Stop(token); err != nil {
		k.logger.Warn("stop session stream", "class", class.String(), "error", err)
	}
	if err := k.issuer.Revoke(ctx, class, token); err != nil {
		return k.fail(class, OpRevoke, err)
	}

	k.logger.Info("session closed", "class", class.String())
	return nil
}

// CloseAll closes every active session.
func (k *Keeper) CloseAll(ctx context.Context) error {
	var errs []error
	for _, c := range k.Active() {
		if err := k.Close(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Token returns the listen key currently held for class.
func (k *Keeper) Token(class Class) (string, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	s, ok := k.sessions[class]
	if !ok {
		return "", false
	}
	return s.token, true
}

// Active returns the active classes, sorted by name.
func (k *Keeper) Active() []Class {
	k.mu.Lock()
	out := make([]Class, 0, len(k.sessions))
	for c := range k.sessions {
		out = append(out, c)
	}
	k.mu.Unlock()

	slices.SortFunc(out, func(a, b Class) int {
		return strings.Compare(a.String(), b.String())
	})
	return out
}

// arm (re)starts the refresh timer. Caller holds mu.
func (k *Keeper) arm(s *session) {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.gen++
	gen, class := s.gen, s.class
	s.timer = time.AfterFunc(k.cfg.KeepaliveInterval, func() {
		k.fire(class, gen)
	})
}

func (k *Keeper) fire(class Class, gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), k.cfg.RequestTimeout)
	defer cancel()

	err := k.refresh(ctx, class, gen)
	if err == nil {
		return
	}
	if k.onError != nil {
		k.onError(class, err)
		return
	}
	k.logger.Error("session refresh failed, deactivating", "class", class.String(), "error", err)
	k.Stop(class)
}

// current reports whether s is still the active session for its class and
// has not been deactivated since gen was read.
func (k *Keeper) current(s *session, gen uint64) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.currentLocked(s, gen)
}

func (k *Keeper) currentLocked(s *session, gen uint64) bool {
	return k.sessions[s.class] == s && s.gen == gen
}

// deactivate removes the session and returns its token, or "" if it was not active.
func (k *Keeper) deactivate(class Class) string {
	k.mu.Lock()
	defer k.mu.Unlock()

	s, ok := k.sessions[class]
	if !ok {
		return ""
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.gen++
	delete(k.sessions, class)
	delete(k.byToken, s.token)
	return s.token
}

// streamStopped is the registry stop hook.
func (k *Keeper) streamStopped(key string) {
	k.mu.Lock()
	class, ok := k.byToken[key]
	k.mu.Unlock()
	if !ok {
		return
	}
	k.deactivate(class)
	k.logger.Info("session stream stopped, timer cancelled", "class", class.String())
}

func (k *Keeper) fail(class Class, op string, err error) error {
	k.metrics.SessionErrors.WithLabelValues(class.String()).Inc()
	return &TokenError{Class: class, Op: op, Err: err}
}
