package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/depth-mirror/internal/connection"
	"github.com/rickgao/depth-mirror/internal/metrics"
)

// fakeIssuer hands out tokens from a per-test function.
type fakeIssuer struct {
	mu         sync.Mutex
	tokens     []string // successive Issue results; the last one repeats
	issueErr   error
	keepErr    error
	issued     atomic.Int32
	keepalives atomic.Int32
	revoked    []string

	// When gate is set, Issue signals entered and blocks until gate is closed.
	gate    chan struct{}
	entered chan struct{}
}

func (f *fakeIssuer) Issue(_ context.Context, _ Class) (string, error) {
	f.mu.Lock()
	gate, entered := f.gate, f.entered
	f.mu.Unlock()
	if gate != nil {
		entered <- struct{}{}
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.issued.Add(1)
	if f.issueErr != nil {
		return "", f.issueErr
	}
	tok := f.tokens[0]
	if len(f.tokens) > 1 {
		f.tokens = f.tokens[1:]
	}
	return tok, nil
}

func (f *fakeIssuer) Keepalive(_ context.Context, _ Class, _ string) error {
	f.keepalives.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.keepErr
}

func (f *fakeIssuer) Revoke(_ context.Context, _ Class, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = append(f.revoked, token)
	return nil
}

func (f *fakeIssuer) set(fn func(f *fakeIssuer)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

// fakeStreams mimics the registry: one stream per key, hooks run on Stop.
type fakeStreams struct {
	mu    sync.Mutex
	open  map[string]connection.Handler
	hooks []func(string)
}

func newFakeStreams() *fakeStreams {
	return &fakeStreams{open: make(map[string]connection.Handler)}
}

func (f *fakeStreams) Start(key string, h connection.Handler) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.open[key]; ok {
		return key, connection.ErrAlreadyOpen
	}
	f.open[key] = h
	return key, nil
}

func (f *fakeStreams) Stop(key string) error {
	f.mu.Lock()
	_, ok := f.open[key]
	delete(f.open, key)
	hooks := append([]func(string){}, f.hooks...)
	f.mu.Unlock()
	if ok {
		for _, h := range hooks {
			h(key)
		}
	}
	return nil
}

func (f *fakeStreams) OnStop(hook func(string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hooks = append(f.hooks, hook)
}

func (f *fakeStreams) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.open))
	for k := range f.open {
		out = append(out, k)
	}
	return out
}

func noopHandler(connection.Message) {}

func newTestKeeper(t *testing.T, interval time.Duration, issuer *fakeIssuer, opts ...Option) (*Keeper, *fakeStreams, *metrics.Metrics) {
	t.Helper()
	streams := newFakeStreams()
	m := metrics.Discard()
	k := NewKeeper(Config{KeepaliveInterval: interval}, issuer, streams, nil, m, opts...)
	t.Cleanup(func() {
		for _, c := range k.Active() {
			k.Stop(c)
		}
	})
	return k, streams, m
}

func TestKeeper_Start(t *testing.T) {
	issuer := &fakeIssuer{tokens: []string{"key-1"}}
	k, streams, _ := newTestKeeper(t, time.Hour, issuer)

	require.NoError(t, k.Start(context.Background(), User, noopHandler))

	tok, ok := k.Token(User)
	assert.True(t, ok)
	assert.Equal(t, "key-1", tok)
	assert.Equal(t, []string{"key-1"}, streams.keys())
	assert.Equal(t, []Class{User}, k.Active())

	err := k.Start(context.Background(), User, noopHandler)
	assert.ErrorIs(t, err, ErrAlreadyActive)
	assert.Equal(t, int32(1), issuer.issued.Load())
}

func TestKeeper_StartIssueError(t *testing.T) {
	issuer := &fakeIssuer{issueErr: errors.New("401 invalid api key")}
	k, streams, m := newTestKeeper(t, time.Hour, issuer)

	err := k.Start(context.Background(), Margin, noopHandler)
	var tokErr *TokenError
	require.ErrorAs(t, err, &tokErr)
	assert.Equal(t, Margin, tokErr.Class)
	assert.Equal(t, OpIssue, tokErr.Op)
	assert.EqualError(t, tokErr.Err, "401 invalid api key")

	assert.Empty(t, streams.keys())
	assert.Empty(t, k.Active())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionErrors.WithLabelValues("margin")))
}

func TestKeeper_RefreshUnchangedPings(t *testing.T) {
	issuer := &fakeIssuer{tokens: []string{"key-1"}}
	k, streams, _ := newTestKeeper(t, time.Hour, issuer)
	require.NoError(t, k.Start(context.Background(), User, noopHandler))

	require.NoError(t, k.Refresh(context.Background(), User))

	assert.Equal(t, int32(1), issuer.keepalives.Load())
	assert.Equal(t, []string{"key-1"}, streams.keys())
}

func TestKeeper_RefreshRotatedMovesStream(t *testing.T) {
	issuer := &fakeIssuer{tokens: []string{"key-1", "key-2"}}
	k, streams, m := newTestKeeper(t, time.Hour, issuer)
	require.NoError(t, k.Start(context.Background(), IsolatedMargin("BTCUSDT"), noopHandler))

	require.NoError(t, k.Refresh(context.Background(), IsolatedMargin("BTCUSDT")))

	assert.Equal(t, []string{"key-2"}, streams.keys(), "exactly one stream per class")
	tok, ok := k.Token(IsolatedMargin("BTCUSDT"))
	require.True(t, ok, "rotation must not deactivate the session")
	assert.Equal(t, "key-2", tok)
	assert.Equal(t, int32(0), issuer.keepalives.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionRotations.WithLabelValues("isolated:BTCUSDT")))
}

func TestKeeper_RefreshInactive(t *testing.T) {
	k, _, _ := newTestKeeper(t, time.Hour, &fakeIssuer{tokens: []string{"k"}})
	assert.ErrorIs(t, k.Refresh(context.Background(), Futures), ErrInactive)
}

func TestKeeper_TimerKeepsAlive(t *testing.T) {
	issuer := &fakeIssuer{tokens: []string{"key-1"}}
	k, _, _ := newTestKeeper(t, 15*time.Millisecond, issuer)
	require.NoError(t, k.Start(context.Background(), Futures, noopHandler))

	require.Eventually(t, func() bool { return issuer.keepalives.Load() >= 2 }, time.Second, time.Millisecond)
}

func TestKeeper_TimerRotates(t *testing.T) {
	issuer := &fakeIssuer{tokens: []string{"key-1", "key-2"}}
	k, streams, _ := newTestKeeper(t, 15*time.Millisecond, issuer)
	require.NoError(t, k.Start(context.Background(), User, noopHandler))

	require.Eventually(t, func() bool {
		tok, _ := k.Token(User)
		return tok == "key-2"
	}, time.Second, time.Millisecond)
	assert.Equal(t, []string{"key-2"}, streams.keys())
}

func TestKeeper_TimerFailureGoesToHook(t *testing.T) {
	issuer := &fakeIssuer{tokens: []string{"key-1"}}
	got := make(chan error, 1)
	k, _, _ := newTestKeeper(t, 15*time.Millisecond, issuer, WithErrorHandler(func(c Class, err error) {
		select {
		case got <- err:
		default:
		}
	}))
	require.NoError(t, k.Start(context.Background(), User, noopHandler))
	issuer.set(func(f *fakeIssuer) { f.keepErr = errors.New("listen key does not exist") })

	select {
	case err := <-got:
		var tokErr *TokenError
		require.ErrorAs(t, err, &tokErr)
		assert.Equal(t, OpKeepalive, tokErr.Op)
	case <-time.After(time.Second):
		t.Fatal("error hook not called")
	}

	// Not retried: the timer is not re-armed after a failure.
	n := issuer.keepalives.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, issuer.keepalives.Load())
}

func TestKeeper_TimerFailureWithoutHookDeactivates(t *testing.T) {
	issuer := &fakeIssuer{tokens: []string{"key-1"}}
	k, streams, _ := newTestKeeper(t, 15*time.Millisecond, issuer)
	require.NoError(t, k.Start(context.Background(), User, noopHandler))
	issuer.set(func(f *fakeIssuer) { f.issueErr = errors.New("503") })

	require.Eventually(t, func() bool { return len(k.Active()) == 0 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"key-1"}, streams.keys(), "data stream is left to the caller")
}

func TestKeeper_StopCancelsTimer(t *testing.T) {
	issuer := &fakeIssuer{tokens: []string{"key-1"}}
	k, streams, _ := newTestKeeper(t, 15*time.Millisecond, issuer)
	require.NoError(t, k.Start(context.Background(), User, noopHandler))

	k.Stop(User)

	_, ok := k.Token(User)
	assert.False(t, ok)
	assert.Equal(t, []string{"key-1"}, streams.keys())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), issuer.issued.Load())
}

func TestKeeper_RegistryStopCancelsTimer(t *testing.T) {
	issuer := &fakeIssuer{tokens: []string{"key-1"}}
	k, streams, _ := newTestKeeper(t, 15*time.Millisecond, issuer)
	require.NoError(t, k.Start(context.Background(), Margin, noopHandler))

	require.NoError(t, streams.Stop("key-1"))

	assert.Empty(t, k.Active())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), issuer.issued.Load())
}

func TestKeeper_Close(t *testing.T) {
	issuer := &fakeIssuer{tokens: []string{"key-1"}}
	k, streams, _ := newTestKeeper(t, time.Hour, issuer)
	require.NoError(t, k.Start(context.Background(), User, noopHandler))

	require.NoError(t, k.Close(context.Background(), User))
	require.NoError(t, k.Close(context.Background(), User))

	assert.Empty(t, streams.keys())
	assert.Equal(t, []string{"key-1"}, issuer.revoked)
	assert.Empty(t, k.Active())
}

func TestKeeper_CloseAll(t *testing.T) {
	issuer := &fakeIssuer{tokens: []string{"a", "b"}}
	k, streams, _ := newTestKeeper(t, time.Hour, issuer)
	require.NoError(t, k.Start(context.Background(), User, noopHandler))
	require.NoError(t, k.Start(context.Background(), Futures, noopHandler))

	require.NoError(t, k.CloseAll(context.Background()))

	assert.Empty(t, streams.keys())
	assert.ElementsMatch(t, []string{"a", "b"}, issuer.revoked)
}

// holdIssue makes the next Issue calls block until the returned release is called.
func holdIssue(issuer *fakeIssuer) (entered <-chan struct{}, release func()) {
	gate := make(chan struct{})
	in := make(chan struct{}, 4)
	issuer.set(func(f *fakeIssuer) {
		f.gate, f.entered = gate, in
	})
	return in, func() { close(gate) }
}

func TestKeeper_StopWaitsForRefresh(t *testing.T) {
	issuer := &fakeIssuer{tokens: []string{"key-1", "key-2", "key-3"}}
	k, streams, _ := newTestKeeper(t, time.Hour, issuer)
	require.NoError(t, k.Start(context.Background(), User, noopHandler))

	entered, release := holdIssue(issuer)
	refreshed := make(chan error, 1)
	go func() { refreshed <- k.Refresh(context.Background(), User) }()
	<-entered

	stopped := make(chan struct{})
	go func() {
		k.Stop(User)
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a refresh was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	require.NoError(t, <-refreshed)
	<-stopped

	assert.Empty(t, k.Active())
	issuer.set(func(f *fakeIssuer) { f.gate = nil })

	// The rotated stream is left open like any stopped session's stream, but
	// it no longer belongs to the class.
	require.NoError(t, k.Start(context.Background(), User, noopHandler))
	tok, _ := k.Token(User)
	assert.Equal(t, "key-3", tok)

	require.NoError(t, streams.Stop("key-2"))
	assert.Equal(t, []Class{User}, k.Active(), "stopping an old stream must not touch the new session")
}

func TestKeeper_StreamStoppedDuringRefresh(t *testing.T) {
	issuer := &fakeIssuer{tokens: []string{"key-1", "key-2"}}
	k, streams, m := newTestKeeper(t, time.Hour, issuer)
	require.NoError(t, k.Start(context.Background(), User, noopHandler))

	entered, release := holdIssue(issuer)
	refreshed := make(chan error, 1)
	go func() { refreshed <- k.Refresh(context.Background(), User) }()
	<-entered

	require.NoError(t, streams.Stop("key-1"))
	assert.Empty(t, k.Active())

	release()
	require.NoError(t, <-refreshed)

	assert.Empty(t, k.Active())
	assert.Empty(t, streams.keys(), "no stream opened for a session that is gone")
	assert.Equal(t, 0.0, testutil.ToFloat64(m.SessionRotations.WithLabelValues("user")))
}
