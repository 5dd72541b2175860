package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rickgao/depth-mirror/internal/connection"
)

// Errors
var (
	ErrAlreadyActive = errors.New("session already active")
	ErrInactive      = errors.New("session not active")
)

// Token operations, used in TokenError and as a metrics label.
const (
	OpIssue     = "issue"
	OpKeepalive = "keepalive"
	OpRevoke    = "revoke"
	OpStream    = "stream"
)

// TokenError reports a failed listen key operation.
type TokenError struct {
	Class Class
	Op    string
	Err   error
}

func (e *TokenError) Error() string {
	return fmt.Sprintf("session %s: %s: %v", e.Class, e.Op, e.Err)
}

func (e *TokenError) Unwrap() error {
	return e.Err
}

// TokenIssuer talks to the listen key REST endpoints.
type TokenIssuer interface {
	Issue(ctx context.Context, class Class) (string, error)
	Keepalive(ctx context.Context, class Class, token string) error
	Revoke(ctx context.Context, class Class, token string) error
}

// Streams is the part of connection.Registry a Keeper needs.
type Streams interface {
	Start(pathKey string, handler connection.Handler) (string, error)
	Stop(key string) error
	OnStop(hook func(key string))
}

// Config configures a Keeper.
type Config struct {
	KeepaliveInterval time.Duration // Refresh period, 30m by default
	RequestTimeout    time.Duration // Per REST call on timer fire
}

// DefaultConfig returns the exchange's recommended keepalive settings.
func DefaultConfig() Config {
	return Config{
		KeepaliveInterval: 30 * time.Minute,
		RequestTimeout:    10 * time.Second,
	}
}
