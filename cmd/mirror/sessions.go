package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/rickgao/depth-mirror/internal/config"
	"github.com/rickgao/depth-mirror/internal/connection"
	"github.com/rickgao/depth-mirror/internal/metrics"
	"github.com/rickgao/depth-mirror/internal/session"
)

// sessionGroup runs the configured user-data sessions. Futures streams live
// on their own host, so they get a separate registry and keeper.
type sessionGroup struct {
	logger          *slog.Logger
	classes         []session.Class
	cfg             config.SessionsConfig
	spot            *session.Keeper
	futures         *session.Keeper
	futuresRegistry *connection.Registry
}

func newSessions(cfg *config.MirrorConfig, registry *connection.Registry, logger *slog.Logger, m *metrics.Metrics) (*sessionGroup, error) {
	classes, err := session.ParseClasses(cfg.Sessions.Classes)
	if err != nil {
		return nil, fmt.Errorf("sessions.classes: %w", err)
	}

	g := &sessionGroup{
		logger:  logger.With("component", "session"),
		classes: classes,
		cfg:     cfg.Sessions,
	}
	if len(classes) == 0 {
		return g, nil
	}

	issuer := session.NewBinanceIssuer(session.IssuerConfig{
		APIKey:     cfg.API.APIKey,
		APISecret:  cfg.API.APISecret,
		SpotURL:    cfg.API.RestURL,
		FuturesURL: cfg.API.FuturesRestURL,
	})
	kcfg := session.Config{
		KeepaliveInterval: cfg.Sessions.KeepaliveInterval,
		RequestTimeout:    cfg.Sessions.RequestTimeout,
	}

	g.spot = session.NewKeeper(kcfg, issuer, registry, g.logger, m, session.WithErrorHandler(g.recoverSession))
	if slices.Contains(classes, session.Futures) {
		g.futuresRegistry = connection.NewRegistry(connection.RegistryConfig{
			BaseURL:   cfg.API.FuturesWSURL,
			Transport: transportConfig(cfg),
		}, logger.With("component", "futures-registry"), m)
		g.futures = session.NewKeeper(kcfg, issuer, g.futuresRegistry, g.logger, m, session.WithErrorHandler(g.recoverSession))
	}
	return g, nil
}

func (g *sessionGroup) keeper(c session.Class) *session.Keeper {
	if c.Kind == session.KindFutures {
		return g.futures
	}
	return g.spot
}

func (g *sessionGroup) start(ctx context.Context) error {
	for _, c := range g.classes {
		if err := g.keeper(c).Start(ctx, c, g.handler(c)); err != nil {
			return fmt.Errorf("start session %s: %w", c, err)
		}
	}
	return nil
}

// handler logs user-data events. A failed stream is replaced by a fresh
// session; the restart runs off the delivery goroutine.
func (g *sessionGroup) handler(c session.Class) connection.Handler {
	return func(msg connection.Message) {
		if msg.IsError() {
			go g.recoverSession(c, fmt.Errorf("stream failed: %s", msg.Reason))
			return
		}
		var ev struct {
			Event string `json:"e"`
		}
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			g.logger.Debug("undecodable user data event", "class", c.String(), "error", err)
			return
		}
		g.logger.Debug("user data event", "class", c.String(), "event", ev.Event)
	}
}

// recoverSession revokes the broken session and starts a new one.
func (g *sessionGroup) recoverSession(c session.Class, cause error) {
	g.logger.Error("session failed, restarting", "class", c.String(), "error", cause)

	ctx, cancel := context.WithTimeout(context.Background(), 2*g.cfg.RequestTimeout)
	defer cancel()

	k := g.keeper(c)
	if err := k.Close(ctx, c); err != nil {
		g.logger.Warn("close failed session", "class", c.String(), "error", err)
	}
	if err := k.Start(ctx, c, g.handler(c)); err != nil {
		g.logger.Error("session restart failed", "class", c.String(), "error", err)
	}
}

func (g *sessionGroup) active() []string {
	var out []string
	for _, k := range []*session.Keeper{g.spot, g.futures} {
		if k == nil {
			continue
		}
		for _, c := range k.Active() {
			out = append(out, c.String())
		}
	}
	return out
}

func (g *sessionGroup) closeAll(ctx context.Context) error {
	var errs []error
	for _, k := range []*session.Keeper{g.spot, g.futures} {
		if k != nil {
			errs = append(errs, k.CloseAll(ctx))
		}
	}
	return errors.Join(errs...)
}

func (g *sessionGroup) stopRegistries() {
	if g.futuresRegistry != nil {
		g.futuresRegistry.StopAll()
	}
}
