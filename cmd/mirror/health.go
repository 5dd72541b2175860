package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/rickgao/depth-mirror/internal/api"
	"github.com/rickgao/depth-mirror/internal/connection"
	"github.com/rickgao/depth-mirror/internal/metrics"
	"github.com/rickgao/depth-mirror/internal/model"
	"github.com/rickgao/depth-mirror/internal/orderbook"
	"github.com/rickgao/depth-mirror/internal/router"
	"github.com/rickgao/depth-mirror/internal/version"
)

type healthDeps struct {
	books    *orderbook.Manager
	registry *connection.Registry
	sessions *sessionGroup
	pool     *pgxpool.Pool // nil when the database is disabled
	redis    *redis.Client // nil when redis is disabled
	router   *router.Router
	rest     *api.Client
	gatherer prometheus.Gatherer
	path     string
	depth    int
}

// newHealthHandler serves /health, the metrics path and /debug/books.
func newHealthHandler(d healthDeps) http.Handler {
	mux := http.NewServeMux()

	mux.Handle(d.path, metrics.Handler(d.gatherer))

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		health := struct {
			Status     string         `json:"status"`
			Version    string         `json:"version"`
			Components map[string]any `json:"components"`
		}{
			Status:     "healthy",
			Version:    version.String(),
			Components: make(map[string]any),
		}

		states := d.books.States()
		books := make(map[string]string, len(states))
		for sym, st := range states {
			books[sym] = st.String()
			if st != orderbook.StateLive && health.Status == "healthy" {
				health.Status = "degraded"
			}
		}
		health.Components["books"] = books

		streams := make(map[string]string)
		for key, st := range d.registry.States() {
			streams[redactKey(key)] = st.String()
			if st == connection.StateFailed && health.Status == "healthy" {
				health.Status = "degraded"
			}
		}
		health.Components["streams"] = streams
		health.Components["sessions"] = d.sessions.active()
		health.Components["router"] = d.router.Stats()
		if d.rest != nil {
			health.Components["rest_used_weight"] = d.rest.UsedWeight()
		}

		if d.pool != nil {
			if err := d.pool.Ping(ctx); err != nil {
				health.Status = "unhealthy"
				health.Components["timescaledb"] = map[string]string{"status": "disconnected", "error": err.Error()}
			} else {
				health.Components["timescaledb"] = "connected"
			}
		}
		if d.redis != nil {
			if err := d.redis.Ping(ctx).Err(); err != nil {
				health.Status = "unhealthy"
				health.Components["redis"] = map[string]string{"status": "disconnected", "error": err.Error()}
			} else {
				health.Components["redis"] = "connected"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	mux.HandleFunc("/debug/books", func(w http.ResponseWriter, r *http.Request) {
		depth := d.depth
		if v := r.URL.Query().Get("depth"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				http.Error(w, "depth must be a non-negative integer", http.StatusBadRequest)
				return
			}
			depth = n
		}

		symbols := d.books.Symbols()
		if s := r.URL.Query().Get("symbol"); s != "" {
			symbols = []string{strings.ToUpper(s)}
		}

		out := make(map[string]*model.BookUpdate, len(symbols))
		for _, sym := range symbols {
			book, ok := d.books.Book(sym)
			if !ok {
				out[sym] = nil
				continue
			}
			u := book.Update(depth)
			out[sym] = &u
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	})

	return mux
}

// redactKey hides listen keys in health output. Public stream paths contain '@'.
func redactKey(key string) string {
	if strings.Contains(key, "@") || len(key) <= 8 {
		return key
	}
	return key[:4] + "..." + key[len(key)-4:]
}
