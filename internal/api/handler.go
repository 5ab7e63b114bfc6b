// Package api serves the captured messages over HTTP.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/shineum/smtp-sink-lite/internal/email"
	"github.com/shineum/smtp-sink-lite/internal/filter"
	"github.com/shineum/smtp-sink-lite/internal/metrics"
)

// realm is sent in the basic-auth challenge.
const realm = "smtp-sink"

// Store is the read and clear view of the message store used by the API.
type Store interface {
	Snapshot() []*email.Message
	Clear() int
}

// HandlerConfig holds the dependencies of the HTTP handler.
type HandlerConfig struct {
	Store Store

	// Username and Password enable the basic-auth gate when both are set.
	Username string
	Password string

	// StaticDir is served at / when non-empty.
	StaticDir string

	// MetricsHandler is mounted at /metrics when non-nil.
	MetricsHandler http.Handler

	Metrics *metrics.Metrics
}

type handler struct {
	store   Store
	metrics *metrics.Metrics
}

// NewHandler returns the HTTP handler for the query API, the static UI and
// the metrics endpoint, wrapped in the CORS and basic-auth middleware.
func NewHandler(cfg HandlerConfig) http.Handler {
	h := &handler{store: cfg.Store, metrics: cfg.Metrics}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/emails", h.list)
	mux.HandleFunc("DELETE /api/emails", h.clear)
	if cfg.MetricsHandler != nil {
		mux.Handle("GET /metrics", cfg.MetricsHandler)
	}
	if cfg.StaticDir != "" {
		mux.Handle("GET /", http.FileServer(http.Dir(cfg.StaticDir)))
	}

	var next http.Handler = mux
	if cfg.Username != "" && cfg.Password != "" {
		next = basicAuth(next, cfg.Username, cfg.Password)
	}
	return cors(next)
}

// list returns the filtered messages, newest first. Unknown or malformed
// query parameters never cause an error.
func (h *handler) list(w http.ResponseWriter, r *http.Request) {
	criteria := filter.FromQuery(r.URL.Query())
	msgs := filter.Apply(h.store.Snapshot(), criteria)

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(msgs); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}

// clear empties the store and answers with an empty 200.
func (h *handler) clear(w http.ResponseWriter, r *http.Request) {
	n := h.store.Clear()
	h.metrics.ObserveCleared(n)
	slog.Info("cleared captured messages", "count", n, "remote", r.RemoteAddr)
	w.WriteHeader(http.StatusOK)
}

// cors adds permissive cross-origin headers to every response and answers
// preflight requests directly.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Headers", "Origin, X-Requested-With, Content-Type, Accept")
		h.Set("Access-Control-Allow-Methods", "GET, DELETE, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// basicAuth rejects requests that do not carry the configured credentials.
func basicAuth(next http.Handler, username, password string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(username)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(password)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="`+realm+`"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
