package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"tickerflow/internal/application/gateway"
	"tickerflow/internal/domain"
)

// Gateway is the part of the hub the HTTP layer drives.
type Gateway interface {
	Register(ctx context.Context) (*gateway.Client, error)
	Subscribe(ctx context.Context, clientID string, p domain.SubscriptionParams) error
	Unsubscribe(ctx context.Context, clientID string, p domain.SubscriptionParams) error
	Unregister(ctx context.Context, clientID string) error
	RequestSnapshot(ctx context.Context, clientID string) error
	RequestFullSnapshot(ctx context.Context, clientID string) error
	Stats() gateway.Stats
}

type HandlerOptions struct {
	WriteTimeout      time.Duration
	SnapshotOnConnect bool
	// Status reports per-exchange connectivity for /health.
	Status func() map[string]bool
}

type Handler struct {
	hub    Gateway
	cache  domain.CachePort
	opts   HandlerOptions
	logger *slog.Logger
}

func NewHandler(hub Gateway, cache domain.CachePort, opts HandlerOptions, logger *slog.Logger) *Handler {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	return &Handler{
		hub:    hub,
		cache:  cache,
		opts:   opts,
		logger: logger.With("component", "web"),
	}
}

// GetTicker returns the cached snapshot of one pair.
func (h *Handler) GetTicker(w http.ResponseWriter, r *http.Request) {
	exchange := r.PathValue("exchange")
	base := strings.ToUpper(r.PathValue("base"))
	quote := strings.ToUpper(r.PathValue("quote"))
	if exchange == "" || base == "" || quote == "" {
		sendErrorResponse(w, "exchange, base and quote are required", http.StatusBadRequest)
		return
	}

	key := domain.TickerKey(exchange, base, quote)
	raw, ok := h.cache.Get(r.Context(), key)
	if !ok {
		sendErrorResponse(w, fmt.Sprintf("No ticker for %s-%s on %s", base, quote, exchange), http.StatusNotFound)
		return
	}

	var snapshot domain.TickerSnapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		h.logger.Error("Corrupt cache entry", "key", key, "error", err)
		sendErrorResponse(w, "Failed to read ticker", http.StatusInternalServerError)
		return
	}
	sendJSONResponse(w, snapshot)
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":  "ok",
		"time":    time.Now().UTC(),
		"cache":   h.cacheHealth(),
		"gateway": h.hub.Stats(),
	}
	if h.opts.Status != nil {
		response["exchanges"] = h.opts.Status()
	}
	sendJSONResponse(w, response)
}

func (h *Handler) cacheHealth() string {
	if a, ok := h.cache.(interface{ Available() bool }); ok && !a.Available() {
		return "degraded"
	}
	return "connected"
}

// Setup wires the routes and returns a server listening on port.
func (h *Handler) Setup(port int) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           h.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", h.ServeWS)
	mux.HandleFunc("GET /tickers/{exchange}/{base}/{quote}", h.GetTicker)
	mux.HandleFunc("GET /health", h.HealthCheck)
	return mux
}

func sendJSONResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func sendErrorResponse(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	response := map[string]string{
		"error": message,
	}
	json.NewEncoder(w).Encode(response)
}

func isHubGone(err error) bool {
	return errors.Is(err, gateway.ErrHubStopped) || errors.Is(err, gateway.ErrUnknownClient)
}
