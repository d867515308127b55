package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nidhogg/dewet/internal/bridge"
	"github.com/nidhogg/dewet/internal/episode"
	"github.com/nidhogg/dewet/internal/loop"
	"github.com/nidhogg/dewet/internal/persona"
	"github.com/nidhogg/dewet/internal/provider"
	"github.com/nidhogg/dewet/internal/store"
)

const (
	defaultLimit   = 50
	maxLimit       = 500
	stateTimeout   = 2 * time.Second
	healthTimeout  = 5 * time.Second
	maxRequestBody = 1 << 20
)

// StateReader serves read-only loop snapshots.
type StateReader interface {
	Snapshot(ctx context.Context) (loop.Snapshot, error)
}

// EpisodeReader lists stored episodes.
type EpisodeReader interface {
	Recent(ctx context.Context, personaID string, limit int) ([]episode.Episode, error)
}

// EventBus is the slice of the bridge the API needs.
type EventBus interface {
	Submit(msg bridge.Inbound) bool
	History(limit int) []json.RawMessage
}

// Deps are the handler's collaborators. Episodes, Providers and Hub may be
// nil.
type Deps struct {
	State     StateReader
	Store     store.Store
	Episodes  EpisodeReader
	Events    EventBus
	Providers *provider.Router
	Hub       http.Handler
	Personas  []persona.Spec
	// Origins are the browser host patterns allowed cross-origin, e.g.
	// "localhost:*". Empty allows any origin.
	Origins []string
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	state     StateReader
	store     store.Store
	episodes  EpisodeReader
	events    EventBus
	providers *provider.Router
	hub       http.Handler
	personas  []persona.Spec
	origins   []string
	logger    *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps, logger *zap.Logger) *Handler {
	return &Handler{
		state:     deps.State,
		store:     deps.Store,
		episodes:  deps.Episodes,
		events:    deps.Events,
		providers: deps.Providers,
		hub:       deps.Hub,
		personas:  deps.Personas,
		origins:   deps.Origins,
		logger:    logger,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins(h.origins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Get("/state", h.getState)
		r.Get("/personas", h.listPersonas)
		r.Get("/decisions", h.listDecisions)
		r.Get("/chat", h.listChat)
		r.Post("/chat", h.postChat)
		r.Post("/debug", h.postDebug)
		r.Get("/episodes", h.listEpisodes)
		r.Get("/events", h.listEvents)
		r.Get("/providers", h.listProviders)
	})

	if h.hub != nil {
		r.Handle("/ws", h.hub)
	}

	return r
}

// corsOrigins turns host patterns into scheme-qualified cors origins.
func corsOrigins(hosts []string) []string {
	if len(hosts) == 0 {
		return []string{"*"}
	}
	out := make([]string, 0, 2*len(hosts))
	for _, h := range hosts {
		out = append(out, "http://"+h, "https://"+h)
	}
	return out
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "dewet"})
}

func (h *Handler) getState(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), stateTimeout)
	defer cancel()
	snap, err := h.state.Snapshot(ctx)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "perception loop not responding")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) listPersonas(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.personas)
}

func (h *Handler) listDecisions(w http.ResponseWriter, r *http.Request) {
	records, err := h.store.RecentDecisions(r.Context(), queryLimit(r))
	if err != nil {
		h.logger.Error("list decisions failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *Handler) listChat(w http.ResponseWriter, r *http.Request) {
	records, err := h.store.RecentChat(r.Context(), queryLimit(r))
	if err != nil {
		h.logger.Error("list chat failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, records)
}

type chatRequest struct {
	Text string `json:"text"`
}

func (h *Handler) postChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.Text = strings.TrimSpace(req.Text)
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	if !h.events.Submit(bridge.UserChat{Text: req.Text}) {
		writeError(w, http.StatusServiceUnavailable, "inbound queue full")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (h *Handler) postDebug(w http.ResponseWriter, r *http.Request) {
	var req bridge.DebugCommand
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Command == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}
	if !h.events.Submit(req) {
		writeError(w, http.StatusServiceUnavailable, "inbound queue full")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (h *Handler) listEpisodes(w http.ResponseWriter, r *http.Request) {
	if h.episodes == nil {
		writeError(w, http.StatusNotFound, "episodic memory disabled")
		return
	}
	eps, err := h.episodes.Recent(r.Context(), r.URL.Query().Get("persona"), queryLimit(r))
	if err != nil {
		h.logger.Error("list episodes failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, eps)
}

func (h *Handler) listEvents(w http.ResponseWriter, r *http.Request) {
	events := h.events.History(queryLimit(r))
	if events == nil {
		events = []json.RawMessage{}
	}
	writeJSON(w, http.StatusOK, events)
}

// ProviderStatus reports one provider's reachability.
type ProviderStatus struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Healthy bool     `json:"healthy"`
	Error   string   `json:"error,omitempty"`
	Models  []string `json:"models,omitempty"`
}

func (h *Handler) listProviders(w http.ResponseWriter, r *http.Request) {
	if h.providers == nil {
		writeJSON(w, http.StatusOK, []ProviderStatus{})
		return
	}
	providers := h.providers.ListProviders()
	statuses := make([]ProviderStatus, len(providers))

	g, ctx := errgroup.WithContext(r.Context())
	for i, p := range providers {
		i, p := i, p
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, healthTimeout)
			defer cancel()
			st := ProviderStatus{ID: p.ID(), Name: p.Name(), Healthy: true}
			if err := p.HealthCheck(cctx); err != nil {
				st.Healthy = false
				st.Error = err.Error()
			}
			if models, err := p.ListModels(cctx); err == nil {
				for _, m := range models {
					st.Models = append(st.Models, m.ID)
				}
			}
			statuses[i] = st
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(statuses, func(i, j int) bool { return statuses[i].ID < statuses[j].ID })
	writeJSON(w, http.StatusOK, statuses)
}

func queryLimit(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultLimit
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return defaultLimit
	}
	if n > maxLimit {
		return maxLimit
	}
	return n
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
