// Package api exposes the HTTP settlement and session surfaces.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/OrangeOmy/ContextSwap/internal/ledger"
	"github.com/OrangeOmy/ContextSwap/internal/session"
	"github.com/OrangeOmy/ContextSwap/internal/store"
)

// Network is one payment network offered to buyers, keyed by a short tag in
// API requests.
type Network struct {
	Tag       string
	NetworkID string
	Asset     string
	Decimals  int32
}

type API struct {
	router    *mux.Router
	store     *store.Store
	ledger    *ledger.Ledger
	sessions  *session.Orchestrator
	networks  []Network
	validate  *validator.Validate
	jwtSecret []byte
	bind      string
	log       *zap.Logger
	server    *http.Server
}

func New(bind, jwtSecret string, st *store.Store, lg *ledger.Ledger, orch *session.Orchestrator, networks []Network, log *zap.Logger) *API {
	a := &API{
		router:    mux.NewRouter(),
		store:     st,
		ledger:    lg,
		sessions:  orch,
		networks:  networks,
		validate:  validator.New(),
		jwtSecret: []byte(jwtSecret),
		bind:      bind,
		log:       log,
	}

	a.setupRoutes()
	return a
}

func (a *API) setupRoutes() {
	// Public endpoints
	a.router.HandleFunc("/healthz", a.handleHealth).Methods("GET")
	a.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	a.router.HandleFunc("/api/v1/transactions", a.handleCreateTransaction).Methods("POST")
	a.router.HandleFunc("/api/v1/transactions/{transaction_id}", a.handleGetTransaction).Methods("GET")
	a.router.HandleFunc("/api/v1/sellers", a.handleListSellers).Methods("GET")

	// Protected endpoints
	protected := a.router.PathPrefix("/api/v1").Subrouter()
	protected.Use(a.authMiddleware)

	protected.HandleFunc("/sessions", a.handleOpenSession).Methods("POST")
	protected.HandleFunc("/sessions/end", a.handleEndSession).Methods("POST")
	protected.HandleFunc("/sessions/{transaction_id}", a.handleGetSession).Methods("GET")
	protected.HandleFunc("/sellers", a.handleUpsertSeller).Methods("POST")
}

// Handler returns the fully wired handler, CORS included.
func (a *API) Handler() http.Handler {
	corsOptions := cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "Payment-Signature"},
		ExposedHeaders:   []string{"Payment-Required", "Payment-Response"},
		AllowCredentials: false,
	}
	return cors.New(corsOptions).Handler(a.router)
}

func (a *API) Start() error {
	a.server = &http.Server{
		Addr:              a.bind,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.log.Info("api server listening", zap.String("bind", a.bind))
	if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (a *API) Shutdown(ctx context.Context) error {
	if a.server == nil {
		return nil
	}
	return a.server.Shutdown(ctx)
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := a.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
