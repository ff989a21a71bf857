package main

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/CTAG07/SketchDojo/pkg/store"
	"github.com/CTAG07/SketchDojo/pkg/webtoon"
	"github.com/CTAG07/SketchDojo/pkg/workspace"
)

type Server struct {
	config      *ConfigManager
	db          *sql.DB
	logger      *slog.Logger
	layout      workspace.Layout
	renderer    *webtoon.Renderer
	store       *store.Store
	metrics     *Metrics
	authAPI     *AuthAPI
	renderAPI   *RenderAPI
	rendersAPI  *RendersAPI
	templateAPI *TemplateAPI
	statsAPI    *StatsAPI
	serverAPI   *ServerAPI
	mux         *http.ServeMux
}

// setupSchemas creates every table the server uses.
func setupSchemas(db *sql.DB) error {
	if err := store.SetupSchema(db); err != nil {
		return err
	}
	if err := setupAuthSchema(db); err != nil {
		return fmt.Errorf("failed to setup auth schema: %w", err)
	}
	if err := setupStatsSchema(db); err != nil {
		return fmt.Errorf("failed to setup stats schema: %w", err)
	}
	return nil
}

func NewServer(cm *ConfigManager, logger *slog.Logger, db *sql.DB, actionChan chan string) (*Server, error) {
	config := cm.Get()
	layout := workspace.New(config.Server.RootDir)

	renderer, err := webtoon.NewRenderer(logger.With("component", "renderer"), config.Render, config.Server.TemplateDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create renderer: %w", err)
	}
	cm.SetRenderer(renderer)

	st := store.New(db, layout.OutputDir(), logger.With("component", "store"))
	metrics := NewMetrics()

	server := &Server{
		config:      cm,
		db:          db,
		logger:      logger,
		layout:      layout,
		renderer:    renderer,
		store:       st,
		metrics:     metrics,
		authAPI:     NewAuthAPI(db, logger),
		renderAPI:   NewRenderAPI(renderer, st, metrics, config.Server.MaxBodyBytes, logger),
		rendersAPI:  NewRendersAPI(st, logger),
		templateAPI: NewTemplateAPI(renderer, metrics, logger),
		statsAPI:    NewStatsAPI(db, st, renderer.GetTemplateNames, logger),
		serverAPI:   NewServerAPI(cm, actionChan, logger),
		mux:         http.NewServeMux(),
	}

	apiMux := http.NewServeMux()
	server.authAPI.RegisterRoutes(apiMux)
	server.renderAPI.RegisterRoutes(apiMux)
	server.rendersAPI.RegisterRoutes(apiMux)
	server.templateAPI.RegisterRoutes(apiMux)
	server.statsAPI.RegisterRoutes(apiMux)
	server.serverAPI.RegisterRoutes(apiMux)

	// API functions must pass through authentication first; the welcome, health,
	// metrics and static routes stay open.
	authedAPI := server.authAPI.Authenticate(apiMux)
	server.mux.Handle("/api/", server.statsAPI.Track(limitBody(config.Server.MaxBodyBytes, authedAPI)))

	staticFs := http.FileServer(http.Dir(layout.StaticDir()))
	server.mux.Handle("/static/", http.StripPrefix("/static/", staticFs))
	server.mux.Handle("/metrics", metrics.Handler())
	server.mux.HandleFunc("/health", handleHealthCheck)
	server.mux.HandleFunc("/", handleIndex)

	return server, nil
}

// newTemplateWatcher returns a hot-reload watcher whose reloads are counted in the metrics.
func (s *Server) newTemplateWatcher() (*webtoon.Watcher, error) {
	w, err := webtoon.NewWatcher(s.renderer, s.logger.With("component", "watcher"), 0)
	if err != nil {
		return nil, err
	}
	w.OnReload(func() { s.metrics.observeTemplateRefresh("watcher") })
	return w, nil
}

// limitBody caps API request bodies at max bytes. A non-positive max disables the cap.
func limitBody(max int64, next http.Handler) http.Handler {
	if max <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, max)
		}
		next.ServeHTTP(w, r)
	})
}

// respondWithBodyError reports a failed body read; an exceeded limit becomes a 413.
func respondWithBodyError(w http.ResponseWriter, err error, code int, message string) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		respondWithError(w, http.StatusRequestEntityTooLarge, "Request body too large")
		return
	}
	respondWithError(w, code, message)
}

// Handler returns the root handler with request instrumentation.
func (s *Server) Handler() http.Handler {
	return s.metrics.Instrument(s.mux)
}

func handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		respondWithError(w, http.StatusNotFound, "Not Found")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{
		"message": "Welcome to SketchDojo API",
		"version": Version,
	})
}

func handleHealthCheck(w http.ResponseWriter, _ *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}
