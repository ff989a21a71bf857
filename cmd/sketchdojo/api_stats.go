package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/CTAG07/SketchDojo/pkg/store"
)

const statsSchema = `
CREATE TABLE IF NOT EXISTS stats_route (
    route         TEXT PRIMARY KEY,
    total_hits    INTEGER NOT NULL DEFAULT 1,
    first_seen    INTEGER NOT NULL,
    last_seen     INTEGER NOT NULL
);
`

// RouteStats is the hit count of a single API route.
type RouteStats struct {
	Route     string    `json:"route"`
	TotalHits int64     `json:"total_hits"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// GlobalStatsSummary provides a high-level overview of API usage and the render archive.
type GlobalStatsSummary struct {
	TotalRequests  int64         `json:"total_requests"`
	UniqueRoutes   int64         `json:"unique_routes"`
	Renders        store.Summary `json:"renders"`
	TemplatesCount int           `json:"templates_count"`
}

// StatsAPI holds the dependencies for the statistics handlers.
type StatsAPI struct {
	db        *sql.DB
	store     *store.Store
	templates func() []string
	logger    *slog.Logger
}

func setupStatsSchema(db *sql.DB) error {
	_, err := db.Exec(statsSchema)
	return err
}

func NewStatsAPI(db *sql.DB, st *store.Store, templates func() []string, logger *slog.Logger) *StatsAPI {
	return &StatsAPI{
		db:        db,
		store:     st,
		templates: templates,
		logger:    logger,
	}
}

func (s *StatsAPI) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/stats/summary", s.handleSummary)
	mux.HandleFunc("/api/stats/top_endpoints", s.handleTopEndpoints)
}

// LogRequest counts a hit against the request's route.
func (s *StatsAPI) LogRequest(ctx context.Context, route string) error {
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO stats_route (route, first_seen, last_seen) VALUES (?, ?, ?)
        ON CONFLICT(route) DO UPDATE SET total_hits = total_hits + 1, last_seen = ?
    `, route, now, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert stats_route: %w", err)
	}
	return nil
}

// Track records every request passing through next. Failures are logged, never surfaced.
func (s *StatsAPI) Track(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.LogRequest(r.Context(), routeLabel(r.URL.Path)); err != nil {
			s.logger.Warn("Failed to record request stats", "path", r.URL.Path, "error", err)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *StatsAPI) handleSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if !requireScope(w, r, scopeStatsRead) {
		return
	}

	var summary GlobalStatsSummary
	err := s.db.QueryRowContext(r.Context(), "SELECT COALESCE(SUM(total_hits), 0), COUNT(*) FROM stats_route").
		Scan(&summary.TotalRequests, &summary.UniqueRoutes)
	if err != nil {
		s.logger.Error("Failed to query request stats", "error", err)
		respondWithError(w, http.StatusInternalServerError, fmt.Sprintf("Database error: %v", err))
		return
	}
	if summary.Renders, err = s.store.Summary(r.Context()); err != nil {
		s.logger.Error("Failed to summarize render archive", "error", err)
		respondWithError(w, http.StatusInternalServerError, fmt.Sprintf("Database error: %v", err))
		return
	}
	summary.TemplatesCount = len(s.templates())
	respondWithJSON(w, http.StatusOK, summary)
}

func (s *StatsAPI) handleTopEndpoints(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if !requireScope(w, r, scopeStatsRead) {
		return
	}

	limit := 100
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v < limit {
		limit = v
	}
	rows, err := s.db.QueryContext(r.Context(),
		"SELECT route, total_hits, first_seen, last_seen FROM stats_route ORDER BY total_hits DESC, route LIMIT ?", limit)
	if err != nil {
		s.logger.Error("Failed to query top endpoints", "error", err)
		respondWithError(w, http.StatusInternalServerError, fmt.Sprintf("Database error: %v", err))
		return
	}
	defer func(rows *sql.Rows) {
		_ = rows.Close()
	}(rows)

	results := make([]RouteStats, 0)
	for rows.Next() {
		var rs RouteStats
		var first, last int64
		if err = rows.Scan(&rs.Route, &rs.TotalHits, &first, &last); err != nil {
			s.logger.Error("Failed to scan top endpoints", "error", err)
			continue
		}
		rs.FirstSeen = time.UnixMilli(first).UTC()
		rs.LastSeen = time.UnixMilli(last).UTC()
		results = append(results, rs)
	}
	respondWithJSON(w, http.StatusOK, results)
}
