package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

const (
	actionShutdown = "shutdown"
	actionRestart  = "restart"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// ServerAPI holds the dependencies for the server management handlers.
type ServerAPI struct {
	config     *ConfigManager
	actionChan chan string
	logger     *slog.Logger
}

// VersionInfo defines the structure for build/version information.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

// NewServerAPI creates a new instance of the ServerAPI.
func NewServerAPI(config *ConfigManager, actionChan chan string, logger *slog.Logger) *ServerAPI {
	return &ServerAPI{
		config:     config,
		actionChan: actionChan,
		logger:     logger,
	}
}

// RegisterRoutes sets up the routing for all /api/server endpoints.
func (a *ServerAPI) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/server/config", a.handleConfig)
	mux.HandleFunc("/api/server/version", a.handleVersion)
	mux.HandleFunc("/api/server/shutdown", a.handleAction(actionShutdown))
	mux.HandleFunc("/api/server/restart", a.handleAction(actionRestart))
}

// handleConfig gets or updates the main server configuration.
func (a *ServerAPI) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if !requireScope(w, r, scopeServerConfig) {
			return
		}
		respondWithJSON(w, http.StatusOK, a.config.Get())
	case http.MethodPut:
		if !requireScope(w, r, scopeServerConfig) {
			return
		}
		var newConfig Config
		if err := json.NewDecoder(r.Body).Decode(&newConfig); err != nil {
			respondWithBodyError(w, err, http.StatusBadRequest, "Invalid JSON request body")
			return
		}
		if err := a.config.Update(newConfig); err != nil {
			a.logger.Error("Failed to update configuration", "error", err)
			respondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
		a.logger.Info("Configuration updated via API. Server settings apply after a restart.")
		respondWithJSON(w, http.StatusOK, a.config.Get())
	default:
		w.Header().Set("Allow", "GET, PUT")
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleVersion returns the application's build information.
func (a *ServerAPI) handleVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if !requireScope(w, r, scopeStatsRead) {
		return
	}
	respondWithJSON(w, http.StatusOK, VersionInfo{
		Version:   Version,
		Commit:    Commit,
		BuildDate: BuildDate,
	})
}

// handleAction returns a handler that asks the serve loop to shut down or restart.
func (a *ServerAPI) handleAction(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", "POST")
			respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		if !requireScope(w, r, scopeServerControl) {
			return
		}

		a.logger.Warn("Server action requested via API", "action", action)
		respondWithJSON(w, http.StatusAccepted, map[string]string{"message": "Server " + action + " initiated"})

		go func() {
			a.actionChan <- action
		}()
	}
}
