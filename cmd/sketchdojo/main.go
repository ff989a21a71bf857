// Command sketchdojo serves and renders webtoon pages.
package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/CTAG07/SketchDojo/pkg/store"
	"github.com/CTAG07/SketchDojo/pkg/webtoon"
	"github.com/CTAG07/SketchDojo/pkg/workspace"
	"github.com/natefinch/atomic"
	"github.com/spf13/cobra"
)

var errLintIssues = errors.New("lint found issues")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "sketchdojo",
		Short:         "Render and serve webtoon comic pages",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(configPath)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.json", "path to the JSON config file")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Start the HTTP server (default)",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return serve(configPath)
			},
		},
		newInitCmd(&configPath),
		newRenderCmd(&configPath),
		newLintCmd(),
		newKeysCmd(&configPath),
	)
	return root
}

func newLogger(w io.Writer, level string) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: parseLogLevel(level)}))
}

// openDatabase opens the configured database, creating its directory and schemas.
func openDatabase(config *ServerConfig) (*sql.DB, error) {
	file, _, _ := strings.Cut(strings.TrimPrefix(config.DatabasePath, "file:"), "?")
	if file != "" && file != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(file), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := initDB(config.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	if err = setupSchemas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// serve hosts the server until a shutdown is requested, restarting it in place when asked.
func serve(configPath string) error {
	baseLogger := newLogger(os.Stdout, "info")

	actionChan := make(chan string, 1)
	go func() {
		osSignalChan := make(chan os.Signal, 1)
		signal.Notify(osSignalChan, syscall.SIGINT, syscall.SIGTERM)
		<-osSignalChan
		baseLogger.Info("OS signal received, initiating shutdown.")
		actionChan <- actionShutdown
	}()

	for {
		action, err := run(configPath, actionChan)
		if err != nil {
			baseLogger.Error("An error occurred during server run, shutting down.", "error", err)
			return err
		}
		if action != actionRestart {
			break
		}
		baseLogger.Info("--- Server Restarting ---")
	}

	baseLogger.Info("SketchDojo has shut down.")
	return nil
}

// run hosts one server cycle and returns the action that ended it.
func run(configPath string, actionChan chan string) (string, error) {
	cm, err := NewConfigManager(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to load configuration: %w", err)
	}
	config := cm.Get()
	logger := newLogger(os.Stdout, config.Server.LogLevel)
	logger.Info("Starting server cycle...", "version", Version)

	layout := workspace.New(config.Server.RootDir)
	created, err := layout.Ensure()
	if err != nil {
		return "", fmt.Errorf("failed to prepare directories: %w", err)
	}
	for _, dir := range created {
		logger.Info("Created directory", "path", dir)
	}
	if config.Server.TempMaxAgeHours > 0 {
		removed, err := layout.CleanTemp(time.Duration(config.Server.TempMaxAgeHours) * time.Hour)
		if err != nil {
			logger.Warn("Failed to clean temp directory", "error", err)
		} else if removed > 0 {
			logger.Info("Removed stale temp files", "count", removed)
		}
	}

	db, err := openDatabase(config.Server)
	if err != nil {
		return "", err
	}

	server, err := NewServer(cm, logger, db, actionChan)
	if err != nil {
		_ = db.Close()
		return "", fmt.Errorf("failed to create server object: %w", err)
	}

	watchCtx, stopWatching := context.WithCancel(context.Background())
	defer stopWatching()
	var watcher *webtoon.Watcher
	if config.Server.WatchTemplates && config.Server.TemplateDir != "" {
		if watcher, err = server.newTemplateWatcher(); err != nil {
			logger.Warn("Template hot reload unavailable", "error", err)
		} else if err = watcher.Start(watchCtx); err != nil {
			logger.Warn("Template hot reload unavailable", "error", err)
			watcher.Stop()
			watcher = nil
		}
	}

	httpServer := &http.Server{
		Addr:              config.Server.ServerAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: config.Server.readHeaderTimeout(),
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Starting SketchDojo server", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	var action string
	var runErr error
	select {
	case action = <-actionChan:
	case runErr = <-serveErr:
		logger.Error("Server failed", "error", runErr)
		action = actionShutdown
	}

	logger.Info("Stopping server for " + action + "...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if shutdownErr := httpServer.Shutdown(ctx); shutdownErr != nil {
		logger.Error("Server shutdown failed", "error", shutdownErr)
	}
	if watcher != nil {
		watcher.Stop()
	}
	logger.Info("HTTP server stopped.")

	logger.Info("Closing database connection.")
	if closeErr := db.Close(); closeErr != nil {
		logger.Error("Failed to close database", "error", closeErr)
	}

	return action, runErr
}

func newInitCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the config file, static directories and database (idempotent)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			config, created, err := LoadConfig(*configPath)
			if err != nil {
				return err
			}
			if created {
				fmt.Fprintf(out, "Created default config at %s\n", *configPath)
			} else {
				fmt.Fprintf(out, "Using existing config %s\n", *configPath)
			}

			dirs, err := workspace.New(config.Server.RootDir).Ensure()
			if err != nil {
				return err
			}
			for _, dir := range dirs {
				fmt.Fprintf(out, "Created %s\n", dir)
			}
			if len(dirs) == 0 {
				fmt.Fprintln(out, "Static directories already exist")
			}

			db, err := openDatabase(config.Server)
			if err != nil {
				return err
			}
			defer db.Close()
			fmt.Fprintln(out, "Database ready")
			return nil
		},
	}
}

// readInput reads a file, or stdin when path is "-" or empty.
func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(path)
}

// decodePanels accepts either a bare array of panels or a RenderRequest object.
func decodePanels(data []byte) (RenderRequest, error) {
	var req RenderRequest
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		err := json.Unmarshal(trimmed, &req.Panels)
		return req, err
	}
	err := json.Unmarshal(trimmed, &req)
	return req, err
}

func newRenderCmd(configPath *string) *cobra.Command {
	var title, timestamp, outPath string
	var save, fragment bool

	cmd := &cobra.Command{
		Use:   "render [file]",
		Short: "Render a panels JSON file (or a fragment with --fragment) to HTML",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			config, _, err := LoadConfig(*configPath)
			if err != nil {
				return err
			}
			logger := newLogger(cmd.ErrOrStderr(), config.Server.LogLevel)
			renderer, err := webtoon.NewRenderer(logger, config.Render, config.Server.TemplateDir)
			if err != nil {
				return err
			}

			var path string
			if len(args) == 1 {
				path = args[0]
			}
			data, err := readInput(cmd, path)
			if err != nil {
				return err
			}

			var buf bytes.Buffer
			rec := store.RenderRecord{Title: title, Timestamp: timestamp}
			if fragment {
				if rec.Timestamp == "" {
					rec.Timestamp = renderer.FormatTimestamp(time.Now())
				}
				report, err := renderer.RenderFragment(&buf, title, string(data), rec.Timestamp)
				if err != nil {
					return err
				}
				rec.PanelCount = report.Panels
				for _, issue := range report.Issues {
					fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", issue)
				}
			} else {
				req, err := decodePanels(data)
				if err != nil {
					return fmt.Errorf("invalid panels JSON: %w", err)
				}
				if title != "" {
					req.Title = title
				}
				if timestamp != "" {
					req.Timestamp = timestamp
				}
				if req.Timestamp == "" {
					req.Timestamp = renderer.FormatTimestamp(time.Now())
				}
				if err = renderer.RenderPanels(&buf, req.Title, req.Panels, req.Timestamp); err != nil {
					return err
				}
				rec = store.RenderRecord{Title: req.Title, PanelCount: len(req.Panels), Timestamp: req.Timestamp}
			}
			if rec.Title == "" {
				rec.Title = config.Render.DefaultTitle
			}

			switch {
			case save:
				if _, err = workspace.New(config.Server.RootDir).Ensure(); err != nil {
					return err
				}
				db, err := openDatabase(config.Server)
				if err != nil {
					return err
				}
				defer db.Close()
				st := store.New(db, workspace.New(config.Server.RootDir).OutputDir(), logger)
				saved, err := st.Save(cmd.Context(), rec, buf.Bytes())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", saved.ID, st.Path(saved.ID))
			case outPath != "":
				return atomic.WriteFile(outPath, &buf)
			default:
				_, err = buf.WriteTo(cmd.OutOrStdout())
			}
			return err
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "page title")
	cmd.Flags().StringVar(&timestamp, "timestamp", "", "footer timestamp (defaults to now)")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "write the HTML to this file instead of stdout")
	cmd.Flags().BoolVar(&save, "save", false, "archive the render in the output directory")
	cmd.Flags().BoolVar(&fragment, "fragment", false, "treat the input as a pre-built panel_content fragment")
	return cmd
}

func newLintCmd() *cobra.Command {
	var document bool
	var title string

	cmd := &cobra.Command{
		Use:   "lint [file]",
		Short: "Check a fragment against the panel class vocabulary, or a whole page with --document",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var path string
			if len(args) == 1 {
				path = args[0]
			}
			data, err := readInput(cmd, path)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if document {
				if err = webtoon.CheckDocument(string(data), title); err != nil {
					fmt.Fprintln(out, err)
					return errLintIssues
				}
				fmt.Fprintln(out, "document ok")
				return nil
			}

			report := webtoon.LintFragment(string(data))
			for _, issue := range report.Issues {
				fmt.Fprintln(out, issue)
			}
			fmt.Fprintf(out, "%d panels, %d issues\n", report.Panels, len(report.Issues))
			if !report.OK() {
				return errLintIssues
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&document, "document", false, "check a rendered page instead of a fragment")
	cmd.Flags().StringVar(&title, "title", "", "expected <h1> text when checking a document")
	return cmd
}

func newKeysCmd(configPath *string) *cobra.Command {
	keys := &cobra.Command{
		Use:   "keys",
		Short: "Manage API keys",
	}

	var scopes []string
	var description string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key and print it once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			config, _, err := LoadConfig(*configPath)
			if err != nil {
				return err
			}
			db, err := openDatabase(config.Server)
			if err != nil {
				return err
			}
			defer db.Close()

			resp, err := createAPIKey(cmd.Context(), db, CreateKeyRequest{Scopes: scopes, Description: description})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "id:     %d\nscopes: %s\nkey:    %s\n", resp.ID, strings.Join(resp.Scopes, " "), resp.RawKey)
			return nil
		},
	}
	create.Flags().StringSliceVar(&scopes, "scope", nil, "scope to grant (repeatable)")
	create.Flags().StringVar(&description, "description", "", "what the key is for")

	keys.AddCommand(create)
	return keys
}
