// Package mcp serves pestcal calibrations to MCP (Model Context Protocol)
// clients over stdio.
package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/leixiaohui-1974/pestcal/internal/config"
	"github.com/leixiaohui-1974/pestcal/internal/logging"
	"github.com/leixiaohui-1974/pestcal/internal/ratelimit"
	"github.com/leixiaohui-1974/pestcal/internal/runner"
	"github.com/leixiaohui-1974/pestcal/internal/store"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// Server wraps the MCP SDK server with the pestcal tools.
type Server struct {
	server   *sdk.Server
	store    store.RunStore
	root     string
	settings *config.Settings
	runner   *runner.Runner
	limits   *ratelimit.Tools
	audit    *AuditLogger
	logger   *slog.Logger

	ownsStore bool
	closeOnce sync.Once
	closeErr  error
}

// Config holds server configuration.
type Config struct {
	Name    string // Server name (e.g., "pestcal")
	Version string // Server version
	Root    string // Project root; problem files must live under it

	// Settings defaults to config.Default().
	Settings *config.Settings
	// Store defaults to the SQLite database at Settings.StorePath().
	Store store.RunStore
	// Logger defaults to a discarding logger. MCP owns stdout, so callers
	// should log to stderr.
	Logger *slog.Logger
	// Limits defaults to ratelimit.DefaultLimits().
	Limits map[string]ratelimit.Limit
}

// NewServer creates an MCP server with the pestcal tools registered.
func NewServer(cfg *Config) (*Server, error) {
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolving project root: %w", err)
	}
	settings := cfg.Settings
	if settings == nil {
		settings = config.Default()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	limits := cfg.Limits
	if limits == nil {
		limits = ratelimit.DefaultLimits()
	}

	runs := cfg.Store
	owns := false
	if runs == nil {
		path, err := settings.StorePath()
		if err != nil {
			return nil, err
		}
		sqlite, err := store.OpenSQLite(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open run store: %w", err)
		}
		runs, owns = sqlite, true
	}

	pestcalDir := filepath.Join(root, ".pestcal")
	s := &Server{
		server: sdk.NewServer(&sdk.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		}, nil),
		store:    runs,
		root:     root,
		settings: settings,
		runner: &runner.Runner{
			Settings:  settings,
			Store:     runs,
			Logger:    logger,
			Decisions: logging.NewDecisionLogger(pestcalDir, settings.Logging.Level),
			Source:    "mcp",
		},
		limits:    ratelimit.NewTools(limits),
		audit:     NewAuditLogger(pestcalDir),
		logger:    logger,
		ownsStore: owns,
	}

	s.registerTools()
	s.registerResources()
	return s, nil
}

// Run serves over stdio until the client disconnects, ctx is cancelled, or
// the process is signalled.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	notifySignals(sigCh)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	s.logger.Info("mcp server started", "root", s.root)
	err := s.server.Run(ctx, &sdk.StdioTransport{})
	if cerr := s.Close(); err == nil {
		err = cerr
	}
	return err
}

// Close releases the store (when the server opened it) and the log files.
// It is safe to call more than once.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.runner.Decisions.Close()
		if err := s.audit.Close(); err != nil {
			s.closeErr = err
		}
		if s.ownsStore {
			if err := s.store.Close(); err != nil {
				s.closeErr = err
			}
		}
	})
	return s.closeErr
}
