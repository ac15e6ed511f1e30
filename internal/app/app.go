package app

import (
	"context"
	"database/sql"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-hclog"

	"fixline/internal/config"
	"fixline/internal/db"
	"fixline/internal/engine"
	"fixline/internal/githost"
	"fixline/internal/logging"
	"fixline/internal/migrate"
	"fixline/internal/reasoning"
	"fixline/internal/sandbox"
)

// Options select what Build wires up. The database and config always
// load; the gateway, sandbox and git host are only reached for when a
// command actually runs the pipeline.
type Options struct {
	Workspace string
	// Process wires the reasoning gateway and sandbox runner. Commands
	// that only read or flip state leave it off and skip the
	// FIXLINE_GATEWAY_KEY requirement.
	Process bool
}

// App bundles an opened workspace: migrated database, effective config
// and an engine ready for whatever Options asked for.
type App struct {
	DB     *sql.DB
	Config *config.Config
	Logger hclog.Logger
	Engine engine.Engine
}

// Build opens the workspace database, runs migrations and constructs
// the engine. A missing git host token is not fatal; the engine runs
// without a publisher and verified fixes stay local.
func Build(ctx context.Context, opts Options) (*App, error) {
	cfg, err := config.LoadOptional(opts.Workspace)
	if err != nil {
		return nil, err
	}
	logger := logging.New(cfg, "fixline")
	logger.Debug("opening workspace database", "path", db.Path(opts.Workspace))
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	var (
		reasoner  reasoning.Client
		runner    engine.SandboxRunner
		publisher engine.Publisher
	)
	if opts.Process {
		gw, err := reasoning.New(cfg, logger)
		if err != nil {
			conn.Close()
			return nil, err
		}
		sb, err := NewSandbox(opts.Workspace, cfg, logger)
		if err != nil {
			conn.Close()
			return nil, err
		}
		reasoner, runner = gw, sb
		if host, err := githost.New(ctx, cfg, logger); err != nil {
			logger.Warn("git host unavailable, verified fixes stay local", "error", err)
		} else {
			publisher = host
		}
	}
	a := &App{DB: conn, Config: cfg, Logger: logger}
	a.Engine = engine.New(conn, cfg, reasoner, runner, publisher, logger)
	return a, nil
}

// Close releases the database handle.
func (a *App) Close() error {
	return a.DB.Close()
}

// NewSandbox builds the sandbox runner rooted inside the workspace.
func NewSandbox(workspace string, cfg *config.Config, logger hclog.Logger) (*sandbox.Runner, error) {
	return sandbox.New(SandboxRoot(workspace), cfg.Sandbox.Runner,
		time.Duration(cfg.Sandbox.TimeoutSeconds)*time.Second,
		cfg.Sandbox.Workers, cfg.Sandbox.OutputLimitBytes, logger)
}

// SandboxRoot returns the scratch directory sandbox runs live under.
func SandboxRoot(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".fixline", "sandbox")
}
