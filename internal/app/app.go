// Package app assembles the stores, queue engine and network endpoints into
// a runnable server. cmd/server is a thin shell around it; embedders can use
// it directly to run a queue inside another process.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/Woutah/configurun/internal/config"
	"github.com/Woutah/configurun/internal/output"
	"github.com/Woutah/configurun/internal/queue"
	"github.com/Woutah/configurun/internal/runner"
	"github.com/Woutah/configurun/internal/server"
	"github.com/Woutah/configurun/internal/store"
	"github.com/Woutah/configurun/pkg/model"
)

// App is an assembled server: workspace lock, persistence, engine and
// endpoints. Construct with New, run with Run, and always Close.
type App struct {
	cfg    config.ServerConfig
	logger *slog.Logger

	lock    *Lock
	st      *store.SQLiteStore
	out     *output.Store
	engine  *queue.Engine
	control *server.Server
	status  *server.HTTPServer
}

// New validates the configuration, locks the workspace, opens the stores
// and builds the engine. On error everything already opened is closed.
func New(cfg config.ServerConfig, logger *slog.Logger) (*App, error) {
	if len(cfg.WorkerCommand) == 0 {
		return nil, fmt.Errorf("worker_command must not be empty")
	}
	ws, err := config.ResolveWorkspace(cfg.Workspace)
	if err != nil {
		return nil, err
	}
	cfg.Workspace = ws
	if cfg.Password == "" {
		logger.Warn("no password set; any client on the network can connect")
	}

	a := &App{cfg: cfg, logger: logger}

	a.lock, err = AcquireLock(filepath.Join(ws, "workspace.lock"))
	if err != nil {
		return nil, err
	}

	a.st, err = store.NewSQLiteStore(filepath.Join(ws, "queue.db"), logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	if err := a.st.Migrate(context.Background()); err != nil {
		a.Close()
		return nil, err
	}

	a.out, err = output.Open(filepath.Join(ws, "output"), logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.engine, err = queue.New(a.st, a.out, a.startWorker, queue.Config{
		ProcessorCount: cfg.ProcessorCount,
		Autoprocessing: cfg.Autoprocessing,
	}, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.control = server.New(cfg, a.engine, a.out, logger)
	if cfg.HTTPAddr != "" {
		a.status = server.NewHTTPServer(a.control)
	}
	return a, nil
}

// Engine exposes the queue for embedding and tests.
func (a *App) Engine() *queue.Engine { return a.engine }

// ControlAddr returns the bound control listen address.
func (a *App) ControlAddr() string { return a.control.Addr() }

// startWorker launches the configured worker command for an item.
func (a *App) startWorker(it *model.QueueItem) (queue.Worker, error) {
	r := runner.New(it.ID, a.cfg.WorkerCommand, it.Config, a.out, a.cfg.CancelGrace.Std(), a.logger)
	if err := r.Start(); err != nil {
		return nil, err
	}
	return r, nil
}

// Run serves until ctx is cancelled, then stops the engine (force-stopping
// running workers) and the endpoints.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := a.engine.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		return a.control.Start(ctx)
	})
	if a.status != nil {
		g.Go(func() error {
			return a.status.Start(ctx)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases everything New opened. Safe after a partial New.
func (a *App) Close() {
	if a.out != nil {
		if err := a.out.Close(); err != nil {
			a.logger.Warn("close output store", "error", err)
		}
	}
	if a.st != nil {
		if err := a.st.Close(); err != nil {
			a.logger.Warn("close queue store", "error", err)
		}
	}
	if a.lock != nil {
		if err := a.lock.Release(); err != nil {
			a.logger.Warn("release workspace lock", "error", err)
		}
	}
}
