package app

import (
	"context"
	"errors"

	"github.com/mkrull/storekit/internal/config"
	"github.com/mkrull/storekit/internal/dispatch"
	"github.com/mkrull/storekit/internal/importer"
	"github.com/mkrull/storekit/internal/logger"
	"github.com/mkrull/storekit/internal/observer"
	"github.com/mkrull/storekit/internal/store"
)

// App is the application container (immutable dependencies + lifecycle
// context). It owns the store, the owning loop and the server's observation
// controller over imported commits.
type App struct {
	Config     *config.Config
	Store      *store.Store
	Main       *dispatch.Loop
	Ctx        *store.Context
	Controller *observer.Controller

	BaseCtx context.Context
	Cancel  context.CancelFunc
}

// New wires the container: opens the store, starts the owning loop and
// builds a controller tracking all imported commits, newest first.
func New(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	s, err := store.Open(cfg.Data.FilePath)
	if err != nil {
		return nil, err
	}

	main := dispatch.NewLoop("main")
	fg := s.NewContext(main)

	ctrl := observer.NewController(&store.Query{
		Entity: importer.EntityCommit,
		Sort:   []store.SortKey{{Field: importer.AttrDate, Desc: true}},
	}, fg)

	ctx, cancel := context.WithCancel(context.Background())
	a := &App{
		Config:     cfg,
		Store:      s,
		Main:       main,
		Ctx:        fg,
		Controller: ctrl,
		BaseCtx:    ctx,
		Cancel:     cancel,
	}

	if err := ctrl.PerformFetch(); err != nil {
		a.Shutdown()
		return nil, err
	}
	return a, nil
}

// StartWatchers starts the data file watcher when enabled, so records edited
// out of band flow through the controller like any other commit.
func (a *App) StartWatchers() error {
	if !a.Config.Data.WatchEnabled {
		return nil
	}
	return a.Store.StartWatcher(a.BaseCtx, a.Config.Data.WatchDebounce)
}

// Shutdown tears the container down: detach the controller, close the store,
// stop the loop.
func (a *App) Shutdown() {
	if a == nil {
		return
	}
	if a.Cancel != nil {
		a.Cancel()
	}
	if a.Controller != nil {
		a.Controller.Close()
	}
	if a.Store != nil {
		a.Store.Close()
	}
	if a.Main != nil {
		a.Main.Stop()
	}
	logger.WithComponent("app").Info("application container shut down")
}
