package app

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/searchktools/loom/config"
	"github.com/searchktools/loom/core"
	"github.com/searchktools/loom/core/pools"
)

// App ties configuration, the engine and process signals together.
type App struct {
	cfg    *config.Config
	engine *core.Engine
}

// New creates an application instance
func New(cfg *config.Config) (*App, error) {
	pools.ApplyGCConfig(cfg.GCConfig())

	engine, err := core.NewEngine(cfg.EngineOptions())
	if err != nil {
		return nil, fmt.Errorf("create engine: %w", err)
	}

	return &App{
		cfg:    cfg,
		engine: engine,
	}, nil
}

// Engine returns the underlying engine for route registration
func (a *App) Engine() *core.Engine {
	return a.engine
}

// NewWithEngine creates an application instance with a pre-configured engine
func NewWithEngine(cfg *config.Config, engine *core.Engine) *App {
	return &App{
		cfg:    cfg,
		engine: engine,
	}
}

// Run serves until SIGINT or SIGTERM, then shuts the engine down. It returns
// the engine's error, if any.
func (a *App) Run() error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer func() {
		signal.Stop(quit)
		close(quit)
	}()
	go a.awaitSignal(quit)

	log.Printf("🚀 loom starting on %s:%d [%s]", a.cfg.Host, a.cfg.Port, a.cfg.Env)

	if err := a.engine.Run(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	log.Printf("✅ server stopped")
	return nil
}

// Shutdown stops a running application from any goroutine.
func (a *App) Shutdown() {
	a.engine.Shutdown()
}

func (a *App) awaitSignal(quit <-chan os.Signal) {
	sig, ok := <-quit
	if !ok {
		return
	}
	log.Printf("Signal received: %v. Shutting down...", sig)
	a.engine.Shutdown()
}
