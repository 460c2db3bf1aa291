// Package app wires configuration, transports and the plugin together.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/adapters/console"
	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/adapters/onebot11"
	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/api"
	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/config"
	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/executor"
	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/iface"
	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/plugin"
	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/store"
	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/transport"
	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/pkg/runtime"
	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/pkg/x/httpx"
	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/pkg/x/syncx"
)

const logPrefix = "[exe-code]"

var ErrNoTransport = errors.New("no transport configured: set ONEBOT_WS_URL or EXE_CODE_CONSOLE=1")

// errQuit ends the service when the console is closed.
var errQuit = errors.New("console closed")

type service interface {
	Run(ctx context.Context) error
}

type App struct {
	cfg      *config.Config
	hub      *transport.Hub
	limiter  *transport.Limiter
	registry *executor.Registry

	services []service
	console  *console.Bot
}

func New(cfg *config.Config) (*App, error) {
	iface.SetDebug(cfg.Debug)

	client, err := httpx.NewClient(httpx.ClientOptions{
		Timeout:     30 * time.Second,
		UseEnvProxy: true,
		Proxy:       cfg.HTTPProxy,
		CookieJar:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("http client: %w", err)
	}

	hub := transport.NewHub(logPrefix)
	limiter := transport.NewLimiter(transport.DefaultSendLimit, transport.DefaultSendWindow)
	sender := transport.NewSender(limiter)
	registry := executor.NewRegistry(&api.Deps{
		Sender:  sender,
		Hub:     hub,
		Consts:  store.NewConstStore(cfg.DataDir),
		Buffers: store.NewBuffers(),
		Config:  cfg,
		HTTP:    client,
	})
	hub.SetHandler(plugin.New(registry, cfg, sender).Handle)

	a := &App{cfg: cfg, hub: hub, limiter: limiter, registry: registry}
	if cfg.OneBotURL != "" {
		a.services = append(a.services, onebot11.New(onebot11.Options{
			URL:         cfg.OneBotURL,
			AccessToken: cfg.OneBotToken,
			HTTP:        client,
		}, hub))
	}
	if cfg.Console {
		a.console = console.New(console.Options{
			HistoryFile: filepath.Join(cfg.DataDir, ".console_history"),
		}, hub)
	}
	if len(a.services) == 0 && a.console == nil {
		limiter.Stop()
		registry.Close()
		return nil, ErrNoTransport
	}
	return a, nil
}

// Run serves until ctx is done, a transport fails or the console quits.
func (a *App) Run(ctx context.Context) error {
	defer a.limiter.Stop()
	defer a.registry.Close()

	log.Printf("%s config %s data_dir=%s", logPrefix, a.cfg, a.cfg.DataDir)

	g := syncx.NewGroup(ctx)
	for _, svc := range a.services {
		g.Go(svc.Run)
	}
	if a.console != nil {
		g.Go(func(ctx context.Context) error {
			if err := a.console.Run(ctx); err != nil {
				return err
			}
			return errQuit
		})
	}
	g.Go(a.cfg.Watch)

	err := g.Wait()
	if errors.Is(err, errQuit) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Run is the entrypoint of cmd/exe-code.
func Run() error {
	return runtime.RunServiceWithSignals(runtime.ServiceOptions{
		LogPrefix: logPrefix,
		Run: func(ctx context.Context) error {
			cfg, err := config.FromEnv(logPrefix)
			if err != nil {
				return err
			}
			a, err := New(cfg)
			if err != nil {
				return err
			}
			return a.Run(ctx)
		},
	})
}
