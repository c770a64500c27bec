package server

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/pollchat/internal/chat"
	"github.com/Tyrowin/pollchat/internal/logging"
	"github.com/Tyrowin/pollchat/internal/registry"
)

// App wires the registry, protocol, chat listener and notify endpoints into
// one process.
type App struct {
	cfg      *Config
	logger   logging.Logger
	registry *registry.Registry
	hub      *Hub
	chat     *ChatServer
	notify   *http.Server
	notifyLn net.Listener
}

// NewApp builds every component from cfg without binding any socket.
func NewApp(cfg *Config, logger logging.Logger) *App {
	hub := NewHub(logger)
	reg := registry.New(registry.Options{
		MailboxLimit: cfg.MailboxLimit,
		OnDrop: func(username string, dropped registry.Message) {
			logger.Warn(context.Background(), "mailbox full; dropped oldest message",
				"username", username, "sender", dropped.Sender)
		},
	})
	protocol := chat.NewProtocol(reg, hub, logger)

	app := &App{
		cfg:      cfg,
		logger:   logger,
		registry: reg,
		hub:      hub,
		chat:     NewChatServer(cfg, protocol, logger),
	}
	if cfg.NotifyAddr != "" {
		app.notify = CreateServer(cfg.NotifyAddr, SetupRoutes(NewWatchHandler(cfg, reg, hub, logger)))
	}
	return app
}

// Registry exposes the shared chat state.
func (a *App) Registry() *registry.Registry { return a.registry }

// Hub exposes the notification hub behind /watch.
func (a *App) Hub() *Hub { return a.hub }

// Listen binds the chat and notify addresses so callers can learn the
// chosen ports before Run.
func (a *App) Listen() error {
	if err := a.chat.Listen(); err != nil {
		return err
	}
	if a.notify != nil {
		ln, err := net.Listen("tcp", a.notify.Addr)
		if err != nil {
			return err
		}
		a.notifyLn = ln
	}
	return nil
}

// ChatAddr is the bound chat address, or nil before Listen.
func (a *App) ChatAddr() net.Addr { return a.chat.Addr() }

// NotifyAddr is the bound notify address, or nil when disabled or unbound.
func (a *App) NotifyAddr() net.Addr {
	if a.notifyLn == nil {
		return nil
	}
	return a.notifyLn.Addr()
}

// Run serves until ctx is cancelled or SIGINT, SIGTERM or SIGQUIT arrives,
// then shuts everything down.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.initSignalHandler(ctx, cancel)

	if a.ChatAddr() == nil {
		if err := a.Listen(); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.hub.Run()
		return nil
	})

	g.Go(func() error {
		return a.chat.Serve(gctx)
	})

	if a.notify != nil {
		g.Go(func() error {
			return StartServer(a.notify, a.notifyLn, a.logger)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info(context.Background(), "shutting down")
		if a.notify != nil {
			_ = ShutdownServer(a.notify, a.cfg.ShutdownTimeout, a.logger)
		}
		_ = a.hub.Shutdown(a.cfg.ShutdownTimeout)
		return nil
	})

	return g.Wait()
}

func (a *App) initSignalHandler(ctx context.Context, cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		defer signal.Stop(sigs)
		select {
		case sig := <-sigs:
			a.logger.Info(ctx, "received signal", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()
}
