package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/yungbote/kbchat-backend/internal/http"
	"github.com/yungbote/kbchat-backend/internal/modules/chat/steps"
	"github.com/yungbote/kbchat-backend/internal/observability"
	"github.com/yungbote/kbchat-backend/internal/platform/logger"
	"github.com/yungbote/kbchat-backend/internal/platform/vectorstore"
)

const startupHeartbeatTimeout = 5 * time.Second

type Options struct {
	Version string
}

type App struct {
	Log      *logger.Logger
	Cfg      Config
	Clients  Clients
	Store    vectorstore.Store
	Services Services
	Handlers Handlers
	Server   *http.Server

	otelShutdown func(context.Context) error
	cancel       context.CancelFunc
}

func New(ctx context.Context, opts Options) (*App, error) {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	log.Info("Loading configuration...")
	cfg, err := LoadConfig(log)
	if err != nil {
		log.Sync()
		return nil, err
	}

	otelShutdown := observability.InitOTel(ctx, log, observability.TracingFromEnv(observability.OtelConfig{
		ServiceName: cfg.ServiceName,
		Environment: cfg.Environment,
		Version:     opts.Version,
	}))
	observability.Init(log)

	clients, err := wireClients(ctx, log)
	if err != nil {
		log.Sync()
		return nil, err
	}

	pcfg, err := resolveVectorProviderConfig(cfg.VectorProvider)
	if err != nil {
		clients.Close()
		log.Sync()
		return nil, err
	}
	store, err := resolveVectorStore(log, pcfg)
	if err != nil {
		clients.Close()
		log.Sync()
		return nil, err
	}

	serviceset, err := wireServices(log, cfg, clients, store)
	if err != nil {
		clients.Close()
		log.Sync()
		return nil, err
	}

	handlerset := wireHandlers(log, cfg, serviceset, clients)
	middleware := wireMiddleware(log, cfg)
	server := wireServer(log, cfg, handlerset, middleware)

	return &App{
		Log:          log,
		Cfg:          cfg,
		Clients:      clients,
		Store:        store,
		Services:     serviceset,
		Handlers:     handlerset,
		Server:       server,
		otelShutdown: otelShutdown,
	}, nil
}

// Start launches background work: the startup heartbeat and the redis metrics probe.
func (a *App) Start(ctx context.Context) {
	if a == nil || a.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	checkKnowledgeStore(ctx, a.Log, a.Services.Knowledge)
	if a.Clients.Redis != nil {
		observability.Current().StartRedisCollector(ctx, a.Log, a.Clients.Redis)
	}
}

// Run serves HTTP until ctx is cancelled, then waits for in-flight webhook turns.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.Server == nil {
		return fmt.Errorf("app not initialized")
	}
	a.Start(ctx)
	a.Log.Info("Server listening", "addr", a.Cfg.Addr())
	err := a.Server.Run(ctx, a.Cfg.Addr(), a.Cfg.ShutdownGrace)
	if a.Handlers.Twilio != nil {
		a.Handlers.Twilio.Wait()
	}
	return err
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	a.Clients.Close()
	if a.otelShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.otelShutdown(ctx); err != nil && a.Log != nil {
			a.Log.Warn("otel shutdown failed", "error", err)
		}
		cancel()
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}

// checkKnowledgeStore pings the vector store once at startup. Failure is logged and the
// service keeps running; retrieval degrades per turn.
func checkKnowledgeStore(ctx context.Context, log *logger.Logger, knowledge *steps.KnowledgeRetriever) bool {
	if !knowledge.Enabled() {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, startupHeartbeatTimeout)
	defer cancel()
	if err := knowledge.Heartbeat(ctx); err != nil {
		log.Warn("Vector store heartbeat failed at startup; continuing", "error", err)
		return false
	}
	log.Info("Vector store reachable")
	return true
}
