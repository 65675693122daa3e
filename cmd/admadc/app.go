package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/admadc/admadc/bus"
	"github.com/admadc/admadc/config"
	"github.com/admadc/admadc/developer"
	"github.com/admadc/admadc/gateway"
	"github.com/admadc/admadc/llm"
	"github.com/admadc/admadc/memclient"
	"github.com/admadc/admadc/memory"
	"github.com/admadc/admadc/planner"
	"github.com/admadc/admadc/qa"
	"github.com/admadc/admadc/replanner"
	"github.com/admadc/admadc/scm"
	"github.com/admadc/admadc/security"
	"github.com/admadc/admadc/tools"
)

// serviceNames lists every runnable service in pipeline order.
var serviceNames = []string{
	"memory",
	"planner",
	"developer",
	"qa",
	"security",
	"replanner",
	"gateway",
	"scm",
}

// defaultPlannerListen is where the planner's synchronous HTTP endpoint
// binds when the planner service runs.
const defaultPlannerListen = ":8081"

type stopper interface {
	Stop()
}

// App wires the selected services over one NATS connection.
type App struct {
	cfg      *config.Config
	logger   *slog.Logger
	services map[string]bool

	embeddedServer *server.Server
	conn           *nats.Conn
	js             jetstream.JetStream

	streamsReady bool
	buses        []*bus.Bus
	httpServers  []*http.Server
	stoppers     []stopper
}

// NewApp builds an application running the given services; an empty set
// means all of them.
func NewApp(cfg *config.Config, logger *slog.Logger, services []string) (*App, error) {
	selected := make(map[string]bool, len(serviceNames))
	if len(services) == 0 {
		for _, name := range serviceNames {
			selected[name] = true
		}
	} else {
		known := make(map[string]bool, len(serviceNames))
		for _, name := range serviceNames {
			known[name] = true
		}
		for _, name := range services {
			if !known[name] {
				return nil, fmt.Errorf("unknown service %q (choose from %v)", name, serviceNames)
			}
			selected[name] = true
		}
	}

	return &App{
		cfg:      cfg,
		logger:   logger,
		services: selected,
	}, nil
}

// Start brings up NATS, the memory facade, and every selected agent.
func (a *App) Start(ctx context.Context) error {
	if err := a.startNATS(ctx); err != nil {
		return fmt.Errorf("start NATS: %w", err)
	}

	if a.services["memory"] {
		if err := a.startMemory(ctx); err != nil {
			return fmt.Errorf("start memory facade: %w", err)
		}
	}

	mem := memclient.New(a.cfg.Memory.URL, memclient.WithLogger(a.logger))
	completer := a.newCompleter()

	registry := tools.NewRegistry()
	tools.RegisterReadFile(registry, a.cfg.Tools.Root, a.cfg.Tools.ReadAllow)
	tools.RegisterPythonLint(registry)

	var inProcessPlanner *planner.Component
	if a.services["planner"] {
		b, err := a.newBus(ctx, "planner")
		if err != nil {
			return err
		}
		c := planner.New(b, mem, completer,
			planner.WithLogger(a.logger),
			planner.WithIdempotencyTTL(a.cfg.Gateway.PlanCacheTTL))
		if err := c.Start(ctx); err != nil {
			return fmt.Errorf("start planner: %w", err)
		}
		a.stoppers = append(a.stoppers, c)
		a.serveHTTP("planner", defaultPlannerListen, c.Router())
		inProcessPlanner = c
	}

	if a.services["developer"] {
		b, err := a.newBus(ctx, "developer")
		if err != nil {
			return err
		}
		c := developer.New(b, mem, completer,
			developer.WithLogger(a.logger),
			developer.WithTools(registry),
			developer.WithMemoryWindow(a.cfg.Pipeline.MemoryWindow))
		if err := c.Start(ctx); err != nil {
			return fmt.Errorf("start developer: %w", err)
		}
		a.stoppers = append(a.stoppers, c)
	}

	if a.services["qa"] {
		b, err := a.newBus(ctx, "qa")
		if err != nil {
			return err
		}
		c := qa.New(b, mem, completer,
			qa.WithLogger(a.logger),
			qa.WithTools(registry),
			qa.WithMaxQARetries(a.cfg.Pipeline.MaxQARetries))
		if err := c.Start(ctx); err != nil {
			return fmt.Errorf("start qa: %w", err)
		}
		a.stoppers = append(a.stoppers, c)
	}

	if a.services["security"] {
		b, err := a.newBus(ctx, "security")
		if err != nil {
			return err
		}
		c := security.New(b, mem, security.WithLogger(a.logger))
		if err := c.Start(ctx); err != nil {
			return fmt.Errorf("start security: %w", err)
		}
		a.stoppers = append(a.stoppers, c)
	}

	if a.services["replanner"] {
		b, err := a.newBus(ctx, "replanner")
		if err != nil {
			return err
		}
		c := replanner.New(b, mem, completer, replanner.WithLogger(a.logger))
		if err := c.Start(ctx); err != nil {
			return fmt.Errorf("start replanner: %w", err)
		}
		a.stoppers = append(a.stoppers, c)
	}

	if a.services["gateway"] {
		b, err := a.newBus(ctx, "gateway")
		if err != nil {
			return err
		}
		var pl gateway.Planner = inProcessPlanner
		if inProcessPlanner == nil {
			url := os.Getenv("PLANNER_URL")
			if url == "" {
				url = "http://localhost" + defaultPlannerListen
			}
			pl = gateway.NewHTTPPlanClient(url)
		}
		c := gateway.New(b, mem, pl,
			gateway.WithLogger(a.logger),
			gateway.WithHistorySize(a.cfg.Gateway.HistorySize),
			gateway.WithPlanCacheTTL(a.cfg.Gateway.PlanCacheTTL))
		if err := c.Start(ctx); err != nil {
			return fmt.Errorf("start gateway: %w", err)
		}
		a.stoppers = append(a.stoppers, c)
		a.serveHTTP("gateway", a.cfg.Gateway.Listen, c.Router())
	}

	if a.services["scm"] {
		b, err := a.newBus(ctx, "scm")
		if err != nil {
			return err
		}
		git := scm.NewGit(a.logger, scm.ExecRunner{}, a.cfg.Git.AuthorName, a.cfg.Git.AuthorEmail)
		opts := []scm.Option{
			scm.WithLogger(a.logger),
			scm.WithRemoteURL(a.cfg.Git.RemoteURL),
			scm.WithToken(a.cfg.Git.GitHubToken),
		}
		if a.cfg.Git.GitHubToken != "" {
			opts = append(opts, scm.WithGitHub(scm.NewGitHubClient(a.cfg.Git.GitHubAPIURL, a.cfg.Git.GitHubToken)))
		}
		c := scm.New(b, mem, git, a.cfg.Git.WorkDir, opts...)
		if err := c.Start(ctx); err != nil {
			return fmt.Errorf("start scm: %w", err)
		}
		a.stoppers = append(a.stoppers, c)
	}

	a.logger.Info("All services started", "count", len(a.stoppers))
	return nil
}

func (a *App) startNATS(ctx context.Context) error {
	if a.cfg.NATS.URL != "" && !a.cfg.NATS.Embedded {
		a.logger.Info("Connecting to NATS", "url", a.cfg.NATS.URL)
		conn, err := nats.Connect(a.cfg.NATS.URL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second))
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		a.conn = conn
	} else {
		a.logger.Info("Starting embedded NATS server")
		opts := &server.Options{
			Port:      -1, // Random available port
			JetStream: true,
			NoLog:     true,
			NoSigs:    true,
		}

		ns, err := server.NewServer(opts)
		if err != nil {
			return fmt.Errorf("create embedded NATS server: %w", err)
		}

		go ns.Start()

		if !ns.ReadyForConnections(5 * time.Second) {
			ns.Shutdown()
			return fmt.Errorf("embedded NATS server failed to start")
		}
		a.embeddedServer = ns

		conn, err := nats.Connect(ns.ClientURL())
		if err != nil {
			ns.Shutdown()
			return fmt.Errorf("connect to embedded NATS: %w", err)
		}
		a.conn = conn
	}

	js, err := jetstream.New(a.conn)
	if err != nil {
		return fmt.Errorf("create JetStream context: %w", err)
	}
	a.js = js
	return nil
}

func (a *App) startMemory(ctx context.Context) error {
	index := memory.NewIndex(memory.NewHashEmbedder(memory.EmbeddingDim))
	store, err := memory.NewStore(ctx, a.js,
		memory.WithStoreLogger(a.logger),
		memory.WithIndex(index))
	if err != nil {
		return fmt.Errorf("initialize event store: %w", err)
	}
	cache := memory.OpenCache(ctx, a.cfg.Redis.URL, a.logger)

	srv := memory.NewServer(store, cache, index, memory.WithServerLogger(a.logger))
	a.serveHTTP("memory", a.cfg.Memory.Listen, srv.Router())
	return nil
}

// newBus wraps the shared connection for one service; the first bus also
// provisions the event and dead-letter streams.
func (a *App) newBus(ctx context.Context, producer string) (*bus.Bus, error) {
	b, err := bus.New(a.conn, producer,
		bus.WithLogger(a.logger),
		bus.WithMaxRetries(a.cfg.Pipeline.MaxRetries),
		bus.WithBackoffBase(a.cfg.Pipeline.RetryDelayBase))
	if err != nil {
		return nil, fmt.Errorf("create bus for %s: %w", producer, err)
	}
	if !a.streamsReady {
		if err := b.EnsureStreams(ctx); err != nil {
			return nil, fmt.Errorf("ensure streams: %w", err)
		}
		a.streamsReady = true
	}
	a.buses = append(a.buses, b)
	return b, nil
}

func (a *App) serveHTTP(name, addr string, handler http.Handler) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.httpServers = append(a.httpServers, srv)

	a.logger.Info("HTTP server listening", "service", name, "addr", addr)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("HTTP server failed", "service", name, "error", err)
		}
	}()
}

func (a *App) newCompleter() llm.Completer {
	if a.cfg.LLM.Provider == "mock" {
		a.logger.Warn("Using mock LLM completer; no real model is attached")
		return llm.NewMockCompleter()
	}

	opts := []llm.ClientOption{
		llm.WithLogger(a.logger),
		llm.WithDefaultTemperature(a.cfg.LLM.Temperature),
	}
	if a.cfg.LLM.Timeout > 0 {
		opts = append(opts, llm.WithHTTPClient(&http.Client{Timeout: a.cfg.LLM.Timeout}))
	}
	return llm.NewClient(llm.Endpoint{
		Provider: a.cfg.LLM.Provider,
		URL:      a.cfg.LLM.Endpoint,
		Model:    a.cfg.LLM.Model,
		APIKey:   a.cfg.LLM.APIKey,
	}, opts...)
}

// Shutdown stops HTTP servers, agents, buses, and NATS, in that order.
func (a *App) Shutdown(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	for _, srv := range a.httpServers {
		if err := srv.Shutdown(ctx); err != nil {
			a.logger.Warn("HTTP server shutdown", "addr", srv.Addr, "error", err)
		}
	}

	for i := len(a.stoppers) - 1; i >= 0; i-- {
		a.stoppers[i].Stop()
	}
	for _, b := range a.buses {
		b.Close()
	}

	if a.conn != nil {
		a.conn.Close()
	}
	if a.embeddedServer != nil {
		a.embeddedServer.Shutdown()
		a.embeddedServer.WaitForShutdown()
	}

	a.logger.Info("Shutdown complete")
}
