package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/HyphaGroup/remora/internal/cleanup"
	"github.com/HyphaGroup/remora/internal/codec"
	"github.com/HyphaGroup/remora/internal/config"
	"github.com/HyphaGroup/remora/internal/datalog"
	"github.com/HyphaGroup/remora/internal/executor"
	"github.com/HyphaGroup/remora/internal/executor/dedicated"
	"github.com/HyphaGroup/remora/internal/executor/remote"
	"github.com/HyphaGroup/remora/internal/executor/remote/rest"
	"github.com/HyphaGroup/remora/internal/executor/remote/socket"
	"github.com/HyphaGroup/remora/internal/executor/remote/websocket"
	"github.com/HyphaGroup/remora/internal/executor/threadpool"
	"github.com/HyphaGroup/remora/internal/logger"
	"github.com/HyphaGroup/remora/internal/mcp"
	"github.com/HyphaGroup/remora/internal/metrics"
	"github.com/HyphaGroup/remora/internal/object"
	"github.com/HyphaGroup/remora/internal/ratelimit"
	"github.com/HyphaGroup/remora/internal/registry"
	"github.com/HyphaGroup/remora/internal/schedule"
	"github.com/HyphaGroup/remora/internal/stream"
)

func runServer(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	showVersion := fs.Bool("version", false, "Print version and exit")
	configDir := fs.String("config", "", "Directory holding remora.jsonc or remora.toml")
	_ = fs.Parse(args)

	if *showVersion {
		fmt.Printf("remora %s\n", Version)
		os.Exit(0)
	}

	// A missing config file is fine: defaults plus environment apply.
	configPath, err := config.FindConfigPath(*configDir)
	if err != nil {
		if *configDir != "" {
			log.Fatalf("Failed to find configuration: %v", err)
		}
		configPath = ""
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := logger.Init(cfg.Logging.Dir); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Close() }()
	if err := logger.InitSlog(cfg.Logging.Dir, cfg.Logging.JSON); err != nil {
		log.Fatalf("Failed to initialize structured logger: %v", err)
	}
	defer func() { _ = logger.CloseSlog() }()

	logger.Printf("🐟 Remora %s", Version)
	if configPath != "" {
		logger.Printf("⚙️  Config: %s", configPath)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Registry, hub and the server every transport shares
	catalog := newCatalog()
	reg := registry.New(catalog)
	hub := stream.NewHub(cfg.Server.MaxQueueSize)
	defer hub.Close()

	var serverOpts []remote.ServerOption
	if cfg.Server.CreateExecutorForObj {
		factory := executor.NewFactory()
		factory.Register(executor.KindThreadPool, func(name string) executor.Executor { return threadpool.New(name) })
		factory.Register(executor.KindDedicated, func(name string) executor.Executor { return dedicated.New(name) })
		if err := checkObjectExecutor(catalog, factory, executor.Kind(cfg.Server.ObjectExecutor)); err != nil {
			logger.Fatalf("server.object_executor %q cannot host the registered classes: %v", cfg.Server.ObjectExecutor, err)
		}
		serverOpts = append(serverOpts, remote.WithObjectExecutor(factory, executor.Kind(cfg.Server.ObjectExecutor)))
		logger.Printf("🧵 Per-object executors: %s", cfg.Server.ObjectExecutor)
	}
	srv := remote.NewServer(reg, hub, serverOpts...)

	// Event log
	var (
		events  *datalog.Store
		cleaner *cleanup.Cleaner
	)
	if cfg.Datalog.Enabled {
		events, err = datalog.Open(cfg.Datalog.Path)
		if err != nil {
			logger.Fatalf("Failed to open event log: %v", err)
		}
		defer func() { _ = events.Close() }()
		logger.Printf("📝 Event log: %s (channel %q)", cfg.Datalog.Path, cfg.Datalog.Channel)

		if cfg.Datalog.RetentionHours > 0 {
			cleaner = cleanup.New(events, cleanup.Config{
				DataDir:          filepath.Dir(cfg.Datalog.Path),
				Interval:         time.Duration(cfg.Datalog.PruneIntervalMinutes) * time.Minute,
				Retention:        time.Duration(cfg.Datalog.RetentionHours) * time.Hour,
				DiskWarnPercent:  80,
				DiskErrorPercent: 90,
			})
			cleaner.Start()
		}
	}

	// Pumps
	runner := schedule.NewRunner(func(ctx context.Context, p *schedule.Pump) error {
		_, err := srv.Execute(ctx, remote.CallRequest{Hash: p.Hash, Method: p.Method})
		return err
	})
	if err := addConfiguredPumps(ctx, srv, runner, cfg.Pumps); err != nil {
		logger.Fatalf("Failed to configure pumps: %v", err)
	}
	runner.Start()

	mcpServer, err := mcp.NewServer(srv, &mcp.ServerConfig{
		Version: Version,
		Pumps:   runner,
		Events:  events,
	})
	if err != nil {
		logger.Fatalf("Failed to create MCP server: %v", err)
	}

	socketServer := socket.NewServer(srv)

	limiter := ratelimit.New(cfg.Server.RateLimit.RequestsPerSecond, cfg.Server.RateLimit.Burst)
	mux := http.NewServeMux()
	mux.Handle("/api/v1/", rest.NewHandler(srv, rest.WithHeartbeat(time.Duration(cfg.Server.HeartbeatSeconds)*time.Second)))
	mux.Handle(websocket.Path, websocket.Handler(socketServer))
	mux.Handle(mcp.Path, mcpServer.Handler())
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":  "ok",
			"version": Version,
			"objects": reg.Len(),
		})
	})

	httpServer := &http.Server{
		Addr:              cfg.Server.HTTPAddress,
		Handler:           metrics.Middleware(ratelimit.Middleware(limiter)(mux)),
		ReadHeaderTimeout: 10 * time.Second,
		// Streams end with ctx rather than waiting out Shutdown.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	logger.Printf("🚀 HTTP server: http://localhost%s (rest %s, websocket %s, mcp %s)",
		cfg.Server.HTTPAddress, "/api/v1", websocket.Path, mcp.Path)
	logger.Printf("🔌 Socket server: %s", cfg.Server.SocketAddress)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return socketServer.ListenAndServe(gctx, cfg.Server.SocketAddress)
	})
	g.Go(func() error {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				limiter.Cleanup(10 * time.Minute)
			}
		}
	})
	if events != nil {
		recorder := datalog.NewRecorder(events, hub, codec.New(reg), cfg.Datalog.Channel)
		g.Go(func() error {
			return recorder.Run(gctx)
		})
	}

	// Setup graceful shutdown
	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdownChan:
		logger.Printf("⚠️  Received signal %v, initiating graceful shutdown...", sig)
	case <-gctx.Done():
		logger.Printf("⚠️  Server stopped, shutting down...")
	case <-socketServer.EOF():
		logger.Printf("⚠️  Socket eof received, shutting down...")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	logger.Printf("   Stopping pumps...")
	if err := runner.Stop(shutdownCtx); err != nil {
		logger.Printf("⚠️  Pump shutdown: %v", err)
	}
	if cleaner != nil {
		cleaner.Stop()
	}

	logger.Printf("   Closing HTTP and socket servers...")
	cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("⚠️  HTTP shutdown: %v", err)
	}

	if err := g.Wait(); err != nil {
		logger.Printf("❌ Server error: %v", err)
	}
	logger.Printf("✅ Shutdown complete")
}

// checkObjectExecutor fails when an executor of kind could not run every
// method of every class in catalog.
func checkObjectExecutor(catalog *registry.Catalog, factory *executor.Factory, kind executor.Kind) error {
	ex, err := factory.New(kind, string(kind))
	if err != nil || ex == nil {
		return err
	}
	for _, name := range catalog.Names() {
		class, err := catalog.Lookup(name)
		if err != nil {
			return err
		}
		if err := executor.CheckClass(ex, class); err != nil {
			return err
		}
	}
	return nil
}

// addConfiguredPumps creates each pump's object if needed and schedules it.
func addConfiguredPumps(ctx context.Context, srv *remote.Server, runner *schedule.Runner, pumps []config.PumpConfig) error {
	cd := codec.New(srv.Registry())
	for i, pc := range pumps {
		props := map[string]any{}
		for k, v := range pc.Config {
			props[k] = v
		}
		props["name"] = pc.Name

		// Round trip through the codec so file numbers become int64.
		raw, err := json.Marshal(props)
		if err != nil {
			return fmt.Errorf("pumps[%d]: %w", i, err)
		}
		decoded, err := cd.Unmarshal(raw)
		if err != nil {
			return fmt.Errorf("pumps[%d]: %w", i, err)
		}
		props, _ = decoded.(map[string]any)

		hash := object.Hash(pc.Class, pc.Name)
		if err := srv.EnsureInstance(ctx, remote.EnsureRequest{Class: pc.Class, Hash: hash, Config: props}); err != nil {
			return fmt.Errorf("pumps[%d]: ensure %s: %w", i, pc.Class, err)
		}
		id, err := runner.AddPump(schedule.Pump{Hash: hash, Method: pc.Method, Spec: pc.Spec})
		if err != nil {
			return fmt.Errorf("pumps[%d]: %w", i, err)
		}
		logger.Printf("⏱️  Pump %s: %s.%s every %q", id, pc.Class, pc.Method, pc.Spec)
	}
	return nil
}
