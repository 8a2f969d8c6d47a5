// Agent-Identity Bridge - main entry point
//
// The bridge provisions and maintains one Matrix identity per agent hosted
// on an external agent runtime, routes room traffic between the two sides,
// and guarantees at-most-once delivery of every agent reply.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"maunium.net/go/mautrix/id"

	"github.com/agentbridge/bridge/internal/arbiter"
	"github.com/agentbridge/bridge/internal/classify"
	"github.com/agentbridge/bridge/internal/clientpool"
	"github.com/agentbridge/bridge/internal/connector"
	"github.com/agentbridge/bridge/internal/gateway"
	"github.com/agentbridge/bridge/internal/identity"
	"github.com/agentbridge/bridge/internal/model"
	"github.com/agentbridge/bridge/internal/peerbridge"
	"github.com/agentbridge/bridge/internal/reconciler"
	"github.com/agentbridge/bridge/internal/rest"
	"github.com/agentbridge/bridge/internal/store"
	"github.com/agentbridge/bridge/internal/syncengine"
	"github.com/agentbridge/bridge/internal/toolsurface"
	"github.com/agentbridge/bridge/internal/webhook"
	"github.com/agentbridge/bridge/pkg/config"
	"github.com/agentbridge/bridge/pkg/eventbus"
	"github.com/agentbridge/bridge/pkg/health"
	"github.com/agentbridge/bridge/pkg/logger"
	"github.com/agentbridge/bridge/pkg/metrics"
	"github.com/agentbridge/bridge/pkg/ttl"
)

var (
	version   = "0.1.0"
	buildTime = "unknown"
)

type cliConfig struct {
	command      string
	configPath   string
	configOutput string
	restAddr     string
	dbPath       string
	logLevel     string
	verbose      bool
	version      bool
	help         bool
}

func main() {
	cliCfg := parseFlags()

	if cliCfg.version || cliCfg.command == "version" {
		printVersion()
		return
	}
	if cliCfg.help || cliCfg.command == "help" {
		printHelp()
		return
	}

	switch cliCfg.command {
	case "init":
		runInitCommand(cliCfg)
	case "validate":
		runValidateCommand(cliCfg)
	case "", "run":
		runBridgeServer(cliCfg)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cliCfg.command)
		printHelp()
		os.Exit(1)
	}
}

func runInitCommand(cliCfg cliConfig) {
	outputPath := cliCfg.configOutput
	if outputPath == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			log.Fatalf("failed to determine home directory: %v", err)
		}
		outputPath = filepath.Join(homeDir, ".agentbridge", "config.toml")
	}
	if err := config.GenerateExampleConfig(outputPath); err != nil {
		log.Fatalf("failed to generate example config: %v", err)
	}
	log.Printf("example configuration written to: %s", outputPath)
	log.Println("edit matrix.homeserver_url, matrix.server_name, matrix.admin_localpart, and webhook.secret before starting")
}

func runValidateCommand(cliCfg cliConfig) {
	cfg, err := config.Load(cliCfg.configPath)
	if err != nil {
		log.Fatalf("configuration validation failed: %v", err)
	}
	log.Printf("configuration is valid")
	log.Printf("  rest_addr: %s", cfg.Server.RESTAddr)
	log.Printf("  store:     %s", cfg.Store.DBPath)
	log.Printf("  homeserver: %s", cfg.Matrix.HomeserverURL)
}

// runBridgeServer wires every component and blocks until SIGINT/SIGTERM.
func runBridgeServer(cliCfg cliConfig) {
	log.Printf("starting agent bridge v%s (%s)", version, buildTime)

	cfg, err := config.Load(cliCfg.configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	if cliCfg.restAddr != "" {
		cfg.Server.RESTAddr = cliCfg.restAddr
	}
	if cliCfg.dbPath != "" {
		cfg.Store.DBPath = cliCfg.dbPath
	}
	if cliCfg.logLevel != "" {
		cfg.Logging.Level = cliCfg.logLevel
	}
	if cliCfg.verbose {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	setupLogging(cfg.Logging)
	lg := logger.Global()
	lg.Info("configuration loaded", "rest_addr", cfg.Server.RESTAddr, "store", cfg.Store.DBPath, "homeserver", cfg.Matrix.HomeserverURL)

	ctx, cancel := context.WithCancel(context.Background())

	st, err := store.Open(ctx, cfg.Store.DBPath)
	if err != nil {
		log.Fatalf("failed to open state store: %v", err)
	}
	defer st.Close()

	identities := identity.New(st, knownAgentPrefixes, lg)
	pool := clientpool.New(cfg.Matrix.HomeserverURL, cfg.Matrix.RateLimitMaxRetries, identities, lg)

	admin, err := loginAdmin(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to authenticate admin identity: %v", err)
	}

	conn := connector.New(cfg.Connector.RuntimeBaseURL, cfg.Connector.RuntimeToken, cfg.Matrix.RateLimitMaxRetries, lg)
	convBindings := conversationBindingAdapter{store: st}
	classifier := classify.New(identities, convBindings, lg)
	arb := arbiter.New(st, cfg.InflightTTL(), lg)

	recon := reconciler.New(reconciler.Config{
		Interval:        cfg.ReconcileInterval(),
		ServerName:      cfg.Matrix.ServerName,
		AgentsSpaceName: cfg.Reconcile.AgentsSpaceAlias,
		KnownPrefixes:   knownAgentPrefixes,
	}, identities, pool, admin, runtimeRosterAdapter{conn: conn}, st, lg)
	recon.Start(ctx)

	events := make(chan *model.IncomingEvent, 1024)
	engines := startSyncEngines(ctx, cfg, identities, pool, st, events, lg)

	pipeline := newStreamPipeline(classifier, conn, arb, identities, pool, lg)
	go pipeline.run(ctx, events)

	bus := eventbus.New(lg)

	whIngress := webhook.New(webhook.Config{
		Secret:          cfg.Webhook.Secret,
		Mode:            webhook.VerifyMode(cfg.Webhook.Verify),
		ReplayWindow:    cfg.WebhookReplayWindow(),
		RequestDeadline: time.Duration(cfg.Webhook.RequestDeadlineSeconds) * time.Second,
		DedupWindow:     time.Duration(cfg.Webhook.DedupWindowSeconds) * time.Second,
	}, arb, identityGatewayAdapter{identities: identities, pool: pool}, lg)

	healthMonitor := health.NewMonitor(health.DefaultMonitorConfig())
	healthMonitor.Register("store", func(ctx context.Context) error { return st.Ping(ctx) })
	healthMonitor.Register("admin_gateway", func(ctx context.Context) error {
		_, err := admin.Whoami(ctx)
		return err
	})
	healthMonitor.Start(ctx)

	hs := &healthSource{monitor: healthMonitor, identities: identities, pool: pool}
	restServer := rest.New(hs, identities, convBindings, whIngress, lg)

	go refreshMetricsGauges(ctx, hs)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metrics.Handler())
	metricsSrv := &http.Server{Addr: cfg.Server.MetricsAddr, Handler: metricsMux}
	go func() {
		lg.Info("metrics server listening", "addr", cfg.Server.MetricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			lg.Error("metrics server exited", "error", err)
		}
	}()

	if err := os.MkdirAll(filepath.Dir(cfg.Server.RPCSocketPath), 0750); err != nil {
		lg.Error("failed to create rpc socket directory", "error", err)
	}
	_ = os.Remove(cfg.Server.RPCSocketPath)
	toolSurface := toolsurface.New(cfg.Server.RPCSocketPath, identities, pool, classifier, conn, arb, toolSurfaceEventBus{bus: bus}, lg)
	if err := toolSurface.Start(ctx); err != nil {
		lg.Error("failed to start unified tool surface", "error", err)
	}

	const peerBridgePort = 8090

	peers := peerbridge.New(st, cfg.PeerRegistrationTTL(), lg)
	peers.StartSweeper(ctx, cfg.PeerRegistrationTTL())
	if cfg.Peer.DiscoveryEnabled {
		if err := peers.AdvertiseOnLAN("agentbridge", peerBridgePort); err != nil {
			lg.Warn("mDNS advertisement failed, continuing without LAN discovery", "error", err)
		}
	}

	sweeps := ttl.NewManager(ctx, lg)
	inflightTTL := cfg.InflightTTL()
	if err := sweeps.Register("inflight_records", "*/1 * * * *", func(ctx context.Context) (int64, error) {
		return st.PurgeExpiredInFlight(ctx, inflightTTL)
	}); err != nil {
		lg.Error("failed to register inflight sweep", "error", err)
	}
	if err := sweeps.Register("peer_registrations", "*/5 * * * *", func(ctx context.Context) (int64, error) {
		return st.PurgeStalePeerRegistrations(ctx, cfg.PeerRegistrationTTL())
	}); err != nil {
		lg.Error("failed to register peer registration sweep", "error", err)
	}
	sweeps.Start()

	httpSrv := &http.Server{Addr: cfg.Server.RESTAddr, Handler: restServer}
	go func() {
		lg.Info("rest server listening", "addr", cfg.Server.RESTAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			lg.Error("rest server exited", "error", err)
		}
	}()

	peerMux := http.NewServeMux()
	peerMux.Handle("/peers/register", peers)
	peerMux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		bus.ServeWS(w, r, r.URL.Query().Get("room_id"))
	})
	peerSrv := &http.Server{Addr: fmt.Sprintf(":%d", peerBridgePort), Handler: peerMux}
	go func() {
		lg.Info("peer bridge and event bus listening", "addr", ":8090")
		if err := peerSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			lg.Error("peer bridge server exited", "error", err)
		}
	}()

	log.Println("agent bridge is running")
	log.Println("press ctrl+c to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("shutting down...")

		shutdownTimeout := time.Duration(cfg.Server.ShutdownTimeoutSeconds) * time.Second
		stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer stopCancel()

		log.Println("stopping rest server...")
		_ = httpSrv.Shutdown(stopCtx)

		log.Println("stopping metrics server...")
		_ = metricsSrv.Shutdown(stopCtx)

		log.Println("stopping peer bridge server...")
		_ = peerSrv.Shutdown(stopCtx)
		peers.StopAdvertising()

		log.Println("stopping retention sweep scheduler...")
		sweeps.Stop()

		log.Println("stopping reconciler...")
		recon.Stop()

		for scope, eng := range engines {
			log.Printf("stopping sync engine: %s", scope)
			eng.Stop()
		}

		log.Println("stopping health monitor...")
		healthMonitor.Stop()

		cancel()
	}()

	<-ctx.Done()
	log.Println("agent bridge stopped")
}

// knownAgentPrefixes lists external agent_id prefixes DeriveLocalpart
// strips before deriving a Matrix localpart.
var knownAgentPrefixes = []string{"agent-", "runtime-"}

// loginAdmin authenticates the admin Matrix identity used for space
// management and mediated invites, per the reconciler's admin credential
// requirement.
func loginAdmin(ctx context.Context, cfg *config.Config) (*gateway.Gateway, error) {
	gw, err := gateway.New(gateway.Config{
		HomeserverURL: cfg.Matrix.HomeserverURL,
		UserID:        id.NewUserID(cfg.Matrix.AdminLocalpart, cfg.Matrix.ServerName),
		MaxRetries:    cfg.Matrix.RateLimitMaxRetries,
	})
	if err != nil {
		return nil, err
	}
	if _, err := gw.Login(ctx, cfg.Matrix.AdminLocalpart, cfg.Matrix.AdminPassword); err != nil {
		return nil, err
	}
	return gw, nil
}

// startSyncEngines starts one Sync Engine per currently-active identity,
// all publishing onto the shared events channel. New identities provisioned
// by the reconciler after startup pick up their own engine on the next
// restart; the cold-start watermark behavior is unaffected either way,
// since a freshly provisioned identity has no history to drop.
func startSyncEngines(ctx context.Context, cfg *config.Config, identities *identity.IdentityStore, pool *clientpool.Pool, cursors syncengine.CursorStore, events chan *model.IncomingEvent, lg *logger.Logger) map[string]*syncengine.Engine {
	engines := make(map[string]*syncengine.Engine)

	active, err := identities.ListActive(ctx)
	if err != nil {
		lg.Error("failed to list active identities for sync engine startup", "error", err)
		return engines
	}

	for _, ag := range active {
		eng := syncengine.New(ag.AgentID, ag, pool, cursors, cfg.SyncTimeout(), events, lg)
		if err := eng.Start(ctx); err != nil {
			lg.Error("failed to start sync engine", "agent_id", ag.AgentID, "error", err)
			continue
		}
		engines[ag.AgentID] = eng
	}
	return engines
}

// healthSource aggregates the component health Monitor with live counts
// from the Identity Store and Client Pool, satisfying internal/rest.HealthSource.
type healthSource struct {
	monitor    *health.Monitor
	identities *identity.IdentityStore
	pool       *clientpool.Pool
}

func (h *healthSource) Health(ctx context.Context) rest.HealthReport {
	degraded := h.monitor.Degraded(ctx)
	status := rest.HealthHealthy
	if len(degraded) > 0 {
		status = rest.HealthDegraded
	}

	active, err := h.identities.ListActive(ctx)
	activeCount := 0
	if err == nil {
		activeCount = len(active)
	}

	return rest.HealthReport{
		Status:             status,
		ActiveIdentities:   activeCount,
		LiveClientSessions: h.pool.Size(),
		DegradedComponents: degraded,
	}
}

// refreshMetricsGauges periodically copies the live health snapshot onto the
// Prometheus gauges, since the Health Monitor and Client Pool are pull-based
// and client_golang gauges need an active writer.
func refreshMetricsGauges(ctx context.Context, hs *healthSource) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report := hs.Health(ctx)
			metrics.ActiveIdentities.Set(float64(report.ActiveIdentities))
			metrics.LiveClientSessions.Set(float64(report.LiveClientSessions))
			metrics.DegradedComponents.Set(float64(len(report.DegradedComponents)))
		}
	}
}

func parseFlags() cliConfig {
	cfg := cliConfig{}
	flag.StringVar(&cfg.configPath, "config", "", "path to configuration file")
	flag.StringVar(&cfg.configOutput, "config-output", "", "output path for the 'init' command")
	flag.StringVar(&cfg.restAddr, "rest-addr", "", "REST listen address (overrides config)")
	flag.StringVar(&cfg.dbPath, "db", "", "path to the state database (overrides config)")
	flag.StringVar(&cfg.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flag.BoolVar(&cfg.verbose, "v", false, "verbose logging (sets log level to debug)")
	flag.BoolVar(&cfg.version, "version", false, "print version and exit")
	flag.BoolVar(&cfg.help, "help", false, "show help message")
	flag.Parse()

	args := flag.Args()
	if len(args) > 0 {
		cfg.command = args[0]
	}
	return cfg
}

func setupLogging(cfg config.LoggingConfig) {
	if err := logger.Initialize(cfg.Level, cfg.Format, cfg.Output); err != nil {
		log.Printf("warning: failed to initialize structured logger: %v", err)
	}
}

func printVersion() {
	fmt.Printf("agent bridge v%s\n", version)
	fmt.Printf("build time: %s\n", buildTime)
}

func printHelp() {
	fmt.Print(`USAGE:
    agentbridge-bridge [command] [flags]

COMMANDS:
    run         Start the bridge (default)
    init        Write a starter configuration file
    validate    Validate the configuration and exit
    version     Show version information
    help        Show this help message

FLAGS:
    -config string       path to configuration file
    -rest-addr string     REST listen address (overrides config)
    -db string             path to the state database (overrides config)
    -log-level string     debug, info, warn, error
    -v                     verbose (debug) logging
`)
}
