package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fleetdeck/fleetdeck/internal/catalog"
	"github.com/fleetdeck/fleetdeck/internal/config"
	"github.com/fleetdeck/fleetdeck/internal/db"
	"github.com/fleetdeck/fleetdeck/internal/hub"
	"github.com/fleetdeck/fleetdeck/internal/secrets"
)

const (
	shutdownTimeout    = 5 * time.Second
	socketPerms        = 0o660
	runDirPerms        = 0o750
	eventPruneInterval = time.Hour
)

// Service wires listeners for the local control socket, the agent TCP
// endpoint, and the optional loopback metrics endpoint.
type Service struct {
	cfg             config.Config
	store           *db.Store
	eventHub        *hub.Hub
	catalogRemote   *catalog.RemoteProvider
	catalogRefresh  time.Duration
	eventRetain     time.Duration
	unixListener    net.Listener
	agentListener   net.Listener
	metricsListener net.Listener
	unixServer      *http.Server
	agentServer     *http.Server
	metricsServer   *http.Server
}

// Run opens the store, binds listeners, and serves until ctx is canceled.
func Run(ctx context.Context, cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	store, err := db.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	service, err := NewService(cfg, store)
	if err != nil {
		_ = store.Close()
		return err
	}
	return service.Serve(ctx)
}

// NewService constructs a service with bound listeners and fully wired
// managers.
func NewService(cfg config.Config, store *db.Store) (*Service, error) {
	if err := ensureDir(cfg.RunDir, runDirPerms); err != nil {
		return nil, err
	}
	unixListener, err := listenUnix(cfg.SocketPath)
	if err != nil {
		return nil, err
	}
	agentListener, err := net.Listen("tcp", cfg.AgentListen)
	if err != nil {
		_ = unixListener.Close()
		return nil, fmt.Errorf("listen agent %s: %w", cfg.AgentListen, err)
	}
	var metricsListener net.Listener
	if strings.TrimSpace(cfg.MetricsListen) != "" {
		metricsListener, err = net.Listen("tcp", cfg.MetricsListen)
		if err != nil {
			_ = agentListener.Close()
			_ = unixListener.Close()
			return nil, fmt.Errorf("listen metrics %s: %w", cfg.MetricsListen, err)
		}
	}

	playbooks, err := buildCatalog(cfg)
	if err != nil {
		closeListeners(unixListener, agentListener, metricsListener)
		return nil, err
	}

	var keeper *secrets.Keeper
	if strings.TrimSpace(cfg.AgeKeyPath) != "" {
		keeper, err = secrets.EnsureKeeper(cfg.AgeKeyPath)
		if err != nil {
			closeListeners(unixListener, agentListener, metricsListener)
			return nil, err
		}
	} else {
		log.Printf("fleetdeckd: age key path missing; deployments with env vars disabled")
	}

	eventHub := hub.NewHub()
	metrics := NewMetrics()
	events := newEventRecorder(store, eventHub, log.Default())

	orders := NewOrderManager(store, keeper, events, metrics, log.Default())
	capabilities := NewCapabilityEngine(store, events, metrics, log.Default())
	routes := NewRouteManager(store, orders, playbooks.provider, events, metrics, log.Default())
	deploys := NewDeployManager(store, orders, keeper, events, metrics, log.Default())
	gating := NewGatingEngine(store)

	// Terminal fan-out order matters: capability facts land before the
	// route and deployment machines react to the same order.
	orders.OnTerminal(capabilities.HandleOrderTerminal)
	orders.OnTerminal(routes.HandleOrderTerminal)
	orders.OnTerminal(deploys.HandleOrderTerminal)

	localMux := http.NewServeMux()
	localMux.HandleFunc("/healthz", healthHandler)
	localMux.Handle("/v1/ws", hub.Handler(eventHub, log.Default()))
	localMux.Handle("/metrics", metrics.Handler())
	NewControlAPI(store, orders, routes, deploys, gating, log.Default()).
		WithPlaybooks(playbooks.provider).
		WithMetrics(metrics).
		WithMetricsEnabled(metricsListener != nil).
		WithEvents(events).
		Register(localMux)

	agentMux := http.NewServeMux()
	agentMux.HandleFunc("/healthz", healthHandler)
	NewAgentAPI(store, orders, events, metrics, log.Default()).Routes(agentMux)

	unixServer := &http.Server{
		Handler:           localMux,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	agentServer := &http.Server{
		Handler:           agentMux,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	var metricsServer *http.Server
	if metricsListener != nil {
		metricsMux := http.NewServeMux()
		metricsMux.HandleFunc("/healthz", healthHandler)
		metricsMux.Handle("/metrics", metrics.Handler())
		metricsServer = &http.Server{
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       2 * time.Minute,
		}
	}

	return &Service{
		cfg:             cfg,
		store:           store,
		eventHub:        eventHub,
		catalogRemote:   playbooks.remote,
		catalogRefresh:  time.Duration(cfg.CatalogRefreshMinutes) * time.Minute,
		eventRetain:     time.Duration(cfg.EventRetainDays) * 24 * time.Hour,
		unixListener:    unixListener,
		agentListener:   agentListener,
		metricsListener: metricsListener,
		unixServer:      unixServer,
		agentServer:     agentServer,
		metricsServer:   metricsServer,
	}, nil
}

type catalogProviders struct {
	provider PlaybookSource
	remote   *catalog.RemoteProvider
}

func buildCatalog(cfg config.Config) (catalogProviders, error) {
	static, err := catalog.NewStaticProvider()
	if err != nil {
		return catalogProviders{}, err
	}
	if err := static.LoadDir(cfg.CatalogDir); err != nil {
		return catalogProviders{}, err
	}
	if strings.TrimSpace(cfg.CatalogURL) == "" {
		return catalogProviders{provider: static}, nil
	}
	remote := catalog.NewRemoteProvider(cfg.CatalogURL, static, log.Default())
	return catalogProviders{provider: remote, remote: remote}, nil
}

// Serve blocks until shutdown or a listener error occurs.
func (s *Service) Serve(ctx context.Context) error {
	log.Printf("fleetdeckd: listening on unix=%s", s.cfg.SocketPath)
	log.Printf("fleetdeckd: listening on agent=%s", s.cfg.AgentListen)
	if s.metricsListener != nil {
		log.Printf("fleetdeckd: listening on metrics=%s", s.cfg.MetricsListen)
	}
	if s.catalogRemote != nil {
		go s.catalogRemote.RefreshLoop(ctx, s.catalogRefresh)
	}
	if s.eventRetain > 0 {
		go s.pruneEventsLoop(ctx)
	}

	servers := 2
	if s.metricsServer != nil {
		servers = 3
	}
	errCh := make(chan error, servers)
	go func() { errCh <- s.unixServer.Serve(s.unixListener) }()
	go func() { errCh <- s.agentServer.Serve(s.agentListener) }()
	if s.metricsServer != nil {
		go func() { errCh <- s.metricsServer.Serve(s.metricsListener) }()
	}

	remaining := servers
	var serveErr error

	select {
	case <-ctx.Done():
		// graceful shutdown
	case err := <-errCh:
		remaining = servers - 1
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	}

	s.shutdown()
	for i := 0; i < remaining; i++ {
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) && serveErr == nil {
			serveErr = err
		}
	}

	_ = os.Remove(s.cfg.SocketPath)
	return serveErr
}

// pruneEventsLoop enforces the configured event retention, deleting audit
// rows older than the retention window once at startup and then hourly.
func (s *Service) pruneEventsLoop(ctx context.Context) {
	ticker := time.NewTicker(eventPruneInterval)
	defer ticker.Stop()
	s.pruneEvents(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pruneEvents(ctx)
		}
	}
}

func (s *Service) pruneEvents(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.eventRetain)
	pruned, err := s.store.PruneEventsBefore(ctx, cutoff)
	if err != nil {
		log.Printf("fleetdeckd: prune events: %v", err)
		return
	}
	if pruned > 0 {
		log.Printf("fleetdeckd: pruned %d events older than %s", pruned, cutoff.Format(time.RFC3339))
	}
}

func (s *Service) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = s.unixServer.Shutdown(ctx)
	_ = s.agentServer.Shutdown(ctx)
	if s.metricsServer != nil {
		_ = s.metricsServer.Shutdown(ctx)
	}
	if s.eventHub != nil {
		s.eventHub.Close()
	}
	if s.store != nil {
		_ = s.store.Close()
	}
}

func ensureDir(path string, perms os.FileMode) error {
	if path == "" {
		return errors.New("run_dir is required")
	}
	if err := os.MkdirAll(path, perms); err != nil {
		return fmt.Errorf("create dir %s: %w", path, err)
	}
	return nil
}

func listenUnix(socketPath string) (net.Listener, error) {
	if socketPath == "" {
		return nil, errors.New("socket_path is required")
	}
	if err := os.MkdirAll(filepath.Dir(socketPath), runDirPerms); err != nil {
		return nil, fmt.Errorf("create socket dir %s: %w", filepath.Dir(socketPath), err)
	}
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale socket %s: %w", socketPath, err)
	}
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, socketPerms); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket %s: %w", socketPath, err)
	}
	return listener, nil
}

func closeListeners(listeners ...net.Listener) {
	for _, l := range listeners {
		if l != nil {
			_ = l.Close()
		}
	}
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
