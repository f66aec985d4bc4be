package serve

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/chirino/conversation-service/internal/config"
	"github.com/chirino/conversation-service/internal/plugin/cache/noop"
	"github.com/chirino/conversation-service/internal/plugin/route/conversations"
	"github.com/chirino/conversation-service/internal/plugin/route/participants"
	"github.com/chirino/conversation-service/internal/plugin/route/readstate"
	routesystem "github.com/chirino/conversation-service/internal/plugin/route/system"
	storemetrics "github.com/chirino/conversation-service/internal/plugin/store/metrics"
	registrycache "github.com/chirino/conversation-service/internal/registry/cache"
	registrymigrate "github.com/chirino/conversation-service/internal/registry/migrate"
	registryroute "github.com/chirino/conversation-service/internal/registry/route"
	registrystore "github.com/chirino/conversation-service/internal/registry/store"
	"github.com/chirino/conversation-service/internal/security"
	"github.com/chirino/conversation-service/internal/service"
	"github.com/gin-gonic/gin"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Server holds the running server and its subsystems.
type Server struct {
	Config          *config.Config
	Store           registrystore.ConversationStore
	Cache           registrycache.UnreadCache
	Router          *gin.Engine
	GRPCServer      *grpc.Server
	Health          *health.Server
	Running         *RunningServers
	closeManagement func(context.Context) error
}

// Shutdown stops accepting work, drains in-flight requests and closes the store.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Health.Shutdown()
	if s.closeManagement != nil {
		_ = s.closeManagement(ctx)
	}
	err := s.Running.Close(ctx)
	if cerr := s.Store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if s.Cache != nil {
		if cerr := s.Cache.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// StartServer initializes all subsystems and starts HTTP+gRPC on a single port.
// Use cfg.Listener.Port=0 for a random port. Actual port: Server.Running.Port.
func StartServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	log.Info("Starting conversation service",
		"httpPort", cfg.Listener.Port,
		"db", cfg.DatastoreType,
		"cache", cfg.CacheType,
		"mode", cfg.Mode,
	)

	// Initialize Prometheus metrics with configured constant labels.
	metricsLabels, err := security.ParseMetricsLabels(cfg.MetricsLabels)
	if err != nil {
		return nil, fmt.Errorf("invalid --metrics-labels: %w", err)
	}
	security.InitMetrics(metricsLabels)

	if err := registrymigrate.RunAll(ctx); err != nil {
		return nil, fmt.Errorf("migrations failed: %w", err)
	}

	// The unread cache is an optimisation; run without it rather than fail.
	unreadCache := noop.New()
	if cacheLoader, err := registrycache.Select(cfg.CacheType); err != nil {
		log.Warn("Cache not available", "cache", cfg.CacheType, "err", err)
	} else if c, err := cacheLoader(ctx); err != nil {
		log.Warn("Failed to initialize cache", "cache", cfg.CacheType, "err", err)
	} else {
		unreadCache = c
	}

	storeLoader, err := registrystore.Select(cfg.DatastoreType)
	if err != nil {
		_ = unreadCache.Close()
		return nil, err
	}
	store, err := storeLoader(ctx)
	if err != nil {
		_ = unreadCache.Close()
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	store = storemetrics.Wrap(store)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.ManagementAccessLog {
		router.Use(security.AccessLogMiddleware())
	} else {
		router.Use(security.AccessLogMiddleware("/health", "/ready", "/metrics"))
	}
	router.Use(security.MetricsMiddleware())
	router.Use(maxBodySizeMiddleware(cfg.MaxBodySize))
	if cfg.CORSEnabled {
		router.Use(corsMiddleware(cfg.CORSOrigins))
	}

	deps := service.Deps{
		Store:          store,
		Cache:          unreadCache,
		Logger:         log.Default(),
		StoreTimeout:   cfg.StoreTimeout,
		UnreadFanout:   cfg.UnreadFanout,
		UnreadCacheTTL: cfg.UnreadCacheTTL,
	}
	guard := service.NewGuard(deps)
	membership := service.NewMembershipService(deps, guard)

	auth := security.AuthMiddleware(security.NewTokenResolver(cfg))
	conversations.MountRoutes(router, membership, auth)
	participants.MountRoutes(router, membership, auth)
	readstate.MountRoutes(router, readstate.Services{
		Reads:    service.NewReadCursorService(deps, guard),
		Unread:   service.NewUnreadService(deps),
		Messages: service.NewMessageService(deps, guard),
	}, auth)

	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	// Management routes run on a bare gin engine when a dedicated port is
	// configured, otherwise on the main router.
	var closeManagement func(context.Context) error
	if cfg.ManagementListenerEnabled {
		mgmtRouter := gin.New()
		mgmtRouter.Use(gin.Recovery())
		if cfg.ManagementAccessLog {
			mgmtRouter.Use(security.AccessLogMiddleware())
		}
		if err := registryroute.Mount(mgmtRouter); err != nil {
			_ = store.Close()
			_ = unreadCache.Close()
			return nil, fmt.Errorf("failed to load management routes: %w", err)
		}
		// Management listener shares TLS cert/key with the main listener.
		mgmtCfg := cfg.ManagementListener
		mgmtCfg.TLSCertFile = cfg.Listener.TLSCertFile
		mgmtCfg.TLSKeyFile = cfg.Listener.TLSKeyFile
		_, closeManagement, err = startManagementServer(mgmtCfg, mgmtRouter)
		if err != nil {
			_ = store.Close()
			_ = unreadCache.Close()
			return nil, fmt.Errorf("failed to start management server: %w", err)
		}
	} else if err := registryroute.Mount(router); err != nil {
		_ = store.Close()
		_ = unreadCache.Close()
		return nil, fmt.Errorf("failed to load management routes: %w", err)
	}

	running, err := StartSinglePortHTTPAndGRPC(ctx, cfg.Listener, router, grpcServer)
	if err != nil {
		if closeManagement != nil {
			_ = closeManagement(context.Background())
		}
		_ = store.Close()
		_ = unreadCache.Close()
		return nil, err
	}

	log.Info("Server listening",
		"port", running.Port,
		"plaintext", cfg.Listener.EnablePlainText,
		"tls", cfg.Listener.EnableTLS,
	)

	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	routesystem.MarkReady()
	return &Server{
		Config:          cfg,
		Store:           store,
		Cache:           unreadCache,
		Router:          router,
		GRPCServer:      grpcServer,
		Health:          healthServer,
		Running:         running,
		closeManagement: closeManagement,
	}, nil
}
