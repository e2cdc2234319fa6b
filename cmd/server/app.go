package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	lkauth "github.com/livekit/protocol/auth"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"

	"github.com/tariel-x/callsignal/internal/auth"
	"github.com/tariel-x/callsignal/internal/config"
	"github.com/tariel-x/callsignal/internal/grace"
	"github.com/tariel-x/callsignal/internal/handlers"
	"github.com/tariel-x/callsignal/internal/lkclient"
	"github.com/tariel-x/callsignal/internal/metrics"
	"github.com/tariel-x/callsignal/internal/notify"
	"github.com/tariel-x/callsignal/internal/presence"
	"github.com/tariel-x/callsignal/internal/recording"
	"github.com/tariel-x/callsignal/internal/rooms"
	"github.com/tariel-x/callsignal/internal/signaling"
	"github.com/tariel-x/callsignal/internal/storage"
	"github.com/tariel-x/callsignal/internal/store"
	"github.com/tariel-x/callsignal/internal/turn"
	"github.com/tariel-x/callsignal/internal/webhook"
)

const (
	webhookRPS   = 20
	webhookBurst = 200
)

// app owns every long-lived component of the serve command.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	promRegistry *prometheus.Registry
	metrics      *metrics.Metrics

	store        *store.Store
	redis        *redis.Client
	verifier     *auth.Verifier
	registry     *rooms.Registry
	grace        *grace.Manager
	hub          *signaling.Hub
	relay        *signaling.Relay
	ws           *signaling.Server
	ice          *turn.Provider
	turnServer   *turn.Server
	livekit      *lkclient.Client
	presence     *presence.Updater
	directory    *presence.Directory
	orchestrator *recording.Orchestrator
	webhook      *webhook.Dispatcher
	notifier     *notify.Notifier
	browser      *storage.Browser
	api          *handlers.Handlers
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	a.promRegistry = prometheus.NewRegistry()
	a.promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.New(a.promRegistry)

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	a.store = st

	var presenceStore interface {
		presence.Store
		presence.BusySource
	} = st
	if cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		presenceStore = presence.NewRedisStore(a.redis)
		logger.Info("presence backend", "backend", "redis", "addr", cfg.Redis.Addr)
	}
	a.presence = presence.NewUpdater(presenceStore, logger, a.metrics)
	a.directory = presence.NewDirectory(st, presenceStore)

	a.verifier = auth.NewVerifier(cfg.Auth.JWTSecret)

	var turnURLs []string
	turnURLs = append(turnURLs, cfg.TURN.URLs...)
	if cfg.TURN.Embedded {
		a.turnServer, err = turn.NewServer(turn.ServerConfig{
			Port:     cfg.TURN.Port,
			Realm:    cfg.TURN.Realm,
			Secret:   cfg.TURN.Secret,
			PublicIP: cfg.TURN.PublicIP,
		}, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		logger.Info("turn server started", "port", cfg.TURN.Port)
		if len(turnURLs) == 0 {
			turnURLs = []string{fmt.Sprintf("turn:%s:%d", cfg.HTTP.Domain, cfg.TURN.Port)}
		}
	}
	a.ice = turn.NewProvider(turn.ProviderConfig{
		STUNServers:        cfg.TURN.STUNServers,
		TURNURLs:           turnURLs,
		Secret:             cfg.TURN.Secret,
		CredentialTTL:      cfg.TURN.CredentialTTL,
		CloudflareKeyID:    cfg.TURN.CloudflareKeyID,
		CloudflareAPIToken: cfg.TURN.CloudflareAPIToken,
	}, logger)

	a.registry = rooms.NewRegistry()
	a.grace = grace.NewManager(cfg.Grace.Period, nil, logger)
	a.hub = signaling.NewHub()
	a.relay = signaling.NewRelay(a.registry, a.grace, a.hub, a.presence, logger, a.metrics)
	a.ws = signaling.NewServer(a.relay, a.hub, a.verifier, a.ice, signaling.ServerOptions{
		AllowGuests: cfg.Auth.AllowGuests,
	}, logger, a.metrics)

	a.livekit = newLiveKitClient(cfg)
	a.orchestrator = recording.NewOrchestrator(a.livekit, a.presence, logger, a.metrics)
	a.webhook = webhook.NewDispatcher(
		lkauth.NewSimpleKeyProvider(cfg.LiveKit.APIKey, cfg.LiveKit.APISecret),
		a.orchestrator, logger, a.metrics,
	)

	deps := handlers.Deps{
		Rooms:      a.registry,
		Recordings: a.orchestrator,
		ICE:        a.ice,
		LiveKit:    a.livekit,
		LiveKitURL: cfg.LiveKit.URL,
		Presence:   a.presence,
		Push:       st,
		Users:      a.directory,
		Debug:      cfg.SlogLevel() <= slog.LevelDebug,
		Logger:     logger,
	}
	if cfg.VAPIDKeys != nil {
		a.notifier = notify.NewNotifier(st, notify.VAPIDKeys{
			PublicKey:  cfg.VAPIDKeys.PublicKey,
			PrivateKey: cfg.VAPIDKeys.PrivateKey,
			Subject:    cfg.VAPIDKeys.Subject,
		}, logger)
		deps.Notifier = a.notifier
	}
	if cfg.S3.Bucket != "" {
		a.browser, err = storage.NewBrowser(storage.Config{
			Endpoint:       cfg.S3.Endpoint,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			Bucket:         cfg.S3.Bucket,
			Region:         cfg.S3.Region,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
			Prefix:         cfg.LiveKit.RecordingsPrefix,
			URLExpiry:      cfg.S3.URLExpiry,
		})
		if err != nil {
			logger.Warn("recordings browser disabled", "error", err)
		} else {
			deps.Browser = a.browser
		}
	}
	a.api = handlers.New(deps)

	return a, nil
}

func newLiveKitClient(cfg *config.Config) *lkclient.Client {
	return lkclient.New(lkclient.Config{
		URL:              cfg.LiveKit.URL,
		APIKey:           cfg.LiveKit.APIKey,
		APISecret:        cfg.LiveKit.APISecret,
		RecordingsPrefix: cfg.LiveKit.RecordingsPrefix,
		S3: lkclient.S3Output{
			AccessKey:      cfg.S3.AccessKey,
			Secret:         cfg.S3.SecretKey,
			Bucket:         cfg.S3.Bucket,
			Region:         cfg.S3.Region,
			Endpoint:       cfg.S3.Endpoint,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		},
	})
}

func (a *app) Handler() http.Handler {
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(a.logger))

	tokenLimiter := handlers.NewIPRateLimiter(a.cfg.RateLimit.RPS, a.cfg.RateLimit.Burst)
	webhookLimiter := handlers.NewIPRateLimiter(webhookRPS, webhookBurst)
	requireUser := auth.Middleware(a.verifier, true)

	router.GET("/health", a.api.Health)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(a.promRegistry, promhttp.HandlerOpts{})))
	router.GET("/ws", a.ws.HandleWebSocket)
	router.POST("/livekit/webhook", webhookLimiter.Middleware(), a.webhook.Handle)

	api := router.Group("/api")
	{
		api.GET("/client-config", a.api.GetClientConfig)
		api.GET("/push/vapid-public-key", a.api.GetVAPIDPublicKey)
		api.GET("/users/:id", a.api.GetUser)

		api.GET("/turn-credentials", requireUser, a.api.GetTURNCredentials)
		api.POST("/token", tokenLimiter.Middleware(), requireUser, a.api.CreateToken)
		api.POST("/send-notification", requireUser, a.api.SendNotification)
		api.POST("/push/subscribe", requireUser, a.api.SubscribePush)
		api.GET("/recordings", requireUser, a.api.ListRecordings)
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   a.cfg.HTTP.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "Accept", "Origin", "Cache-Control", "X-Requested-With"},
		AllowCredentials: true,
	})
	return c.Handler(router)
}

// Close releases components in reverse dependency order. Pending grace timers
// are dropped without firing.
func (a *app) Close() {
	if a.grace != nil {
		a.grace.Close()
	}
	if a.hub != nil {
		a.hub.CloseAll()
	}
	if a.ice != nil {
		a.ice.Stop()
	}
	if a.turnServer != nil {
		if err := a.turnServer.Close(); err != nil {
			a.logger.Warn("turn server close", "error", err)
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("store close", "error", err)
		}
	}
}
