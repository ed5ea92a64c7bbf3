package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/eventide/eventide/backend/go-services/handlers"
	"github.com/eventide/eventide/backend/go-services/internal/assignments"
	"github.com/eventide/eventide/backend/go-services/internal/config"
	"github.com/eventide/eventide/backend/go-services/internal/database"
	"github.com/eventide/eventide/backend/go-services/internal/idp"
	"github.com/eventide/eventide/backend/go-services/internal/oidc"
	"github.com/eventide/eventide/backend/go-services/internal/realtime"
	"github.com/eventide/eventide/backend/go-services/internal/tokens"
	"github.com/eventide/eventide/backend/go-services/internal/users"
	"github.com/eventide/eventide/backend/go-services/pkg/logger"
	"github.com/eventide/eventide/backend/go-services/pkg/metrics"
	"github.com/eventide/eventide/backend/go-services/pkg/middleware"
)

var startTime = time.Now()

func main() {
	// LOG_LEVEL: debug|info|warn|error|fatal
	logger.Init(os.Getenv("LOG_LEVEL"))
	logger.Debugf("startup: LOG_LEVEL=%s", logger.LevelString())

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatalf("failed to load config: %v", err)
	}
	logger.Infof("config loaded: keycloak=%v redis=%v insecure=%v", cfg.Keycloak.URL != "", cfg.Redis.Host != "", cfg.IdP.AllowInsecure)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// MongoDB holds the authoritative user records; retry to tolerate startup races
	const maxAttempts = 5
	backoff := time.Second
	var client *mongo.Client
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		client, err = database.ConnectMongo(ctx, cfg.MongoDB.URI, cfg.MongoDB.Timeout)
		if err == nil {
			break
		}
		logger.Warnf("attempt %d/%d: failed to connect to MongoDB: %v", attempt, maxAttempts, err)
		if attempt < maxAttempts {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	if err != nil {
		logger.Fatalf("could not connect to MongoDB after %d attempts: %v", maxAttempts, err)
	}
	db := client.Database(cfg.MongoDB.Database)
	if err := database.EnsureIndexes(ctx, db); err != nil {
		logger.Fatalf("failed to ensure indexes: %v", err)
	}

	// Redis is optional: it backs the shared rate limiter and the cross-instance realtime bus
	var rdb *redis.Client
	if addr := cfg.Redis.Addr(); addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warnf("redis ping failed (%s), continuing without it: %v", addr, err)
			_ = rdb.Close()
			rdb = nil
		} else {
			logger.Infof("connected to Redis at %s", addr)
		}
	}

	// identity provider
	var identities oidc.IdentityVerifier
	var exchanger handlers.CodeExchanger
	if cfg.Keycloak.URL != "" && cfg.Keycloak.ClientID != "" {
		dctx, dcancel := context.WithTimeout(ctx, cfg.IdP.Timeout)
		provider, err := oidc.Discover(dctx, cfg.Keycloak)
		dcancel()
		if err != nil {
			logger.Warnf("failed to initialize OIDC provider: %v", err)
		} else {
			identities = provider.Verifier()
			exchanger = provider.Exchanger()
		}
	}
	if identities == nil && cfg.IdP.AllowInsecure {
		logger.Warn("enabling insecure OIDC verifier (integration mode)")
		identities = oidc.NewInsecureVerifier()
	}
	if identities == nil {
		logger.Fatalf("no identity verifier available: set KEYCLOAK_URL and KEYCLOAK_CLIENT_ID")
	}

	var claims idp.ClaimWriter = idp.Noop{}
	if cfg.Keycloak.AdminClientID != "" {
		claims = idp.NewKeycloakAdmin(ctx, cfg.Keycloak)
		logger.Infof("role mirroring to %s enabled (always=%v)", cfg.Keycloak.Issuer(), cfg.IdP.MirrorAlways)
	} else {
		logger.Warnf("KEYCLOAK_ADMIN_CLIENT_ID not set; roles are not mirrored to the IdP")
	}

	tokenSvc := tokens.NewService(cfg.JWT, cfg.Cookie)
	reconciler := users.NewReconciler(users.NewMongoUserRepository(db.Collection(database.UsersCollection)), claims, cfg.IdP)
	assignSvc := assignments.NewService(assignments.NewMongoRepository(db.Collection(database.AssignmentCollection)), reconciler)
	authz := middleware.NewAuthorizer(tokenSvc, identities, reconciler, assignSvc, cfg.IdP.Timeout)

	// realtime hub, fed locally or through Redis when several instances run
	hub := realtime.NewHub(cfg.Realtime.SendBuffer)
	var publisher realtime.Publisher = realtime.NewLocalPublisher(hub)
	stopRelay := func() {}
	if rdb != nil {
		rp := realtime.NewRedisPublisher(rdb, cfg.Realtime.RedisChannel, hub)
		if stop, err := rp.Relay(ctx); err != nil {
			logger.Warnf("realtime relay unavailable, publishing locally: %v", err)
		} else {
			publisher, stopRelay = rp, stop
		}
	}

	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	// Lightweight CORS middleware for dev/test: set common headers and respond to OPTIONS.
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "Content-Length")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(200)
			return
		}
		c.Next()
	})
	r.Use(gin.Logger(), gin.Recovery())

	if cfg.RateLimit.Enabled {
		// a valid access cookie keys the limiter by subject instead of IP
		r.Use(authz.IdentifySession())
		if cfg.RateLimit.UseRedis && rdb != nil {
			win := time.Duration(cfg.RateLimit.WindowSeconds) * time.Second
			r.Use(middleware.RedisRateLimitMiddleware(rdb, cfg.RateLimit.RPS, cfg.RateLimit.Burst, win))
		} else {
			r.Use(middleware.RateLimitMiddleware(cfg.RateLimit.RPS, cfg.RateLimit.Burst, cfg.RateLimit.MaxKeys))
		}
		logger.Infof("rate limiter enabled: rps=%.1f burst=%d redis=%v", cfg.RateLimit.RPS, cfg.RateLimit.Burst, cfg.RateLimit.UseRedis && rdb != nil)
	}

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "healthy")
	})

	// readiness: 200 only when the user store (and Redis, when configured) answer
	r.GET("/ready", func(c *gin.Context) {
		pctx, pcancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer pcancel()
		ready := true
		deps := map[string]bool{"oidc": true}
		deps["mongo"] = client.Ping(pctx, nil) == nil
		ready = ready && deps["mongo"]
		if rdb != nil {
			deps["redis"] = rdb.Ping(pctx).Err() == nil
			ready = ready && deps["redis"]
		}
		status, code := "ready", http.StatusOK
		if !ready {
			status, code = "not_ready", http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{"status": status, "deps": deps, "uptime": time.Since(startTime).String()})
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.RegisterCollectors(reg)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	handlers.RegisterSwagger(r)
	handlers.NewAuthHandler(identities, exchanger, reconciler, tokenSvc, cfg.IdP.Timeout).Register(r, authz)
	api := r.Group("/api/v1")
	handlers.NewAdminHandler(reconciler, assignSvc).Register(api, authz)
	handlers.NewNotificationHandler(publisher).Register(api, authz)

	rt := gin.WrapH(realtime.NewAuthority(hub, tokenSvc).Handler(cfg.Realtime.Prefix))
	r.Any(cfg.Realtime.Prefix+"/*any", rt)

	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     r,
		ReadTimeout: cfg.Server.ReadTimeout,
		// no WriteTimeout: SockJS streaming transports hold responses open
	}
	go func() {
		logger.Infof("starting auth service on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("server failed: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Infof("shutting down")
	sctx, scancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer scancel()
	if err := srv.Shutdown(sctx); err != nil {
		logger.Warnf("http shutdown: %v", err)
	}
	reconciler.Wait()
	stopRelay()
	hub.Close()
	if rdb != nil {
		_ = rdb.Close()
	}
	if err := client.Disconnect(sctx); err != nil {
		logger.Warnf("mongo disconnect: %v", err)
	}
}
