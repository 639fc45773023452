package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	httpSwagger "github.com/swaggo/http-swagger"
	"go.uber.org/zap"

	"github.com/ruralpay/equb/docs"
	"github.com/ruralpay/equb/internal/config"
	"github.com/ruralpay/equb/internal/database"
	"github.com/ruralpay/equb/internal/handlers"
	"github.com/ruralpay/equb/internal/logger"
	mW "github.com/ruralpay/equb/internal/middleware"
	"github.com/ruralpay/equb/internal/services"
	"github.com/ruralpay/equb/internal/store"
)

// @title Equb API
// @version 1.0
// @description Rotating savings pools with bid-discounted round payouts
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	cfg, err := config.Load(os.Getenv("EQUB_CONFIG_FILE"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zlog, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zlog.Sync()

	docs.SwaggerInfo.Host = "localhost:" + cfg.Server.Port

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg, zlog)
	if err != nil {
		zlog.Fatal("failed to open store", zap.Error(err))
	}
	defer st.Close()

	redisClient := database.InitRedis(ctx, cfg.Redis, zlog)
	if redisClient != nil {
		defer redisClient.Close()
	}

	dispatcher := services.NewDispatcher(zlog)
	dispatcher.Subscribe(services.NewLogListener(zlog))
	if redisClient != nil {
		dispatcher.Subscribe(services.NewRedisPublisher(redisClient))
	}

	engine := services.NewEngine(st, zlog,
		services.WithDispatcher(dispatcher),
		services.WithRand(services.NewRand(time.Now().UnixNano())),
	)

	var lock services.TriggerLock
	if redisClient != nil {
		lock = services.NewRedisTriggerLock(redisClient, replicaName(), cfg.Engine.TriggerLockTTL)
	}
	scheduler := services.NewCronScheduler(ctx, engine, lock, zlog)
	engine.SetScheduler(scheduler)
	scheduler.Start()
	defer scheduler.Stop()

	if cfg.Engine.RecoverOnStart {
		if _, err := engine.RecoverSchedules(ctx); err != nil {
			zlog.Error("failed to recover winner selections", zap.Error(err))
		}
	}

	var qrHandler *handlers.QRHandler
	if redisClient != nil {
		qrHandler = handlers.NewQRHandler(services.NewPaymentQRService(engine, redisClient, cfg.Engine.PaymentQRTTL))
	}

	r := chi.NewRouter()

	r.Use(mW.SecurityHeaders)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Access-Control-Allow-Origin"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL(fmt.Sprintf("http://localhost:%s/swagger/doc.json", cfg.Server.Port)),
	))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(mW.AuthMiddleware(cfg.JWT.SecretKey))
		handlers.Routes(r,
			handlers.NewPoolHandler(engine),
			handlers.NewPaymentHandler(engine),
			handlers.NewRequestHandler(engine),
			qrHandler,
		)
	})

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		zlog.Info("server starting", zap.String("addr", server.Addr), zap.String("store", cfg.Engine.StoreDriver))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()

	zlog.Info("server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		zlog.Error("server forced to shutdown", zap.Error(err))
	}

	zlog.Info("server stopped")
}

func openStore(ctx context.Context, cfg *config.Config, zlog *zap.Logger) (store.Store, error) {
	switch cfg.Engine.StoreDriver {
	case "memory":
		zlog.Warn("using in-memory store, state is lost on restart")
		return store.NewMemoryStore(), nil
	case "postgres":
		db, err := database.InitDB(ctx, cfg.Database, zlog)
		if err != nil {
			return nil, err
		}
		if cfg.Database.Migrate {
			if err := database.Migrate(ctx, db); err != nil {
				db.Close()
				return nil, err
			}
			zlog.Info("database schema migrated")
		}
		return store.NewPostgresStore(db, zlog), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Engine.StoreDriver)
}

// replicaName identifies this process in trigger locks.
func replicaName() string {
	host, err := os.Hostname()
	if err != nil {
		host = "equb"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
