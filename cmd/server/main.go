package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"territory-platform/server/internal/archive"
	"territory-platform/server/internal/auth"
	"territory-platform/server/internal/config"
	"territory-platform/server/internal/db"
	"territory-platform/server/internal/locks"
	"territory-platform/server/internal/middleware"
	"territory-platform/server/internal/poller"
	"territory-platform/server/internal/ranked"
	"territory-platform/server/internal/session"
	"territory-platform/server/internal/shard"
	"territory-platform/server/internal/telemetry"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

var (
	cfg         config.Config
	authService *auth.Service
	manager     *session.Manager
	sink        archive.Sink
	coordinator *ranked.Coordinator
)

func main() {
	godotenv.Load()

	cfg = config.Load()

	database, err := db.New(db.Config{
		Driver:   config.GetEnv("DB_DRIVER", "sqlite"),
		Path:     config.GetEnv("DB_PATH", "ranked.db"),
		Host:     config.GetEnv("DB_HOST", "localhost"),
		Port:     config.GetEnv("DB_PORT", "3306"),
		User:     config.GetEnv("DB_USER", "root"),
		Password: config.GetEnv("DB_PASSWORD", ""),
		DBName:   config.GetEnv("DB_NAME", "territory_platform"),
	})
	if err != nil {
		log.Fatal("Database connection failed:", err)
	}
	sqlDB, err := database.DB.DB()
	if err != nil {
		log.Fatal("Failed to get database connection:", err)
	}
	defer sqlDB.Close()

	store, err := telemetry.New(telemetry.Config{
		Host:     config.GetEnv("REDIS_HOST", ""),
		Port:     config.GetEnv("REDIS_PORT", "6379"),
		Password: config.GetEnv("REDIS_PASSWORD", ""),
		DB:       config.GetEnvInt("REDIS_DB", 0),
	})
	if err != nil {
		log.Fatal("Telemetry store failed:", err)
	}
	defer store.Close()

	lockManager := locks.NewManager(store.Redis())

	authService = auth.NewService(cfg.JWTSecret)

	switch cfg.ArchiveBackend {
	case "database":
		sink = archive.NewDatabaseSink(database)
	default:
		sink = archive.NewMemorySink()
	}

	manager = session.NewManager(sink, session.Options{
		TurnInterval:        time.Duration(cfg.TurnIntervalMs) * time.Millisecond,
		DisconnectThreshold: cfg.DisconnectThreshold,
		EvictionThreshold:   cfg.EvictionThreshold,
		MaxDuration:         cfg.MaxSessionDuration,
	})

	coordinator = ranked.NewCoordinator(
		ranked.NewRepository(database),
		manager,
		lockManager,
		store,
		ranked.CoordinatorConfig{WorkerID: cfg.WorkerID, NumWorkers: cfg.NumWorkers},
	)
	manager.SetOnFinished(coordinator.SessionFinished)
	coordinator.Restore()

	stop := make(chan struct{})
	go manager.Run()
	go coordinator.RunMaintenance(stop)

	ctx, cancel := context.WithCancel(context.Background())
	matchmakerPoller := poller.New(poller.Config{
		MatchmakerURL: cfg.MatchmakerURL,
		WorkerID:      cfg.WorkerID,
		NumWorkers:    cfg.NumWorkers,
		AdminHeader:   cfg.AdminHeader,
		AdminToken:    cfg.AdminToken,
	}, manager)
	go matchmakerPoller.Run(ctx)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.Default()

	corsConfig := cors.Config{
		AllowOriginFunc: func(origin string) bool {
			return true // Allow all origins
		},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS", "PATCH"},
		AllowHeaders:     []string{"Content-Type", "Authorization", "X-Requested-With", "Accept", "Origin", cfg.AdminHeader},
		ExposeHeaders:    []string{"Content-Length", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           86400 * time.Second,
	}
	r.Use(cors.New(corsConfig))

	limiter := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig)
	defer limiter.Stop()
	r.Use(limiter.GinMiddleware())

	r.POST("/api/create_game/:id", handleCreateGame)
	r.POST("/api/start_game/:id", handleStartGame)
	r.PUT("/api/game/:id", handleUpdateGame)
	r.GET("/api/game/:id", handleGameInfo)
	r.GET("/api/game/:id/exists", handleGameExists)
	r.GET("/api/public_lobbies", handlePublicLobbies)
	r.POST("/api/archive_singleplayer_game", handleArchiveSingleplayer)
	r.POST("/api/kick_player/:id/:clientId", handleKickPlayer)

	rankedHandler := ranked.NewHandler(coordinator, authService)
	rankedHandler.RegisterRoutes(r)

	r.GET("/ws", handleSessionSocket)

	// Every request reaches this worker behind its /wN path prefix; the
	// wrapper strips it before gin sees the path.
	httpServer := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: shard.PrefixHandler(cfg.WorkerID, r),
	}

	go func() {
		log.Printf("Worker %d/%d listening on port %s (prefix %s)",
			cfg.WorkerID, cfg.NumWorkers, cfg.Port, shard.PathPrefix(cfg.WorkerID))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down...")
	cancel()
	close(stop)
	manager.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)
}
