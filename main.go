package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"ml_backend_project/config"
	"ml_backend_project/models"
	"ml_backend_project/routes"
	"ml_backend_project/scheduler"
	"ml_backend_project/services/bridge"
	"ml_backend_project/services/dispatch"
	"ml_backend_project/services/export"
	"ml_backend_project/services/hub"
	"ml_backend_project/services/sampler"
	"ml_backend_project/services/sessionstore"

	"github.com/gin-gonic/gin"
)

// dbInitialized tracks whether the database has been successfully
// initialized, so the /ready endpoint can report it while startup continues
// in the background
var dbInitialized bool
var dbInitMutex sync.RWMutex

// app holds the service graph torn down at shutdown
type app struct {
	hub       *hub.Hub
	bridge    *bridge.Bridge
	sampler   *sampler.Sampler
	scheduler *scheduler.Scheduler
	archive   *export.Archive
	mongoSink *export.MongoSink
}

func main() {
	log.Println("==============================================")
	log.Println("  ML Session Backend - Starting...")
	log.Println("==============================================")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Printf("Warning: Config load issue: %v", err)
	}

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(requestLogger())

	// Health endpoints come up first so orchestration platforms can see the
	// service while the database initializes in the background
	setupHealthEndpoints(router)

	server := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	go func() {
		log.Printf("Server listening on 0.0.0.0:%s", cfg.Port)
		log.Println("==============================================")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	services := &app{}
	go func() {
		db, err := config.InitDB()
		if err != nil {
			log.Printf("ERROR: Database connection failed: %v", err)
			log.Println("Service will continue in limited mode (health check only)")
			return
		}

		log.Println("Running database migrations...")
		if err := models.MigrateUserModels(db); err != nil {
			log.Printf("ERROR: User migration failed: %v", err)
			return
		}
		if err := models.MigrateSessionModels(db); err != nil {
			log.Printf("ERROR: Session migration failed: %v", err)
			return
		}
		log.Println("Database migrations completed successfully")

		if err := models.SeedDefaultAdminUser(db); err != nil {
			log.Printf("Warning: Could not seed admin user: %v", err)
		}

		// Build the service graph: store -> hub -> bridge -> engine ->
		// dispatcher -> sampler. Constructed once, passed by reference.
		store := sessionstore.New(db)

		h := hub.New()
		h.SetSnapshotFunc(func(sessionID uint) *hub.Event {
			session, err := store.Get(sessionID)
			if err != nil {
				return nil
			}
			event := hub.NewProgressEvent(session)
			return &event
		})
		go h.Run()

		br := bridge.New(store, h)
		go br.Run()

		smp := sampler.New(store, br)

		engine := dispatch.NewProcessEngine(br)
		dispatcher := dispatch.New(store, engine, br)
		dispatcher.OnStarted = smp.Watch

		archive, err := export.OpenArchive(cfg.ArchivePath)
		if err != nil {
			log.Printf("Warning: Session archive unavailable: %v", err)
			archive = nil
		}
		mongoSink, err := export.NewMongoSink(context.Background())
		if err != nil {
			log.Printf("Warning: MongoDB export unavailable: %v", err)
			mongoSink = nil
		}

		dbInitMutex.Lock()
		dbInitialized = true
		dbInitMutex.Unlock()

		routes.SetupRoutes(router, db, &routes.Services{
			Store:      store,
			Dispatcher: dispatcher,
			Hub:        h,
		})

		jobScheduler := scheduler.NewScheduler(db, store, br, archive, mongoSink)
		jobScheduler.Start()

		services.hub = h
		services.bridge = br
		services.sampler = smp
		services.scheduler = jobScheduler
		services.archive = archive
		services.mongoSink = mongoSink

		log.Println("Application fully initialized with database")
	}()

	gracefulShutdown(server, services)
}

// setupHealthEndpoints sets up liveness and readiness probes
func setupHealthEndpoints(router *gin.Engine) {
	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"message": "ML Session Backend",
			"version": "1.0.0",
		})
	})

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/ready", func(c *gin.Context) {
		dbInitMutex.RLock()
		isDBReady := dbInitialized
		dbInitMutex.RUnlock()

		if !isDBReady {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "not_ready",
				"message": "Database not connected",
			})
			return
		}

		sqlDB, err := config.DB.DB()
		if err != nil || sqlDB.Ping() != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "not_ready",
				"message": "Database connection error",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	router.GET("/startup", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "started"})
	})
}

// corsMiddleware returns a CORS middleware handler
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Requested-With")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// requestLogger returns a request logging middleware
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Skip logging for health checks to reduce noise
		path := c.Request.URL.Path
		if path == "/health" || path == "/ready" || path == "/startup" {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()
		duration := time.Since(start)

		if c.Writer.Status() >= 400 || duration > 1*time.Second {
			log.Printf("%s %s %d %v", c.Request.Method, path, c.Writer.Status(), duration)
		}
	}
}

// gracefulShutdown tears the service graph down in dependency order
func gracefulShutdown(server *http.Server, services *app) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	log.Printf("Received signal %v, shutting down gracefully...", sig)

	if services.scheduler != nil {
		services.scheduler.Stop()
	}
	if services.sampler != nil {
		services.sampler.Shutdown()
	}
	if services.bridge != nil {
		services.bridge.Shutdown()
	}
	if services.hub != nil {
		services.hub.Shutdown()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	if services.archive != nil {
		services.archive.Close()
	}
	if services.mongoSink != nil {
		services.mongoSink.Close(ctx)
	}

	if config.DB != nil {
		sqlDB, err := config.DB.DB()
		if err == nil {
			sqlDB.Close()
			log.Println("Database connection closed")
		}
	}

	log.Println("Server shutdown completed")
}
