package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/speaklab/speaklab/config"
	"github.com/speaklab/speaklab/internal/api/handlers"
	"github.com/speaklab/speaklab/internal/api/middleware"
	"github.com/speaklab/speaklab/internal/api/routes"
	"github.com/speaklab/speaklab/internal/bridge"
	"github.com/speaklab/speaklab/internal/cache"
	"github.com/speaklab/speaklab/internal/logger"
	"github.com/speaklab/speaklab/internal/providers/realtime"
	mongorepo "github.com/speaklab/speaklab/internal/repositories/mongo"
	pgrepo "github.com/speaklab/speaklab/internal/repositories/postgres"
	"github.com/speaklab/speaklab/internal/services"
	"github.com/speaklab/speaklab/internal/storage"
)

func main() {
	_ = godotenv.Load()

	log := logger.New()

	if err := config.InitPostgres(); err != nil {
		log.WithError(err).Fatal("PostgreSQL init error")
	}
	log.Info("PostgreSQL connected")

	if err := config.InitRedis(); err != nil {
		log.WithError(err).Fatal("Redis init error")
	}
	log.Info("Redis connected")

	if err := config.InitMongo(); err != nil {
		log.WithError(err).Fatal("MongoDB init error")
	}
	if err := config.EnsureMongoIndexes(); err != nil {
		log.WithError(err).Fatal("MongoDB index error")
	}
	log.Info("MongoDB connected")

	db := config.PostgresDB
	rdb := config.RedisClient

	mongoName := os.Getenv("MONGO_DB")
	if mongoName == "" {
		mongoName = "speaklab"
	}
	mongoDB := config.MongoClient.Database(mongoName)

	// repositories
	sessionRepo := pgrepo.NewSessionRepo(db)
	transcriptRepo := pgrepo.NewTranscriptRepo(db)
	documentRepo := pgrepo.NewDocumentRepo(db)
	profileRepo := pgrepo.NewProfileRepo(db)
	eventRepo := mongorepo.NewEventRepo(mongoDB, 72*time.Hour)

	// services
	billingSvc := services.NewBillingService(profileRepo, log)
	sessionSvc := services.NewSessionService(sessionRepo, transcriptRepo, billingSvc)
	contextSvc := services.NewContextService(documentRepo, cache.NewRedisCache(rdb), nil, log)
	instructionSvc := services.NewInstructionService(profileRepo, contextSvc, log)

	// transcript archive is optional; without a bucket we just skip uploads
	var archive storage.Uploader
	var signer storage.Signer
	if bucket := os.Getenv("TRANSCRIPT_BUCKET"); bucket != "" {
		up, err := storage.NewGCSUploader(context.Background(), bucket)
		if err != nil {
			log.WithError(err).Warn("transcript archive disabled")
		} else {
			defer up.Close()
			archive = up
			signer = up
		}
	}

	b := &bridge.Bridge{
		Sessions:     sessionSvc,
		Instructions: instructionSvc,
		Dialer:       realtime.NewDialer(),
		Upstream:     realtime.ConfigFromEnv(),
		Redis:        rdb,
		Events:       eventRepo,
		Archive:      archive,
		Logger:       log,
	}
	if err := b.Init(); err != nil {
		log.WithError(err).Fatal("bridge init error")
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(log))

	routes.RegisterRoutes(r, routes.Deps{
		Session:     handlers.NewSessionHandler(sessionSvc, b, signer),
		Realtime:    handlers.NewRealtimeHandler(b),
		Diagnostics: handlers.NewDiagnosticsHandler(eventRepo),
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	srv := &http.Server{Addr: ":" + port, Handler: r}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server error")
		}
	}()
	log.WithField("port", port).Info("server started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")

	// close live sessions first so each runs its teardown and gets billed
	b.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.WithError(err).Error("server shutdown error")
	}
}
