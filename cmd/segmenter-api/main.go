package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flybeeper/session-segmenter/internal/classify"
	"github.com/flybeeper/session-segmenter/internal/config"
	"github.com/flybeeper/session-segmenter/internal/handler"
	"github.com/flybeeper/session-segmenter/internal/metrics"
	"github.com/flybeeper/session-segmenter/internal/mqtt"
	"github.com/flybeeper/session-segmenter/internal/places"
	"github.com/flybeeper/session-segmenter/internal/repository"
	"github.com/flybeeper/session-segmenter/internal/segment"
	"github.com/flybeeper/session-segmenter/internal/service"
	"github.com/flybeeper/session-segmenter/pkg/utils"
)

var (
	// Version будет установлен при сборке через ldflags
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Загружаем конфигурацию
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := utils.NewLogger(config.LogLevel(), config.LogFormat())
	utils.SetDefaultLogger(logger)
	logger.WithField("version", Version).Info("Starting session segmenter")
	metrics.SetAppInfo(Version, Commit, BuildTime)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// База данных: фиксы, сессии, результаты, справочник мест
	sqlRepo, err := repository.NewSQLRepository(&cfg.Database, logger)
	if err != nil {
		logger.WithField("error", err).Fatal("Failed to initialize database repository")
	}
	defer sqlRepo.Close()

	if cfg.Database.AutoMigrate {
		if err := sqlRepo.Migrate(); err != nil {
			logger.WithField("error", err).Fatal("Failed to apply migrations")
		}
	}
	if err := sqlRepo.Ping(ctx); err != nil {
		logger.WithField("error", err).Fatal("Failed to connect to database")
	}
	metrics.DatabaseConnectionStatus.Set(1)
	logger.WithField("driver", cfg.Database.Driver).Info("Connected to database")

	checks := map[string]handler.HealthChecker{"database": sqlRepo}

	// Redis опционален: блокировки сессий и гео-индекс мест
	var redisRepo *repository.RedisRepository
	var locker service.Locker = service.NewLocalLocker()
	if cfg.Redis.Enabled {
		redisRepo, err = repository.NewRedisRepository(&cfg.Redis, logger)
		if err != nil {
			logger.WithField("error", err).Fatal("Failed to initialize Redis repository")
		}
		defer redisRepo.Close()

		if err := redisRepo.Ping(ctx); err != nil {
			logger.WithField("error", err).Fatal("Failed to connect to Redis")
		}
		metrics.RedisConnectionStatus.Set(1)
		logger.Info("Connected to Redis")

		locker, err = service.NewRedisLocker(redisRepo, cfg.Performance.LockTTL, logger)
		if err != nil {
			logger.WithField("error", err).Fatal("Failed to initialize session locker")
		}
		checks["redis"] = redisRepo
	}

	resolver, err := newResolver(cfg, redisRepo, logger)
	if err != nil {
		logger.WithField("error", err).Fatal("Failed to initialize places resolver")
	}
	if err := resolver.Refresh(ctx, sqlRepo); err != nil {
		logger.WithField("error", err).Fatal("Failed to load places")
	}
	places.StartRefresh(ctx, resolver, sqlRepo, cfg.Places.RefreshInterval, logger)

	classifier, err := classify.NewSpeedClassifier(&cfg.Classifier, logger)
	if err != nil {
		logger.WithField("error", err).Fatal("Failed to initialize transport classifier")
	}

	engine, err := segment.NewEngine(segment.ParametersFromConfig(cfg.Segmentation), sqlRepo, sqlRepo, classifier, resolver, logger)
	if err != nil {
		logger.WithField("error", err).Fatal("Failed to initialize segmentation engine")
	}

	svc, err := service.NewSegmentationService(engine, locker, cfg.Performance.RunTimeout, logger)
	if err != nil {
		logger.WithField("error", err).Fatal("Failed to initialize segmentation service")
	}

	queue, err := service.NewRunQueue(svc, service.QueueConfig{
		Workers:       cfg.Performance.WorkerPoolSize,
		Size:          cfg.Performance.QueueSize,
		RunsPerSecond: cfg.Performance.RunsPerSecond,
		Burst:         cfg.Performance.RunBurst,
		MaxRetries:    service.DefaultQueueConfig().MaxRetries,
		RetryDelay:    service.DefaultQueueConfig().RetryDelay,
	}, logger)
	if err != nil {
		logger.WithField("error", err).Fatal("Failed to initialize run queue")
	}

	// MQTT: события закрытия и обновления сессий ставят прогоны в очередь
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.NewClient(&cfg.MQTT, logger, func(event *mqtt.SessionEvent) error {
			return queue.Enqueue(event.SessionID, event.RunContext())
		})
		if err != nil {
			logger.WithField("error", err).Fatal("Failed to initialize MQTT client")
		}
		if err := mqttClient.Connect(); err != nil {
			logger.WithField("error", err).Fatal("Failed to connect to MQTT broker")
		}
		logger.Info("Connected to MQTT broker")
		checks["mqtt"] = mqttClient
	}

	server, err := handler.NewServer(cfg, handler.Dependencies{
		Runner:  svc,
		Queue:   queue,
		Results: sqlRepo,
		Checks:  checks,
	}, logger)
	if err != nil {
		logger.WithField("error", err).Fatal("Failed to initialize HTTP server")
	}

	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithField("error", err).Fatal("Failed to start HTTP server")
		}
	}()

	// Ждем сигнала остановки
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	logger.WithField("signal", sig).Info("Received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithField("error", err).Error("HTTP server shutdown error")
	}
	if mqttClient != nil {
		mqttClient.Disconnect()
	}
	if err := queue.Stop(shutdownCtx); err != nil {
		logger.WithField("error", err).Warn("Run queue did not drain")
	}
	cancel()

	logger.Info("Server stopped gracefully")
}

type placesResolver interface {
	segment.LocationResolver
	places.Refresher
}

// newResolver выбирает реализацию справочника мест
func newResolver(cfg *config.Config, redisRepo *repository.RedisRepository, logger *utils.Logger) (placesResolver, error) {
	if cfg.Places.Backend == "redis" {
		if redisRepo == nil {
			return nil, errors.New("places backend redis requires REDIS_ENABLED")
		}
		return places.NewRedisResolver(redisRepo.GetClient(), cfg.Places.SearchRadiusMeters, logger)
	}
	return places.NewIndexResolver(cfg.Places.GeohashPrecision, logger)
}
