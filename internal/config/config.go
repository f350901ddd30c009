package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config содержит конфигурацию приложения
type Config struct {
	Environment  string
	Server       ServerConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	MQTT         MQTTConfig
	Segmentation SegmentationConfig
	Classifier   ClassifierConfig
	Places       PlacesConfig
	Performance  PerformanceConfig
	Monitoring   MonitoringConfig
}

// ServerConfig конфигурация HTTP сервера
type ServerConfig struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DatabaseConfig конфигурация реляционного хранилища (mysql или sqlite)
type DatabaseConfig struct {
	Driver       string
	DSN          string
	MaxIdleConns int
	MaxOpenConns int
	AutoMigrate  bool
}

// RedisConfig конфигурация Redis
type RedisConfig struct {
	Enabled      bool
	URL          string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
}

// MQTTConfig конфигурация MQTT
type MQTTConfig struct {
	Enabled      bool
	URL          string
	ClientID     string
	Username     string
	Password     string
	CleanSession bool
	Topic        string
}

// SegmentationConfig параметры алгоритма сегментации
type SegmentationConfig struct {
	MaxAccuracyMeters        float64
	DefaultAccuracyMeters    float64
	ClusterRadiusMeters      float64
	ConfirmationDuration     time.Duration
	GapGrace                 time.Duration
	RoadFactor               float64
	MinTripKm                float64
	MinDrivingKm             float64
	MinDrivingDisplacementKm float64
	MaxWanderPoints          int
	MinStraightness          float64
	MinWalkingDisplacementKm float64
	LowAccuracyMeters        float64
}

// ClassifierConfig пороги классификатора типа передвижения
type ClassifierConfig struct {
	WalkingMaxSpeedMps float64
	DrivingMinSpeedMps float64
	MinPoints          int
}

// PlacesConfig настройки справочника мест
type PlacesConfig struct {
	Backend            string // "memory" или "redis"
	GeohashPrecision   int
	SearchRadiusMeters float64
	RefreshInterval    time.Duration
}

// PerformanceConfig конфигурация производительности
type PerformanceConfig struct {
	WorkerPoolSize int
	QueueSize      int
	RunsPerSecond  float64
	RunBurst       int
	RunTimeout     time.Duration
	LockTTL        time.Duration
}

// MonitoringConfig конфигурация мониторинга
type MonitoringConfig struct {
	MetricsEnabled bool
}

// Load загружает конфигурацию из переменных окружения
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Address:      getEnv("SERVER_ADDRESS", ":8090"),
			ReadTimeout:  getDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getDuration("SERVER_WRITE_TIMEOUT", 60*time.Second),
			IdleTimeout:  getDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
		},
		Database: DatabaseConfig{
			Driver:       getEnv("DB_DRIVER", "mysql"),
			DSN:          getEnv("DB_DSN", ""),
			MaxIdleConns: getInt("DB_MAX_IDLE_CONNS", 10),
			MaxOpenConns: getInt("DB_MAX_OPEN_CONNS", 50),
			AutoMigrate:  getBool("DB_AUTO_MIGRATE", false),
		},
		Redis: RedisConfig{
			Enabled:      getBool("REDIS_ENABLED", true),
			URL:          getEnv("REDIS_URL", "redis://localhost:6379"),
			Password:     getEnv("REDIS_PASSWORD", ""),
			DB:           getInt("REDIS_DB", 0),
			PoolSize:     getInt("REDIS_POOL_SIZE", 20),
			MinIdleConns: getInt("REDIS_MIN_IDLE_CONNS", 2),
		},
		MQTT: MQTTConfig{
			Enabled:      getBool("MQTT_ENABLED", false),
			URL:          getEnv("MQTT_URL", "tcp://localhost:1883"),
			ClientID:     getEnv("MQTT_CLIENT_ID", "session-segmenter"),
			Username:     getEnv("MQTT_USERNAME", ""),
			Password:     getEnv("MQTT_PASSWORD", ""),
			CleanSession: getBool("MQTT_CLEAN_SESSION", false),
			Topic:        getEnv("MQTT_TOPIC", "sessions/+/events"),
		},
		Segmentation: SegmentationConfig{
			MaxAccuracyMeters:        getFloat("SEG_MAX_ACCURACY_METERS", 200),
			DefaultAccuracyMeters:    getFloat("SEG_DEFAULT_ACCURACY_METERS", 20),
			ClusterRadiusMeters:      getFloat("SEG_CLUSTER_RADIUS_METERS", 50),
			ConfirmationDuration:     getDuration("SEG_CONFIRMATION_DURATION", 3*time.Minute),
			GapGrace:                 getDuration("SEG_GAP_GRACE", 5*time.Minute),
			RoadFactor:               getFloat("SEG_ROAD_FACTOR", 1.3),
			MinTripKm:                getFloat("SEG_MIN_TRIP_KM", 0.2),
			MinDrivingKm:             getFloat("SEG_MIN_DRIVING_KM", 0.5),
			MinDrivingDisplacementKm: getFloat("SEG_MIN_DRIVING_DISPLACEMENT_KM", 0.05),
			MaxWanderPoints:          getInt("SEG_MAX_WANDER_POINTS", 10),
			MinStraightness:          getFloat("SEG_MIN_STRAIGHTNESS", 0.10),
			MinWalkingDisplacementKm: getFloat("SEG_MIN_WALKING_DISPLACEMENT_KM", 0.1),
			LowAccuracyMeters:        getFloat("SEG_LOW_ACCURACY_METERS", 50),
		},
		Classifier: ClassifierConfig{
			WalkingMaxSpeedMps: getFloat("CLASSIFIER_WALKING_MAX_SPEED_MPS", 2.5),
			DrivingMinSpeedMps: getFloat("CLASSIFIER_DRIVING_MIN_SPEED_MPS", 5.0),
			MinPoints:          getInt("CLASSIFIER_MIN_POINTS", 2),
		},
		Places: PlacesConfig{
			Backend:            getEnv("PLACES_BACKEND", "memory"),
			GeohashPrecision:   getInt("PLACES_GEOHASH_PRECISION", 6),
			SearchRadiusMeters: getFloat("PLACES_SEARCH_RADIUS_METERS", 500),
			RefreshInterval:    getDuration("PLACES_REFRESH_INTERVAL", 10*time.Minute),
		},
		Performance: PerformanceConfig{
			WorkerPoolSize: getInt("WORKER_POOL_SIZE", 4),
			QueueSize:      getInt("RUN_QUEUE_SIZE", 1000),
			RunsPerSecond:  getFloat("RUNS_PER_SECOND", 20),
			RunBurst:       getInt("RUN_BURST", 10),
			RunTimeout:     getDuration("RUN_TIMEOUT", 2*time.Minute),
			LockTTL:        getDuration("SESSION_LOCK_TTL", 5*time.Minute),
		},
		Monitoring: MonitoringConfig{
			MetricsEnabled: getBool("METRICS_ENABLED", true),
		},
	}

	// Валидация
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate проверяет корректность конфигурации
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("SERVER_ADDRESS is required")
	}

	// Проверка хранилища
	switch c.Database.Driver {
	case "mysql", "sqlite":
	default:
		return fmt.Errorf("DB_DRIVER must be mysql or sqlite, got %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("DB_DSN is required")
	}

	if c.Redis.Enabled && c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required when Redis is enabled")
	}

	if c.MQTT.Enabled && c.MQTT.URL == "" {
		return fmt.Errorf("MQTT_URL is required when MQTT is enabled")
	}

	if err := c.Segmentation.Validate(); err != nil {
		return err
	}

	// Проверка классификатора
	if c.Classifier.WalkingMaxSpeedMps <= 0 || c.Classifier.DrivingMinSpeedMps <= c.Classifier.WalkingMaxSpeedMps {
		return fmt.Errorf("CLASSIFIER speeds must satisfy 0 < walking max < driving min")
	}
	if c.Classifier.MinPoints < 1 {
		return fmt.Errorf("CLASSIFIER_MIN_POINTS must be positive")
	}

	// Проверка справочника мест
	switch c.Places.Backend {
	case "memory":
	case "redis":
		if !c.Redis.Enabled {
			return fmt.Errorf("PLACES_BACKEND=redis requires REDIS_ENABLED")
		}
	default:
		return fmt.Errorf("PLACES_BACKEND must be memory or redis, got %q", c.Places.Backend)
	}
	if c.Places.GeohashPrecision < 1 || c.Places.GeohashPrecision > 12 {
		return fmt.Errorf("PLACES_GEOHASH_PRECISION must be between 1 and 12")
	}
	if c.Places.SearchRadiusMeters <= 0 {
		return fmt.Errorf("PLACES_SEARCH_RADIUS_METERS must be positive")
	}

	// Проверка производительности
	if c.Performance.WorkerPoolSize <= 0 {
		return fmt.Errorf("WORKER_POOL_SIZE must be positive")
	}
	if c.Performance.QueueSize <= 0 {
		return fmt.Errorf("RUN_QUEUE_SIZE must be positive")
	}
	if c.Performance.RunsPerSecond <= 0 || c.Performance.RunBurst <= 0 {
		return fmt.Errorf("RUNS_PER_SECOND and RUN_BURST must be positive")
	}
	if c.Performance.LockTTL <= 0 {
		return fmt.Errorf("SESSION_LOCK_TTL must be positive")
	}
	// Блокировка в Redis не продлевается: прогон обязан завершиться раньше, чем она истечет
	if c.Redis.Enabled {
		if c.Performance.RunTimeout <= 0 {
			return fmt.Errorf("RUN_TIMEOUT must be positive when Redis session locks are enabled")
		}
		if c.Performance.LockTTL <= c.Performance.RunTimeout {
			return fmt.Errorf("SESSION_LOCK_TTL (%s) must exceed RUN_TIMEOUT (%s)", c.Performance.LockTTL, c.Performance.RunTimeout)
		}
	}

	return nil
}

// Validate проверяет параметры сегментации
func (s SegmentationConfig) Validate() error {
	positive := map[string]float64{
		"SEG_MAX_ACCURACY_METERS":         s.MaxAccuracyMeters,
		"SEG_DEFAULT_ACCURACY_METERS":     s.DefaultAccuracyMeters,
		"SEG_CLUSTER_RADIUS_METERS":       s.ClusterRadiusMeters,
		"SEG_CONFIRMATION_DURATION":       s.ConfirmationDuration.Seconds(),
		"SEG_GAP_GRACE":                   s.GapGrace.Seconds(),
		"SEG_ROAD_FACTOR":                 s.RoadFactor,
		"SEG_MIN_TRIP_KM":                 s.MinTripKm,
		"SEG_MIN_DRIVING_KM":              s.MinDrivingKm,
		"SEG_MIN_DRIVING_DISPLACEMENT_KM": s.MinDrivingDisplacementKm,
		"SEG_MAX_WANDER_POINTS":           float64(s.MaxWanderPoints),
		"SEG_MIN_STRAIGHTNESS":            s.MinStraightness,
		"SEG_MIN_WALKING_DISPLACEMENT_KM": s.MinWalkingDisplacementKm,
		"SEG_LOW_ACCURACY_METERS":         s.LowAccuracyMeters,
	}
	for key, value := range positive {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	if s.RoadFactor < 1 {
		return fmt.Errorf("SEG_ROAD_FACTOR must be at least 1")
	}
	return nil
}

// Helper функции для чтения переменных окружения

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// LogLevel возвращает уровень логирования
func LogLevel() string {
	return getEnv("LOG_LEVEL", "info")
}

// LogFormat возвращает формат логирования
func LogFormat() string {
	return getEnv("LOG_FORMAT", "json")
}

// IsProduction проверяет, запущено ли приложение в production
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
