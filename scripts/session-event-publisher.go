package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/flybeeper/session-segmenter/internal/config"
	"github.com/flybeeper/session-segmenter/internal/models"
	"github.com/flybeeper/session-segmenter/internal/repository"
	"github.com/flybeeper/session-segmenter/pkg/utils"
)

// Конфигурация тестовых данных
type TestConfig struct {
	BrokerURL   string
	ClientID    string
	Sessions    int
	Updates     int
	PublishRate time.Duration
	RandomSeed  int64
	StartLat    float64
	StartLon    float64
	Interval    time.Duration
	DBDriver    string
	DBDSN       string
}

// leg участок симулированной смены: стоянка или перемещение с постоянной скоростью
type leg struct {
	duration time.Duration
	speedMps float64
	heading  float64
}

// simulatedSession состояние симулированной сессии
type simulatedSession struct {
	session models.Session
	fixes   []models.LocationFix
}

// TestPublisher засевает сессии в БД и публикует события в MQTT
type TestPublisher struct {
	client mqtt.Client
	config *TestConfig
	rand   *rand.Rand
	repo   *repository.SQLRepository
}

func main() {
	var (
		brokerURL = flag.String("broker", "tcp://localhost:1883", "MQTT broker URL")
		clientID  = flag.String("client", "session-test-publisher", "MQTT client ID")
		sessions  = flag.Int("sessions", 3, "Number of simulated sessions")
		updates   = flag.Int("updates", 2, "Updated events per session before closing")
		rate      = flag.Duration("rate", 2*time.Second, "Delay between events of a session")
		seed      = flag.Int64("seed", time.Now().UnixNano(), "Random seed")
		lat       = flag.Float64("lat", 55.75, "Start latitude")
		lon       = flag.Float64("lon", 37.61, "Start longitude")
		interval  = flag.Duration("interval", 30*time.Second, "Fix interval")
		driver    = flag.String("db-driver", "sqlite", "Database driver (mysql or sqlite), empty to skip seeding")
		dsn       = flag.String("db-dsn", "file:segmenter.db?_pragma=busy_timeout(5000)", "Database DSN")
	)
	flag.Parse()

	cfg := &TestConfig{
		BrokerURL:   *brokerURL,
		ClientID:    *clientID,
		Sessions:    *sessions,
		Updates:     *updates,
		PublishRate: *rate,
		RandomSeed:  *seed,
		StartLat:    *lat,
		StartLon:    *lon,
		Interval:    *interval,
		DBDriver:    *driver,
		DBDSN:       *dsn,
	}

	publisher, err := NewTestPublisher(cfg)
	if err != nil {
		log.Fatalf("Ошибка создания издателя: %v", err)
	}
	defer publisher.Close()

	fmt.Printf("Брокер: %s, сессий: %d, промежуточных событий: %d\n", cfg.BrokerURL, cfg.Sessions, cfg.Updates)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("Получен сигнал завершения")
		cancel()
	}()

	if err := publisher.Run(ctx); err != nil {
		log.Fatalf("Ошибка публикации: %v", err)
	}
	fmt.Println("Публикация завершена")
}

// NewTestPublisher подключается к брокеру и, если задан драйвер, к БД
func NewTestPublisher(cfg *TestConfig) (*TestPublisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(cfg.ClientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("ошибка подключения к MQTT брокеру: %w", token.Error())
	}

	p := &TestPublisher{
		client: client,
		config: cfg,
		rand:   rand.New(rand.NewSource(cfg.RandomSeed)),
	}

	if cfg.DBDriver != "" {
		logger := utils.NewLogger("info", "text")
		repo, err := repository.NewSQLRepository(&config.DatabaseConfig{
			Driver:       cfg.DBDriver,
			DSN:          cfg.DBDSN,
			MaxIdleConns: 1,
			MaxOpenConns: 1,
		}, logger)
		if err != nil {
			client.Disconnect(250)
			return nil, err
		}
		if err := repo.Migrate(); err != nil {
			repo.Close()
			client.Disconnect(250)
			return nil, err
		}
		p.repo = repo
	}

	return p, nil
}

// Close закрывает соединения
func (p *TestPublisher) Close() {
	if p.repo != nil {
		p.repo.Close()
	}
	p.client.Disconnect(250)
}

// Run симулирует сессии и публикует по ним события updated, затем closed
func (p *TestPublisher) Run(ctx context.Context) error {
	start := time.Now().UTC().Add(-4 * time.Hour).Truncate(time.Second)

	for i := 0; i < p.config.Sessions; i++ {
		sim := p.simulate(fmt.Sprintf("sim-%d-%d", p.config.RandomSeed, i), start)

		if p.repo != nil {
			if err := p.repo.SaveSession(ctx, sim.session); err != nil {
				return err
			}
			if err := p.repo.InsertFixes(ctx, sim.fixes); err != nil {
				return err
			}
		}

		var cutoff *time.Time
		step := len(sim.fixes) / (p.config.Updates + 1)
		for u := 1; u <= p.config.Updates && step > 0; u++ {
			if err := p.publish(sim.session.ID, "updated", cutoff, sim.session.SubjectID); err != nil {
				return err
			}
			at := sim.fixes[u*step].CapturedAt
			cutoff = &at

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(p.config.PublishRate):
			}
		}

		if err := p.publish(sim.session.ID, "closed", nil, sim.session.SubjectID); err != nil {
			return err
		}
		fmt.Printf("Сессия %s: %d точек\n", sim.session.ID, len(sim.fixes))
	}
	return nil
}

// publish отправляет событие в sessions/{id}/events
func (p *TestPublisher) publish(sessionID, event string, cutoff *time.Time, subjectID string) error {
	payload, err := json.Marshal(map[string]interface{}{
		"session_id": sessionID,
		"event":      event,
		"cutoff":     cutoff,
		"subject_id": subjectID,
	})
	if err != nil {
		return err
	}

	topic := fmt.Sprintf("sessions/%s/events", sessionID)
	token := p.client.Publish(topic, 1, false, payload)
	token.Wait()
	return token.Error()
}

// simulate строит смену: стоянка, пешком, на машине, стоянка, пешком обратно
func (p *TestPublisher) simulate(sessionID string, start time.Time) simulatedSession {
	heading := p.rand.Float64() * 2 * math.Pi
	legs := []leg{
		{duration: 20 * time.Minute},
		{duration: 5 * time.Minute, speedMps: 1.4, heading: heading},
		{duration: 15 * time.Minute, speedMps: 12, heading: heading},
		{duration: 30 * time.Minute},
		{duration: 4 * time.Minute, speedMps: 1.3, heading: heading + math.Pi/2},
		{duration: 15 * time.Minute},
	}

	lat := p.config.StartLat + p.rand.Float64()*0.1 - 0.05
	lon := p.config.StartLon + p.rand.Float64()*0.1 - 0.05
	at := start

	var fixes []models.LocationFix
	for _, l := range legs {
		steps := int(l.duration / p.config.Interval)
		for s := 0; s < steps; s++ {
			dist := l.speedMps * p.config.Interval.Seconds()
			lat += dist * math.Cos(l.heading) / metersPerDegree
			lon += dist * math.Sin(l.heading) / (metersPerDegree * math.Cos(lat*math.Pi/180))

			// Шум позиции в пределах точности
			accuracy := 5 + p.rand.Float64()*15
			jitter := accuracy / 3 / metersPerDegree
			fixes = append(fixes, models.LocationFix{
				SessionID:      sessionID,
				CapturedAt:     at,
				Latitude:       lat + (p.rand.Float64()*2-1)*jitter,
				Longitude:      lon + (p.rand.Float64()*2-1)*jitter,
				AccuracyMeters: models.Float64(accuracy),
				SpeedMps:       models.Float64(l.speedMps),
			})
			at = at.Add(p.config.Interval)
		}
	}

	ended := at
	return simulatedSession{
		session: models.Session{
			ID:        sessionID,
			SubjectID: fmt.Sprintf("subject-%d", p.rand.Intn(100)),
			StartedAt: start,
			EndedAt:   &ended,
		},
		fixes: fixes,
	}
}

const metersPerDegree = models.EarthRadiusMeters * math.Pi / 180
