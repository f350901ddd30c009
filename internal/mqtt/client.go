package mqtt

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/flybeeper/session-segmenter/internal/config"
	"github.com/flybeeper/session-segmenter/internal/metrics"
	"github.com/flybeeper/session-segmenter/pkg/utils"
)

// Client подписчик на события сессий, запускающий сегментацию
type Client struct {
	client    mqtt.Client
	config    *config.MQTTConfig
	logger    *utils.Logger
	parser    *Parser
	handler   EventHandler
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	connected bool
	mu        sync.RWMutex
}

// EventHandler функция обработки события сессии
type EventHandler func(event *SessionEvent) error

// NewClient создает новый MQTT клиент
func NewClient(cfg *config.MQTTConfig, logger *utils.Logger, handler EventHandler) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if handler == nil {
		return nil, fmt.Errorf("event handler cannot be nil")
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &Client{
		config:  cfg,
		logger:  logger,
		parser:  NewParser(logger),
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
	}

	// Настройка MQTT клиента
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.URL)
	opts.SetClientID(cfg.ClientID)
	opts.SetCleanSession(cfg.CleanSession)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	// Подписка выполняется при каждом (пере)подключении
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		c.setConnected(true)
		c.logger.WithField("broker", cfg.URL).Info("Connected to MQTT broker")

		if token := client.Subscribe(cfg.Topic, 1, c.messageHandler()); token.Wait() && token.Error() != nil {
			c.logger.WithFields(map[string]interface{}{
				"topic": cfg.Topic,
				"error": token.Error(),
			}).Error("Failed to subscribe to topic")
		} else {
			c.logger.WithField("topic", cfg.Topic).Info("Subscribed to session events")
		}
	})

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		c.setConnected(false)
		c.logger.WithField("error", err).Warn("Lost connection to MQTT broker")
	})

	c.client = mqtt.NewClient(opts)

	return c, nil
}

// Connect подключается к MQTT брокеру
func (c *Client) Connect() error {
	c.logger.WithField("broker", c.config.URL).Info("Connecting to MQTT broker")

	token := c.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	// Ждем подтверждения подключения
	timeout := time.After(10 * time.Second)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-timeout:
			return fmt.Errorf("connection timeout")
		case <-ticker.C:
			if c.IsConnected() {
				return nil
			}
		case <-c.ctx.Done():
			return c.ctx.Err()
		}
	}
}

// Disconnect отключается от MQTT брокера и дожидается обработки полученных событий
func (c *Client) Disconnect() {
	c.logger.Info("Disconnecting from MQTT broker")

	c.cancel()

	if c.client.IsConnected() {
		c.client.Disconnect(1000) // 1 секунда на graceful disconnect
	}

	c.wg.Wait()
	c.setConnected(false)
	c.logger.Info("MQTT client disconnected")
}

// IsConnected проверяет статус подключения
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected && c.client.IsConnected()
}

// Ping для /health
func (c *Client) Ping(context.Context) error {
	if !c.IsConnected() {
		return fmt.Errorf("not connected to MQTT broker")
	}
	return nil
}

func (c *Client) setConnected(connected bool) {
	c.mu.Lock()
	c.connected = connected
	c.mu.Unlock()

	if connected {
		metrics.MQTTConnectionStatus.Set(1)
	} else {
		metrics.MQTTConnectionStatus.Set(0)
	}
}

// messageHandler создает обработчик MQTT сообщений
func (c *Client) messageHandler() mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.handleMessage(msg.Topic(), msg.Payload())
		}()
	}
}

// handleMessage разбирает событие и передает его обработчику
func (c *Client) handleMessage(topic string, payload []byte) {
	c.logger.WithFields(map[string]interface{}{
		"topic":        topic,
		"payload_size": len(payload),
	}).Debug("Received MQTT message")

	event, err := c.parser.Parse(topic, payload)
	if err != nil {
		c.logger.WithFields(map[string]interface{}{
			"topic": topic,
			"error": err,
		}).Warn("Failed to parse session event")
		metrics.MQTTParseErrors.Inc()
		return
	}

	metrics.MQTTMessagesReceived.WithLabelValues(string(event.Event)).Inc()

	log := c.logger.WithFields(map[string]interface{}{
		"session_id": event.SessionID,
		"event":      string(event.Event),
	})
	if err := c.handler(event); err != nil {
		log.WithError(err).Error("Session event handler failed")
		return
	}
	log.Debug("Session event dispatched")
}
