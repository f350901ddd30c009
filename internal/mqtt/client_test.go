package mqtt

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flybeeper/session-segmenter/internal/config"
	"github.com/flybeeper/session-segmenter/internal/models"
	"github.com/flybeeper/session-segmenter/pkg/utils"
)

func testMQTTConfig() *config.MQTTConfig {
	return &config.MQTTConfig{
		URL:      "tcp://localhost:1883",
		ClientID: "segmenter-test",
		Topic:    "sessions/+/events",
	}
}

func TestNewClient_Validation(t *testing.T) {
	handler := func(*SessionEvent) error { return nil }

	_, err := NewClient(nil, utils.NopLogger(), handler)
	assert.Error(t, err)
	_, err = NewClient(testMQTTConfig(), nil, handler)
	assert.Error(t, err)
	_, err = NewClient(testMQTTConfig(), utils.NopLogger(), nil)
	assert.Error(t, err)
}

func TestClient_HandleMessage(t *testing.T) {
	var (
		mu       sync.Mutex
		received []*SessionEvent
	)
	handler := func(e *SessionEvent) error {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, e)
		if e.SessionID == "fails" {
			return errors.New("queue is full")
		}
		return nil
	}

	c, err := NewClient(testMQTTConfig(), utils.NopLogger(), handler)
	require.NoError(t, err)

	c.handleMessage("sessions/s-1/events", []byte(`{"event":"closed"}`))
	c.handleMessage("sessions/s-2/events", []byte(`not json`))
	c.handleMessage("sessions/fails/events", []byte(`{"event":"updated"}`))

	require.Len(t, received, 2)
	assert.Equal(t, "s-1", received[0].SessionID)
	assert.Equal(t, models.RunModeComplete, received[0].RunContext().Mode)
	assert.Equal(t, "fails", received[1].SessionID)
}

func TestClient_PingWhenDisconnected(t *testing.T) {
	c, err := NewClient(testMQTTConfig(), utils.NopLogger(), func(*SessionEvent) error { return nil })
	require.NoError(t, err)

	assert.False(t, c.IsConnected())
	assert.Error(t, c.Ping(context.Background()))
}
