package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/flybeeper/session-segmenter/internal/models"
	"github.com/flybeeper/session-segmenter/pkg/utils"
)

// EventType тип события сессии
type EventType string

const (
	// EventClosed сессия завершена (clock-out), нужен полный прогон
	EventClosed EventType = "closed"
	// EventUpdated в незавершенную сессию пришли новые точки
	EventUpdated EventType = "updated"
)

// SessionEvent распарсенное событие из топика sessions/{id}/events
type SessionEvent struct {
	SessionID  string     `json:"session_id"`
	Event      EventType  `json:"event"`
	Cutoff     *time.Time `json:"cutoff,omitempty"`
	SubjectID  string     `json:"subject_id,omitempty"`
	Topic      string     `json:"-"`
	ReceivedAt time.Time  `json:"-"`
}

// RunContext контекст прогона для события: closed дает полный прогон с сохранением,
// updated дает инкрементальный прогон без сохранения
func (e *SessionEvent) RunContext() models.SessionContext {
	sc := models.SessionContext{SubjectID: e.SubjectID}
	switch e.Event {
	case EventClosed:
		sc.Mode = models.RunModeComplete
	default:
		sc.Mode = models.RunModeIncremental
		sc.Cutoff = e.Cutoff
	}
	return sc
}

// Parser парсер событий сессий
type Parser struct {
	logger *utils.Logger
}

// NewParser создает новый парсер
func NewParser(logger *utils.Logger) *Parser {
	return &Parser{logger: logger}
}

// Parse разбирает JSON событие. ID сессии берется из топика, если payload его не содержит.
func (p *Parser) Parse(topic string, payload []byte) (*SessionEvent, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty payload")
	}

	var event SessionEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("invalid session event payload: %w", err)
	}

	topicSessionID := sessionIDFromTopic(topic)
	switch {
	case event.SessionID == "":
		event.SessionID = topicSessionID
	case topicSessionID != "" && topicSessionID != event.SessionID:
		return nil, fmt.Errorf("session id mismatch: topic %q, payload %q", topicSessionID, event.SessionID)
	}
	if event.SessionID == "" {
		return nil, fmt.Errorf("session id is missing")
	}

	switch event.Event {
	case EventClosed, EventUpdated:
	default:
		return nil, fmt.Errorf("unsupported session event %q", event.Event)
	}

	if event.Event == EventClosed && event.Cutoff != nil {
		p.logger.WithField("session_id", event.SessionID).Debug("Ignoring cutoff on closed session event")
		event.Cutoff = nil
	}

	event.Topic = topic
	event.ReceivedAt = time.Now()
	return &event, nil
}

// sessionIDFromTopic извлекает {id} из sessions/{id}/events
func sessionIDFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != "sessions" || parts[2] != "events" {
		return ""
	}
	return parts[1]
}
