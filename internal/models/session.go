package models

import (
	"fmt"
	"time"
)

// Session рабочая сессия (от clock-in до clock-out)
type Session struct {
	ID        string     `json:"id"`
	SubjectID string     `json:"subject_id"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// IsClosed true, если сессия завершена
func (s Session) IsClosed() bool {
	return s.EndedAt != nil
}

// RunMode режим запуска сегментации
type RunMode string

const (
	// RunModeComplete полный прогон по завершенной сессии
	RunModeComplete RunMode = "complete"
	// RunModeIncremental прогон по незавершенной сессии
	RunModeIncremental RunMode = "incremental"
)

// ParseRunMode разбирает режим запуска, пустая строка означает complete
func ParseRunMode(s string) (RunMode, error) {
	switch RunMode(s) {
	case "", RunModeComplete:
		return RunModeComplete, nil
	case RunModeIncremental:
		return RunModeIncremental, nil
	default:
		return "", fmt.Errorf("unknown run mode: %q", s)
	}
}

// SessionContext явный контекст запуска сегментации
type SessionContext struct {
	SubjectID string     `json:"subject_id"`
	Cutoff    *time.Time `json:"cutoff,omitempty"` // Время последней уже обработанной точки
	Mode      RunMode    `json:"mode"`
	// PersistInProgress разрешает сохранять результаты незавершенной сессии
	PersistInProgress bool `json:"persist_in_progress"`
}

// ShouldPersist сообщает, нужно ли сохранять результаты прогона
func (c SessionContext) ShouldPersist() bool {
	return c.Mode == RunModeComplete || c.PersistInProgress
}
