package segment

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound сессия не существует у источника точек
	ErrSessionNotFound = errors.New("session not found")
	// ErrOutOfOrder точки пришли не по возрастанию времени
	ErrOutOfOrder = errors.New("location fixes out of order")
	// ErrPartialReplace попытка сохранить результаты прогона, ограниченного cutoff
	ErrPartialReplace = errors.New("cannot replace session results from a cutoff-bounded run")
	// ErrSessionBusy по сессии уже идет прогон
	ErrSessionBusy = errors.New("segmentation already running for session")
)

// TransientError ошибка источника данных или хранилища, прогон можно повторить целиком
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Retryable всегда true
func (e *TransientError) Retryable() bool {
	return true
}

// IsRetryable проверяет, можно ли повторить прогон
func IsRetryable(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
