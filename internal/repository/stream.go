package repository

import (
	"database/sql"
	"fmt"

	"github.com/flybeeper/session-segmenter/internal/models"
)

// rowStream поток точек поверх курсора БД
type rowStream struct {
	rows *sql.Rows
	fix  models.LocationFix
	err  error
}

func (s *rowStream) Next() bool {
	if s.err != nil || !s.rows.Next() {
		return false
	}

	var (
		fix        models.LocationFix
		capturedAt int64
		accuracy   sql.NullFloat64
		speed      sql.NullFloat64
	)
	if err := s.rows.Scan(&fix.ID, &fix.SessionID, &capturedAt, &fix.Latitude, &fix.Longitude, &accuracy, &speed); err != nil {
		s.err = fmt.Errorf("failed to scan location fix: %w", err)
		return false
	}
	fix.CapturedAt = fromMillis(capturedAt)
	if accuracy.Valid {
		fix.AccuracyMeters = models.Float64(accuracy.Float64)
	}
	if speed.Valid {
		fix.SpeedMps = models.Float64(speed.Float64)
	}

	s.fix = fix
	return true
}

func (s *rowStream) Fix() models.LocationFix {
	return s.fix
}

func (s *rowStream) Err() error {
	if s.err != nil {
		return s.err
	}
	return s.rows.Err()
}

func (s *rowStream) Close() error {
	return s.rows.Close()
}
