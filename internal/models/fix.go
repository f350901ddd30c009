package models

import (
	"fmt"
	"time"
)

// LocationFix одна точка трека рабочей сессии
type LocationFix struct {
	ID             int64     `json:"id"`
	SessionID      string    `json:"session_id"`
	CapturedAt     time.Time `json:"captured_at"`
	Latitude       float64   `json:"latitude"`
	Longitude      float64   `json:"longitude"`
	AccuracyMeters *float64  `json:"accuracy_meters,omitempty"`
	SpeedMps       *float64  `json:"speed_mps,omitempty"`
}

// Point возвращает координаты точки
func (f LocationFix) Point() GeoPoint {
	return GeoPoint{Latitude: f.Latitude, Longitude: f.Longitude}
}

// Accuracy возвращает точность в метрах, подставляя значение по умолчанию для пустой
func (f LocationFix) Accuracy(defaultMeters float64) float64 {
	if f.AccuracyMeters == nil {
		return defaultMeters
	}
	return *f.AccuracyMeters
}

// Validate проверяет корректность точки
func (f LocationFix) Validate() error {
	if f.SessionID == "" {
		return fmt.Errorf("session id is required")
	}
	if f.CapturedAt.IsZero() {
		return fmt.Errorf("captured_at is required")
	}
	if err := f.Point().Validate(); err != nil {
		return err
	}
	if f.AccuracyMeters != nil && *f.AccuracyMeters < 0 {
		return fmt.Errorf("negative accuracy: %f", *f.AccuracyMeters)
	}
	if f.SpeedMps != nil && *f.SpeedMps < 0 {
		return fmt.Errorf("negative speed: %f", *f.SpeedMps)
	}
	return nil
}

// Float64 возвращает указатель на значение (для nullable полей)
func Float64(v float64) *float64 {
	return &v
}
