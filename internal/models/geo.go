package models

import (
	"fmt"

	"github.com/golang/geo/s2"
	"github.com/mmcloughlin/geohash"
)

// EarthRadiusMeters средний радиус Земли
const EarthRadiusMeters = 6371000.0

// GeoPoint представляет географическую точку
type GeoPoint struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
}

// Validate проверяет корректность координат
func (p GeoPoint) Validate() error {
	if p.Latitude < -90 || p.Latitude > 90 {
		return fmt.Errorf("invalid latitude: %f", p.Latitude)
	}
	if p.Longitude < -180 || p.Longitude > 180 {
		return fmt.Errorf("invalid longitude: %f", p.Longitude)
	}
	return nil
}

// DistanceMeters вычисляет расстояние по большому кругу до другой точки в метрах
func (p GeoPoint) DistanceMeters(other GeoPoint) float64 {
	a := s2.LatLngFromDegrees(p.Latitude, p.Longitude)
	b := s2.LatLngFromDegrees(other.Latitude, other.Longitude)
	return a.Distance(b).Radians() * EarthRadiusMeters
}

// DistanceTo вычисляет расстояние до другой точки в километрах
func (p GeoPoint) DistanceTo(other GeoPoint) float64 {
	return p.DistanceMeters(other) / 1000
}

// Geohash возвращает geohash для точки с заданной точностью
func (p GeoPoint) Geohash(precision int) string {
	return geohash.EncodeWithPrecision(p.Latitude, p.Longitude, uint(precision))
}
