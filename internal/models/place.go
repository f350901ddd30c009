package models

import "fmt"

// Place известное место с геозоной
type Place struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	RadiusMeters float64 `json:"radius_meters"`
}

// Point возвращает центр геозоны
func (p Place) Point() GeoPoint {
	return GeoPoint{Latitude: p.Latitude, Longitude: p.Longitude}
}

// Validate проверяет корректность места
func (p Place) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("place id is required")
	}
	if err := p.Point().Validate(); err != nil {
		return err
	}
	if p.RadiusMeters <= 0 {
		return fmt.Errorf("place %s: radius must be positive", p.ID)
	}
	return nil
}
