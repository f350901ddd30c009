package models

import "time"

// MovementEvent перемещение между двумя последовательными стоянками
type MovementEvent struct {
	ID                    string        `json:"id"`
	SessionID             string        `json:"session_id"`
	SubjectID             string        `json:"subject_id"`
	StartedAt             time.Time     `json:"started_at"`
	EndedAt               time.Time     `json:"ended_at"`
	StartLatitude         float64       `json:"start_latitude"`
	StartLongitude        float64       `json:"start_longitude"`
	EndLatitude           float64       `json:"end_latitude"`
	EndLongitude          float64       `json:"end_longitude"`
	GreatCircleDistanceKm float64       `json:"great_circle_distance_km"`
	CorrectedDistanceKm   float64       `json:"corrected_distance_km"`
	DurationMinutes       float64       `json:"duration_minutes"`
	TransportMode         TransportMode `json:"transport_mode"`
	TransitPointCount     int           `json:"transit_point_count"`
	LowAccuracyPointCount int           `json:"low_accuracy_point_count"`
	PrecedingClusterID    *string       `json:"preceding_cluster_id,omitempty"` // nil, если сессия началась в движении
	FollowingClusterID    *string       `json:"following_cluster_id,omitempty"` // nil для незавершенного перемещения
	HasCoverageGap        bool          `json:"has_coverage_gap"`
	StartPlaceID          *string       `json:"start_place_id,omitempty"`
	EndPlaceID            *string       `json:"end_place_id,omitempty"`
}

// Start возвращает начальную точку
func (e MovementEvent) Start() GeoPoint {
	return GeoPoint{Latitude: e.StartLatitude, Longitude: e.StartLongitude}
}

// End возвращает конечную точку
func (e MovementEvent) End() GeoPoint {
	return GeoPoint{Latitude: e.EndLatitude, Longitude: e.EndLongitude}
}

// IsOpen true для перемещения, которое еще не закончилось стоянкой
func (e MovementEvent) IsOpen() bool {
	return e.FollowingClusterID == nil
}
