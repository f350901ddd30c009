package models

import "time"

// StationaryCluster подтвержденный период пребывания в одной небольшой области
type StationaryCluster struct {
	ID                string    `json:"id"`
	SessionID         string    `json:"session_id"`
	SubjectID         string    `json:"subject_id"`
	CentroidLatitude  float64   `json:"centroid_latitude"`
	CentroidLongitude float64   `json:"centroid_longitude"`
	CentroidAccuracy  float64   `json:"centroid_accuracy"`
	StartedAt         time.Time `json:"started_at"`
	EndedAt           time.Time `json:"ended_at"`
	DurationSeconds   int64     `json:"duration_seconds"`
	PointCount        int       `json:"point_count"`
	GapSeconds        int64     `json:"gap_seconds"`        // Суммарное время пропусков сверх льготного периода
	GapEpisodeCount   int       `json:"gap_episode_count"`
	MatchedPlaceID    *string   `json:"matched_place_id,omitempty"`
}

// Centroid возвращает центр кластера
func (c StationaryCluster) Centroid() GeoPoint {
	return GeoPoint{Latitude: c.CentroidLatitude, Longitude: c.CentroidLongitude}
}

// Overlaps проверяет пересечение полуинтервалов [StartedAt, EndedAt)
func (c StationaryCluster) Overlaps(other StationaryCluster) bool {
	return c.StartedAt.Before(other.EndedAt) && other.StartedAt.Before(c.EndedAt)
}

// PointClusterTag привязка точки к кластеру (ClusterID == nil для транзитных точек)
type PointClusterTag struct {
	FixID     int64   `json:"fix_id"`
	ClusterID *string `json:"cluster_id,omitempty"`
}
