package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	"github.com/flybeeper/session-segmenter/internal/config"
	"github.com/flybeeper/session-segmenter/internal/models"
	"github.com/flybeeper/session-segmenter/internal/segment"
	"github.com/flybeeper/session-segmenter/pkg/utils"
)

// Поддерживаемые драйверы
const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite"
)

// driverNames имя драйвера database/sql для каждого диалекта
var driverNames = map[string]string{
	DriverMySQL:  "mysql",
	DriverSQLite: "sqlite",
}

// batchSize максимальное число строк в одном INSERT
const batchSize = 500

// SQLRepository хранилище сессий, точек и результатов сегментации (MySQL или SQLite)
type SQLRepository struct {
	db     *sql.DB
	driver string
	dsn    string
	logger *utils.Logger
}

// NewSQLRepository создает новый SQL репозиторий
func NewSQLRepository(cfg *config.DatabaseConfig, logger *utils.Logger) (*SQLRepository, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database config cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}
	driverName, ok := driverNames[cfg.Driver]
	if !ok {
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := sql.Open(driverName, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s connection: %w", cfg.Driver, err)
	}

	// Настройки connection pool
	if cfg.Driver == DriverSQLite {
		// SQLite допускает только одного писателя
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetConnMaxLifetime(1 * time.Hour)
	}

	return &SQLRepository{
		db:     db,
		driver: cfg.Driver,
		dsn:    cfg.DSN,
		logger: logger,
	}, nil
}

// Ping проверяет соединение с базой
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close закрывает соединение с базой
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// GetSession загружает сессию по ID
func (r *SQLRepository) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	var (
		session   models.Session
		startedAt int64
		endedAt   sql.NullInt64
	)

	err := r.db.QueryRowContext(ctx,
		`SELECT id, subject_id, started_at, ended_at FROM sessions WHERE id = ?`, sessionID,
	).Scan(&session.ID, &session.SubjectID, &startedAt, &endedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, segment.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	session.StartedAt = fromMillis(startedAt)
	if endedAt.Valid {
		t := fromMillis(endedAt.Int64)
		session.EndedAt = &t
	}
	return &session, nil
}

// StreamFixes открывает курсор по точкам сессии, упорядоченным по времени и ID.
// При заданном cutoff возвращаются только точки строго позже него.
func (r *SQLRepository) StreamFixes(ctx context.Context, sessionID string, cutoff *time.Time) (segment.FixStream, error) {
	query := `
		SELECT id, session_id, captured_at, latitude, longitude, accuracy_meters, speed_mps
		FROM location_fixes
		WHERE session_id = ?`
	args := []interface{}{sessionID}
	if cutoff != nil {
		query += ` AND captured_at > ?`
		args = append(args, toMillis(*cutoff))
	}
	query += ` ORDER BY captured_at, id`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query location fixes: %w", err)
	}
	return &rowStream{rows: rows}, nil
}

// ReplaceSessionResults атомарно заменяет кластеры, перемещения и привязку точек сессии
func (r *SQLRepository) ReplaceSessionResults(ctx context.Context, sessionID string, clusters []models.StationaryCluster, events []models.MovementEvent, tags []models.PointClusterTag) error {
	start := time.Now()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin replace transaction: %w", err)
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM movement_events WHERE session_id = ?`,
		`DELETE FROM stationary_clusters WHERE session_id = ?`,
		`UPDATE location_fixes SET cluster_id = NULL WHERE session_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, sessionID); err != nil {
			return fmt.Errorf("failed to clear previous results: %w", err)
		}
	}

	if err := r.insertClusters(ctx, tx, clusters); err != nil {
		return err
	}
	if err := r.insertEvents(ctx, tx, events); err != nil {
		return err
	}
	if err := r.tagFixes(ctx, tx, sessionID, tags); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit replace transaction: %w", err)
	}

	r.logger.WithFields(map[string]interface{}{
		"session_id": sessionID,
		"clusters":   len(clusters),
		"events":     len(events),
		"tags":       len(tags),
		"duration":   time.Since(start),
	}).Debug("Replaced session results")
	return nil
}

func (r *SQLRepository) insertClusters(ctx context.Context, tx *sql.Tx, clusters []models.StationaryCluster) error {
	const fields = 13
	for from := 0; from < len(clusters); from += batchSize {
		batch := clusters[from:min(from+batchSize, len(clusters))]
		args := make([]interface{}, 0, len(batch)*fields)
		for _, c := range batch {
			args = append(args,
				c.ID, c.SessionID, c.SubjectID,
				c.CentroidLatitude, c.CentroidLongitude, c.CentroidAccuracy,
				toMillis(c.StartedAt), toMillis(c.EndedAt), c.DurationSeconds,
				c.PointCount, c.GapSeconds, c.GapEpisodeCount, nullString(c.MatchedPlaceID))
		}

		query := `
			INSERT INTO stationary_clusters (
				id, session_id, subject_id,
				centroid_latitude, centroid_longitude, centroid_accuracy,
				started_at, ended_at, duration_seconds,
				point_count, gap_seconds, gap_episode_count, matched_place_id
			) VALUES ` + generatePlaceholders(len(batch), fields)
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to insert clusters: %w", err)
		}
	}
	return nil
}

func (r *SQLRepository) insertEvents(ctx context.Context, tx *sql.Tx, events []models.MovementEvent) error {
	const fields = 20
	for from := 0; from < len(events); from += batchSize {
		batch := events[from:min(from+batchSize, len(events))]
		args := make([]interface{}, 0, len(batch)*fields)
		for _, e := range batch {
			args = append(args,
				e.ID, e.SessionID, e.SubjectID,
				toMillis(e.StartedAt), toMillis(e.EndedAt),
				e.StartLatitude, e.StartLongitude, e.EndLatitude, e.EndLongitude,
				e.GreatCircleDistanceKm, e.CorrectedDistanceKm, e.DurationMinutes,
				string(e.TransportMode), e.TransitPointCount, e.LowAccuracyPointCount,
				nullString(e.PrecedingClusterID), nullString(e.FollowingClusterID),
				e.HasCoverageGap, nullString(e.StartPlaceID), nullString(e.EndPlaceID))
		}

		query := `
			INSERT INTO movement_events (
				id, session_id, subject_id, started_at, ended_at,
				start_latitude, start_longitude, end_latitude, end_longitude,
				great_circle_distance_km, corrected_distance_km, duration_minutes,
				transport_mode, transit_point_count, low_accuracy_point_count,
				preceding_cluster_id, following_cluster_id,
				has_coverage_gap, start_place_id, end_place_id
			) VALUES ` + generatePlaceholders(len(batch), fields)
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to insert movement events: %w", err)
		}
	}
	return nil
}

// tagFixes проставляет cluster_id точкам; транзитные точки остаются с NULL
func (r *SQLRepository) tagFixes(ctx context.Context, tx *sql.Tx, sessionID string, tags []models.PointClusterTag) error {
	byCluster := make(map[string][]int64)
	order := make([]string, 0)
	for _, tag := range tags {
		if tag.ClusterID == nil {
			continue
		}
		id := *tag.ClusterID
		if _, seen := byCluster[id]; !seen {
			order = append(order, id)
		}
		byCluster[id] = append(byCluster[id], tag.FixID)
	}

	for _, clusterID := range order {
		fixIDs := byCluster[clusterID]
		for from := 0; from < len(fixIDs); from += batchSize {
			batch := fixIDs[from:min(from+batchSize, len(fixIDs))]
			args := make([]interface{}, 0, len(batch)+2)
			args = append(args, clusterID, sessionID)
			for _, id := range batch {
				args = append(args, id)
			}

			query := `UPDATE location_fixes SET cluster_id = ? WHERE session_id = ? AND id IN (` +
				strings.TrimSuffix(strings.Repeat("?,", len(batch)), ",") + `)`
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("failed to tag location fixes: %w", err)
			}
		}
	}
	return nil
}

// GetSessionResults возвращает сохраненные кластеры и перемещения сессии
func (r *SQLRepository) GetSessionResults(ctx context.Context, sessionID string) ([]models.StationaryCluster, []models.MovementEvent, error) {
	if _, err := r.GetSession(ctx, sessionID); err != nil {
		return nil, nil, err
	}

	clusters, err := r.loadClusters(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	events, err := r.loadEvents(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	return clusters, events, nil
}

func (r *SQLRepository) loadClusters(ctx context.Context, sessionID string) ([]models.StationaryCluster, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, session_id, subject_id,
			centroid_latitude, centroid_longitude, centroid_accuracy,
			started_at, ended_at, duration_seconds,
			point_count, gap_seconds, gap_episode_count, matched_place_id
		FROM stationary_clusters
		WHERE session_id = ?
		ORDER BY started_at`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query clusters: %w", err)
	}
	defer rows.Close()

	clusters := make([]models.StationaryCluster, 0)
	for rows.Next() {
		var (
			c                  models.StationaryCluster
			startedAt, endedAt int64
			placeID            sql.NullString
		)
		if err := rows.Scan(
			&c.ID, &c.SessionID, &c.SubjectID,
			&c.CentroidLatitude, &c.CentroidLongitude, &c.CentroidAccuracy,
			&startedAt, &endedAt, &c.DurationSeconds,
			&c.PointCount, &c.GapSeconds, &c.GapEpisodeCount, &placeID,
		); err != nil {
			return nil, fmt.Errorf("failed to scan cluster: %w", err)
		}
		c.StartedAt = fromMillis(startedAt)
		c.EndedAt = fromMillis(endedAt)
		c.MatchedPlaceID = stringPtr(placeID)
		clusters = append(clusters, c)
	}
	return clusters, rows.Err()
}

func (r *SQLRepository) loadEvents(ctx context.Context, sessionID string) ([]models.MovementEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, session_id, subject_id, started_at, ended_at,
			start_latitude, start_longitude, end_latitude, end_longitude,
			great_circle_distance_km, corrected_distance_km, duration_minutes,
			transport_mode, transit_point_count, low_accuracy_point_count,
			preceding_cluster_id, following_cluster_id,
			has_coverage_gap, start_place_id, end_place_id
		FROM movement_events
		WHERE session_id = ?
		ORDER BY started_at`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query movement events: %w", err)
	}
	defer rows.Close()

	events := make([]models.MovementEvent, 0)
	for rows.Next() {
		var (
			e                        models.MovementEvent
			startedAt, endedAt       int64
			mode                     string
			preceding, following     sql.NullString
			startPlaceID, endPlaceID sql.NullString
		)
		if err := rows.Scan(
			&e.ID, &e.SessionID, &e.SubjectID, &startedAt, &endedAt,
			&e.StartLatitude, &e.StartLongitude, &e.EndLatitude, &e.EndLongitude,
			&e.GreatCircleDistanceKm, &e.CorrectedDistanceKm, &e.DurationMinutes,
			&mode, &e.TransitPointCount, &e.LowAccuracyPointCount,
			&preceding, &following,
			&e.HasCoverageGap, &startPlaceID, &endPlaceID,
		); err != nil {
			return nil, fmt.Errorf("failed to scan movement event: %w", err)
		}
		e.StartedAt = fromMillis(startedAt)
		e.EndedAt = fromMillis(endedAt)
		if e.TransportMode, err = models.ParseTransportMode(mode); err != nil {
			r.logger.WithField("event_id", e.ID).WithError(err).Warn("Unknown transport mode in storage")
		}
		e.PrecedingClusterID = stringPtr(preceding)
		e.FollowingClusterID = stringPtr(following)
		e.StartPlaceID = stringPtr(startPlaceID)
		e.EndPlaceID = stringPtr(endPlaceID)
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetFixClusterTags возвращает привязку точек сессии к кластерам в порядке времени
func (r *SQLRepository) GetFixClusterTags(ctx context.Context, sessionID string) ([]models.PointClusterTag, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, cluster_id FROM location_fixes WHERE session_id = ? ORDER BY captured_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query fix tags: %w", err)
	}
	defer rows.Close()

	tags := make([]models.PointClusterTag, 0)
	for rows.Next() {
		var (
			tag       models.PointClusterTag
			clusterID sql.NullString
		)
		if err := rows.Scan(&tag.FixID, &clusterID); err != nil {
			return nil, fmt.Errorf("failed to scan fix tag: %w", err)
		}
		tag.ClusterID = stringPtr(clusterID)
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

// ListPlaces возвращает справочник мест
func (r *SQLRepository) ListPlaces(ctx context.Context) ([]models.Place, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, latitude, longitude, radius_meters FROM places ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query places: %w", err)
	}
	defer rows.Close()

	places := make([]models.Place, 0)
	for rows.Next() {
		var p models.Place
		if err := rows.Scan(&p.ID, &p.Name, &p.Latitude, &p.Longitude, &p.RadiusMeters); err != nil {
			return nil, fmt.Errorf("failed to scan place: %w", err)
		}
		places = append(places, p)
	}
	return places, rows.Err()
}

// SaveSession создает или обновляет сессию
func (r *SQLRepository) SaveSession(ctx context.Context, session models.Session) error {
	var endedAt interface{}
	if session.EndedAt != nil {
		endedAt = toMillis(*session.EndedAt)
	}
	_, err := r.db.ExecContext(ctx,
		`REPLACE INTO sessions (id, subject_id, started_at, ended_at) VALUES (?, ?, ?, ?)`,
		session.ID, session.SubjectID, toMillis(session.StartedAt), endedAt)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// InsertFixes сохраняет батч точек. Явный ID сохраняется, нулевой назначается базой.
func (r *SQLRepository) InsertFixes(ctx context.Context, fixes []models.LocationFix) error {
	if len(fixes) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin batch transaction: %w", err)
	}
	defer tx.Rollback()

	const fields = 7
	for from := 0; from < len(fixes); from += batchSize {
		batch := fixes[from:min(from+batchSize, len(fixes))]
		args := make([]interface{}, 0, len(batch)*fields)
		for _, f := range batch {
			if err := f.Validate(); err != nil {
				return fmt.Errorf("invalid location fix: %w", err)
			}
			var id interface{}
			if f.ID != 0 {
				id = f.ID
			}
			args = append(args, id, f.SessionID, toMillis(f.CapturedAt),
				f.Latitude, f.Longitude, nullFloat(f.AccuracyMeters), nullFloat(f.SpeedMps))
		}

		query := `
			INSERT INTO location_fixes (
				id, session_id, captured_at, latitude, longitude, accuracy_meters, speed_mps
			) VALUES ` + generatePlaceholders(len(batch), fields)
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to batch insert location fixes: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch transaction: %w", err)
	}

	r.logger.WithField("count", len(fixes)).Debug("Saved location fixes batch")
	return nil
}

// SavePlaces создает или обновляет места
func (r *SQLRepository) SavePlaces(ctx context.Context, places []models.Place) error {
	if len(places) == 0 {
		return nil
	}

	const fields = 5
	args := make([]interface{}, 0, len(places)*fields)
	for _, p := range places {
		if err := p.Validate(); err != nil {
			return err
		}
		args = append(args, p.ID, p.Name, p.Latitude, p.Longitude, p.RadiusMeters)
	}

	query := `REPLACE INTO places (id, name, latitude, longitude, radius_meters) VALUES ` +
		generatePlaceholders(len(places), fields)
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to save places: %w", err)
	}
	return nil
}

// generatePlaceholders генерирует плейсхолдеры для batch INSERT
func generatePlaceholders(count, fieldsPerRecord int) string {
	if count == 0 {
		return ""
	}

	// Генерируем один набор плейсхолдеров (?,?,?...)
	singleRecord := "(" + strings.Repeat("?,", fieldsPerRecord-1) + "?)"

	placeholders := make([]string, count)
	for i := 0; i < count; i++ {
		placeholders[i] = singleRecord
	}

	return strings.Join(placeholders, ",")
}

// Время хранится как unix миллисекунды (одинаково для MySQL и SQLite)
func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}
