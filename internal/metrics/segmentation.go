package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunsTotal прогоны сегментации по режиму и результату
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "segmenter_runs_total",
		Help: "Total number of segmentation runs",
	}, []string{"mode", "status"}) // status: success, not_found, busy, transient, error

	// RunDuration длительность прогона
	RunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "segmenter_run_duration_seconds",
		Help:    "Duration of segmentation runs in seconds",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{"mode"})

	// FixesTotal точки по результату чтения
	FixesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "segmenter_fixes_total",
		Help: "Location fixes seen by the reader",
	}, []string{"outcome"}) // outcome: processed, discarded, before_cutoff

	// ClustersDetected подтвержденные стоянки
	ClustersDetected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "segmenter_clusters_detected_total",
		Help: "Number of confirmed stationary clusters",
	})

	// EventsEmitted перемещения по типу передвижения
	EventsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "segmenter_movement_events_total",
		Help: "Number of movement events emitted",
	}, []string{"transport_mode"})

	// TripsRejected отброшенные кандидаты по причине
	TripsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "segmenter_trips_rejected_total",
		Help: "Number of trip candidates rejected by validity filters",
	}, []string{"reason"})

	// TrackerTransitions переходы автомата кластеров
	TrackerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "segmenter_tracker_transitions_total",
		Help: "Cluster tracker state transitions",
	}, []string{"kind"}) // kind: promotion, false_alarm, abandoned_tentative, gap_episode

	// CollaboratorErrors ошибки классификатора и справочника мест
	CollaboratorErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "segmenter_collaborator_errors_total",
		Help: "Errors returned by the transport classifier or location resolver",
	}, []string{"collaborator"})

	// RunQueueSize текущая длина очереди прогонов
	RunQueueSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "segmenter_run_queue_size",
		Help: "Current number of queued segmentation runs",
	})

	// RunQueueRejected отклоненные постановки в очередь
	RunQueueRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "segmenter_run_queue_rejected_total",
		Help: "Number of runs rejected by the queue",
	}, []string{"reason"}) // reason: full, stopped

	// PlacesLoaded размер справочника мест
	PlacesLoaded = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "segmenter_places_loaded",
		Help: "Number of places loaded into the resolver",
	})
)
