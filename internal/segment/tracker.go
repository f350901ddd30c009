package segment

import (
	"fmt"
	"math"
	"time"

	"github.com/flybeeper/session-segmenter/internal/models"
)

// trackerState состояние трекера кластеров
type trackerState interface {
	isTrackerState()
}

// noCurrent точек еще не было
type noCurrent struct{}

// hasCurrent есть текущий кластер (подтвержденный или накапливающийся).
// tentative == nil означает отсутствие кандидата.
type hasCurrent struct {
	current   *PointAccumulator
	tentative *PointAccumulator
}

func (noCurrent) isTrackerState()   {}
func (*hasCurrent) isTrackerState() {}

// Promotion результат подтверждения кандидата
type Promotion struct {
	Departing *PointAccumulator // nil, если текущий кластер так и не был подтвержден
	Transit   *PointAccumulator
	Arriving  *PointAccumulator
}

// TrackerCounters счетчики решений трекера
type TrackerCounters struct {
	Promotions          int
	FalseAlarms         int
	AbandonedTentatives int
	GapEpisodes         int
}

// Tracker однопроходный автомат разбиения точек на кластеры и транзит
type Tracker struct {
	params  Parameters
	state   trackerState
	transit *PointAccumulator

	// Аккумулятор, в который попала предыдущая точка
	last   *PointAccumulator
	lastAt time.Time
	seen   bool

	counters TrackerCounters
}

// NewTracker создает трекер
func NewTracker(params Parameters) *Tracker {
	return &Tracker{
		params:  params,
		state:   noCurrent{},
		transit: NewPointAccumulator(),
	}
}

// Counters возвращает счетчики решений
func (t *Tracker) Counters() TrackerCounters {
	return t.counters
}

// Observe обрабатывает очередную точку. Возвращает Promotion, если точка
// подтвердила кандидата.
func (t *Tracker) Observe(fix models.LocationFix) (*Promotion, error) {
	if t.seen && fix.CapturedAt.Before(t.lastAt) {
		return nil, fmt.Errorf("%w: fix %d at %s precedes %s",
			ErrOutOfOrder, fix.ID, fix.CapturedAt.Format(time.RFC3339), t.lastAt.Format(time.RFC3339))
	}

	var excess time.Duration
	if t.seen {
		if elapsed := fix.CapturedAt.Sub(t.lastAt); elapsed > t.params.GapGrace {
			excess = elapsed - t.params.GapGrace
		}
	}
	t.lastAt = fix.CapturedAt
	t.seen = true

	accuracy := fix.Accuracy(t.params.DefaultAccuracyMeters)

	switch st := t.state.(type) {
	case noCurrent:
		current := NewPointAccumulator()
		t.add(current, fix, accuracy, excess)
		t.state = &hasCurrent{current: current}
		return nil, nil

	case *hasCurrent:
		if t.within(st.current, fix, accuracy) {
			if st.tentative != nil {
				// Ушли и вернулись: кандидат становится транзитом
				t.transit.Merge(st.tentative)
				st.tentative = nil
				t.counters.FalseAlarms++
			}
			t.addToCurrent(st.current, fix, accuracy, excess)
			return nil, nil
		}

		if st.tentative != nil && t.within(st.tentative, fix, accuracy) {
			t.add(st.tentative, fix, accuracy, excess)
			if st.tentative.Span() >= t.params.ConfirmationDuration {
				return t.promote(st), nil
			}
			return nil, nil
		}

		if st.tentative != nil {
			t.transit.Merge(st.tentative)
			t.counters.AbandonedTentatives++
		}
		st.tentative = NewPointAccumulator()
		t.add(st.tentative, fix, accuracy, excess)
		return nil, nil

	default:
		panic(fmt.Sprintf("unexpected tracker state %T", st))
	}
}

// Finish завершает поток. Возвращает последний подтвержденный кластер (или nil)
// и хвостовой транзит без следующего кластера.
func (t *Tracker) Finish() (final *PointAccumulator, trailing *PointAccumulator) {
	trailing = t.transit
	t.transit = NewPointAccumulator()

	st, ok := t.state.(*hasCurrent)
	t.state = noCurrent{}
	if !ok {
		return nil, trailing
	}

	if st.tentative != nil {
		trailing.Merge(st.tentative)
	}
	if t.confirmed(st.current) {
		return st.current, trailing
	}
	trailing.Merge(st.current)
	return nil, trailing
}

func (t *Tracker) promote(st *hasCurrent) *Promotion {
	promotion := &Promotion{
		Departing: st.current,
		Transit:   t.transit,
		Arriving:  st.tentative,
	}
	if !t.confirmed(st.current) {
		// Сессия началась в движении: точки "текущего" кластера тоже транзит
		promotion.Transit.Merge(st.current)
		promotion.Departing = nil
	}

	st.current = st.tentative
	st.tentative = nil
	t.transit = NewPointAccumulator()
	t.counters.Promotions++
	return promotion
}

// addToCurrent добавляет точку в текущий кластер. Пропуск перед точкой,
// вернувшейся в текущий кластер, всегда относится к нему, даже если
// предыдущая точка была ложным выходом.
func (t *Tracker) addToCurrent(current *PointAccumulator, fix models.LocationFix, accuracy float64, excess time.Duration) {
	t.last = current
	t.add(current, fix, accuracy, excess)
}

// add добавляет точку в target. Пропуск относится к target только если
// предыдущая точка попала туда же, иначе это пропуск во время перемещения.
func (t *Tracker) add(target *PointAccumulator, fix models.LocationFix, accuracy float64, excess time.Duration) {
	if excess > 0 {
		if target == t.last {
			target.AddGap(excess)
		} else {
			t.transit.AddGap(excess)
		}
		t.counters.GapEpisodes++
	}
	target.Add(fix, accuracy)
	t.last = target
}

func (t *Tracker) confirmed(acc *PointAccumulator) bool {
	return acc.Span() >= t.params.ConfirmationDuration
}

// within проверяет попадание в радиус с поправкой на точность: max(d - acc, 0) <= R
func (t *Tracker) within(acc *PointAccumulator, fix models.LocationFix, accuracy float64) bool {
	return AdjustedDistanceMeters(acc, fix, accuracy) <= t.params.ClusterRadiusMeters
}

// AdjustedDistanceMeters расстояние от центра аккумулятора до точки, уменьшенное на ее точность
func AdjustedDistanceMeters(acc *PointAccumulator, fix models.LocationFix, accuracy float64) float64 {
	centroid, _ := acc.Centroid()
	return math.Max(centroid.DistanceMeters(fix.Point())-accuracy, 0)
}
