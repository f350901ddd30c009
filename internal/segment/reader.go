package segment

import (
	"time"

	"github.com/flybeeper/session-segmenter/internal/models"
)

// Reader фильтрует поток точек сессии: отбрасывает точки хуже MaxAccuracyMeters
// и точки не новее cutoff
type Reader struct {
	src    FixStream
	params Parameters
	cutoff *time.Time

	current   models.LocationFix
	read      int
	discarded int
	skipped   int
}

// NewReader создает Reader поверх источника
func NewReader(src FixStream, params Parameters, cutoff *time.Time) *Reader {
	return &Reader{src: src, params: params, cutoff: cutoff}
}

// Next продвигается к следующей пригодной точке
func (r *Reader) Next() bool {
	for r.src.Next() {
		fix := r.src.Fix()
		r.read++

		if r.cutoff != nil && !fix.CapturedAt.After(*r.cutoff) {
			r.skipped++
			continue
		}
		if fix.Accuracy(r.params.DefaultAccuracyMeters) > r.params.MaxAccuracyMeters {
			r.discarded++
			continue
		}

		r.current = fix
		return true
	}
	return false
}

// Fix текущая точка
func (r *Reader) Fix() models.LocationFix {
	return r.current
}

// Err ошибка источника
func (r *Reader) Err() error {
	return r.src.Err()
}

// Close закрывает источник
func (r *Reader) Close() error {
	return r.src.Close()
}

// Counts возвращает (прочитано, отброшено по точности, пропущено по cutoff)
func (r *Reader) Counts() (read, discarded, skipped int) {
	return r.read, r.discarded, r.skipped
}

// SliceStream FixStream поверх готового слайса
type SliceStream struct {
	fixes []models.LocationFix
	pos   int
}

// NewSliceStream создает поток из слайса
func NewSliceStream(fixes []models.LocationFix) *SliceStream {
	return &SliceStream{fixes: fixes, pos: -1}
}

func (s *SliceStream) Next() bool {
	if s.pos+1 >= len(s.fixes) {
		s.pos = len(s.fixes)
		return false
	}
	s.pos++
	return true
}

func (s *SliceStream) Fix() models.LocationFix { return s.fixes[s.pos] }
func (s *SliceStream) Err() error              { return nil }
func (s *SliceStream) Close() error            { return nil }

var _ FixStream = (*Reader)(nil)
var _ FixStream = (*SliceStream)(nil)
