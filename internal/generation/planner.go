package generation

import (
	"fmt"
	"sort"
)

// Policy bounds requested durations and prices each segment unit.
type Policy struct {
	MinSeconds int
	MaxSeconds int
	Prices     map[int]int
}

func DefaultPolicy() Policy {
	return Policy{
		MinSeconds: 6,
		MaxSeconds: 240,
		Prices:     map[int]int{6: 1, 10: 2},
	}
}

// Plan is the segment breakdown of one request.
type Plan struct {
	TotalDuration int   `json:"total_duration_seconds"`
	Unit          int   `json:"segment_unit_seconds"`
	Segments      []int `json:"segments"`
	Cost          int   `json:"cost"`
	MultiSegment  bool  `json:"multi_segment"`
}

// OutputSeconds can exceed TotalDuration; the last segment is never shortened.
func (p Plan) OutputSeconds() int {
	n := 0
	for _, s := range p.Segments {
		n += s
	}
	return n
}

func (p Policy) Units() []int {
	units := make([]int, 0, len(p.Prices))
	for u := range p.Prices {
		units = append(units, u)
	}
	sort.Ints(units)
	return units
}

func (p Policy) Price(unit int) (int, bool) {
	price, ok := p.Prices[unit]
	return price, ok
}

// PlanSegments splits duration into ceil(duration/unit) segments of unit
// seconds each. duration <= unit is a single-shot request.
func (p Policy) PlanSegments(duration, unit int) (Plan, error) {
	price, ok := p.Price(unit)
	if !ok {
		return Plan{}, fmt.Errorf("%w: %d", ErrInvalidSegmentUnit, unit)
	}
	if duration < p.MinSeconds || duration > p.MaxSeconds {
		return Plan{}, fmt.Errorf("%w: %d not in [%d, %d]", ErrInvalidDuration, duration, p.MinSeconds, p.MaxSeconds)
	}

	count := (duration + unit - 1) / unit
	segments := make([]int, count)
	for i := range segments {
		segments[i] = unit
	}
	return Plan{
		TotalDuration: duration,
		Unit:          unit,
		Segments:      segments,
		Cost:          price * count,
		MultiSegment:  count > 1,
	}, nil
}

// SnapDuration moves duration to the nearest multiple of unit inside the
// allowed range. Ties round up.
func (p Policy) SnapDuration(duration, unit int) (int, error) {
	if _, ok := p.Price(unit); !ok {
		return 0, fmt.Errorf("%w: %d", ErrInvalidSegmentUnit, unit)
	}
	lo := ((p.MinSeconds + unit - 1) / unit) * unit
	hi := (p.MaxSeconds / unit) * unit
	if lo > hi {
		return 0, fmt.Errorf("%w: no multiple of %d in [%d, %d]", ErrInvalidDuration, unit, p.MinSeconds, p.MaxSeconds)
	}

	snapped := ((duration + unit/2) / unit) * unit
	if snapped < lo {
		snapped = lo
	}
	if snapped > hi {
		snapped = hi
	}
	return snapped, nil
}
