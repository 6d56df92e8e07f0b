package trail

import "fmt"

// Interval is a half-open frame range [Start, Stop).
// The zero value is the empty interval at frame 0.
type Interval struct {
	Start int64
	Stop  int64
}

// Span creates an Interval. If stop is less than start the result is the
// empty interval at start.
func Span(start, stop int64) Interval {
	if stop < start {
		stop = start
	}
	return Interval{Start: start, Stop: stop}
}

// SpanLen creates an Interval of the given length starting at start.
func SpanLen(start, length int64) Interval {
	return Span(start, start+length)
}

// Len returns the number of frames covered.
func (iv Interval) Len() int64 {
	return iv.Stop - iv.Start
}

// IsEmpty returns true if the interval covers no frames.
func (iv Interval) IsEmpty() bool {
	return iv.Stop <= iv.Start
}

// Contains returns true if pos lies in [Start, Stop).
func (iv Interval) Contains(pos int64) bool {
	return pos >= iv.Start && pos < iv.Stop
}

// ContainsInterval returns true if o lies entirely within iv.
// An empty o is contained if its position lies in [Start, Stop].
func (iv Interval) ContainsInterval(o Interval) bool {
	return o.Start >= iv.Start && o.Stop <= iv.Stop
}

// Overlaps returns true if the intervals share at least one frame.
func (iv Interval) Overlaps(o Interval) bool {
	return o.Start < iv.Stop && o.Stop > iv.Start
}

// Touches returns true if the intervals overlap or abut.
func (iv Interval) Touches(o Interval) bool {
	return o.Start <= iv.Stop && o.Stop >= iv.Start
}

// Intersect returns the common part of two intervals. Disjoint intervals
// yield an empty interval.
func (iv Interval) Intersect(o Interval) Interval {
	return Span(max(iv.Start, o.Start), min(iv.Stop, o.Stop))
}

// Union returns the smallest interval covering both.
func (iv Interval) Union(o Interval) Interval {
	return Span(min(iv.Start, o.Start), max(iv.Stop, o.Stop))
}

// Shift moves the interval by delta frames.
func (iv Interval) Shift(delta int64) Interval {
	return Interval{Start: iv.Start + delta, Stop: iv.Stop + delta}
}

func (iv Interval) String() string {
	return fmt.Sprintf("[%d,%d)", iv.Start, iv.Stop)
}
