package availability

import (
	"sort"
	"time"
)

type Interval struct {
	Start time.Time
	End   time.Time
}

// Widen grows every interval by before/after, used to apply appointment buffers.
func Widen(intervals []Interval, before, after time.Duration) []Interval {
	out := make([]Interval, 0, len(intervals))
	for _, iv := range intervals {
		out = append(out, Interval{Start: iv.Start.Add(-before), End: iv.End.Add(after)})
	}
	return out
}

// Subtract removes the busy intervals from the free windows and returns the remaining
// sub-intervals in chronological order. Intervals are half-open.
func Subtract(free, busy []Interval) []Interval {
	if len(free) == 0 {
		return nil
	}
	sortedBusy := append([]Interval(nil), busy...)
	sort.Slice(sortedBusy, func(i, j int) bool { return sortedBusy[i].Start.Before(sortedBusy[j].Start) })

	var out []Interval
	for _, w := range free {
		cursor := w.Start
		for _, b := range sortedBusy {
			if !b.End.After(cursor) || !b.Start.Before(w.End) {
				continue
			}
			if b.Start.After(cursor) {
				out = append(out, Interval{Start: cursor, End: b.Start})
			}
			if b.End.After(cursor) {
				cursor = b.End
			}
			if !cursor.Before(w.End) {
				break
			}
		}
		if cursor.Before(w.End) {
			out = append(out, Interval{Start: cursor, End: w.End})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

// Carve cuts fixed-size candidates out of each window, stepping from the window start. Only
// candidates that fully fit and do not start before now are returned.
func Carve(windows []Interval, duration, step time.Duration, now time.Time) []Interval {
	if duration <= 0 || step <= 0 {
		return nil
	}
	var out []Interval
	for _, w := range windows {
		for t := w.Start; !t.Add(duration).After(w.End); t = t.Add(step) {
			if t.Before(now) {
				continue
			}
			out = append(out, Interval{Start: t, End: t.Add(duration)})
		}
	}
	return out
}

// Overlaps reports whether the half-open intervals [aStart,aEnd) and [bStart,bEnd) intersect.
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && bStart.Before(aEnd)
}
