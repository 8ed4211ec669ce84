package availability

import (
	"fmt"
	"time"
)

// DefaultSlotLength is used when no slot length is configured.
const DefaultSlotLength = 30 * time.Minute

// Slot is one bookable start time on a resolved day.
type Slot struct {
	Time      Clock `json:"time"`
	Available bool  `json:"available"`
}

// Skipped describes a stored window that could not be turned into slots.
type Skipped struct {
	Window Window
	Reason error
}

// Candidates cuts the windows for day into fixed-length, half-open slots and
// returns their start times in order. A trailing remainder shorter than length
// is dropped. Malformed windows, and windows overlapping an earlier one, are
// returned in skipped instead of being merged.
func Candidates(windows []Window, day time.Weekday, length time.Duration) (starts []Clock, skipped []Skipped) {
	step := Clock(length / time.Minute)
	if step <= 0 {
		return nil, nil
	}

	var accepted []Window
	for _, w := range Sorted(windows) {
		if w.DayOfWeek != day {
			continue
		}
		if err := w.Validate(); err != nil {
			skipped = append(skipped, Skipped{Window: w, Reason: err})
			continue
		}
		if n := len(accepted); n > 0 && accepted[n-1].Overlaps(w) {
			skipped = append(skipped, Skipped{
				Window: w,
				Reason: fmt.Errorf("%w: %s and %s", ErrOverlappingWindow, accepted[n-1], w),
			})
			continue
		}
		accepted = append(accepted, w)

		for t := w.Start; t+step <= w.End; t += step {
			starts = append(starts, t)
		}
	}
	return starts, skipped
}

// Contains reports whether t is the start of one of the candidate slots for day.
func Contains(windows []Window, day time.Weekday, t Clock, length time.Duration) bool {
	starts, _ := Candidates(windows, day, length)
	for _, s := range starts {
		if s == t {
			return true
		}
	}
	return false
}

// Mark pairs candidate starts with availability, given the set of taken labels.
func Mark(starts []Clock, taken map[string]struct{}) []Slot {
	slots := make([]Slot, 0, len(starts))
	for _, s := range starts {
		_, booked := taken[s.String()]
		slots = append(slots, Slot{Time: s, Available: !booked})
	}
	return slots
}
