package availability

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	ErrInvalidWindow     = errors.New("window start must be before end")
	ErrInvalidWeekday    = errors.New("day_of_week must be between 0 (Sunday) and 6 (Saturday)")
	ErrOverlappingWindow = errors.New("windows on the same day overlap")
)

// Window is one recurring block of open hours on a weekday.
type Window struct {
	DayOfWeek time.Weekday `json:"day_of_week"`
	Start     Clock        `json:"start_time"`
	End       Clock        `json:"end_time"`
}

func (w Window) String() string {
	return fmt.Sprintf("%s %s-%s", w.DayOfWeek, w.Start, w.End)
}

// Validate checks a single window in isolation.
func (w Window) Validate() error {
	if w.DayOfWeek < time.Sunday || w.DayOfWeek > time.Saturday {
		return fmt.Errorf("%w: %d", ErrInvalidWeekday, w.DayOfWeek)
	}
	if w.Start < 0 || w.End > EndOfDay || w.Start >= w.End {
		return fmt.Errorf("%w: %s", ErrInvalidWindow, w)
	}
	return nil
}

// Overlaps treats windows as half-open intervals, so 09:00-10:00 and
// 10:00-11:00 do not overlap.
func (w Window) Overlaps(o Window) bool {
	return w.DayOfWeek == o.DayOfWeek && w.Start < o.End && o.Start < w.End
}

// Validate checks a full weekly schedule and returns it sorted by day and start.
func Validate(windows []Window) ([]Window, error) {
	sorted := Sorted(windows)
	for i, w := range sorted {
		if err := w.Validate(); err != nil {
			return nil, err
		}
		if i > 0 && sorted[i-1].Overlaps(w) {
			return nil, fmt.Errorf("%w: %s and %s", ErrOverlappingWindow, sorted[i-1], w)
		}
	}
	return sorted, nil
}

// Sorted returns a copy ordered by weekday, then start time.
func Sorted(windows []Window) []Window {
	out := make([]Window, len(windows))
	copy(out, windows)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DayOfWeek != out[j].DayOfWeek {
			return out[i].DayOfWeek < out[j].DayOfWeek
		}
		return out[i].Start < out[j].Start
	})
	return out
}
