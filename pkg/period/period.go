// Package period handles the calendar reporting intervals the sources
// speak: months as YYYYMM during extraction and quarters as YYYYQn during
// reconciliation.
package period

import "time"

// Unmapped is returned by QuarterMap.Advance for periods outside the map.
const Unmapped = "N/A"

// Months expands [start, end] into an ascending, contiguous, inclusive
// sequence of YYYYMM periods, stepping one calendar month at a time. The
// last period is the month containing end. start after end yields nil.
func Months(start, end time.Time) []string {
	if start.After(end) {
		return nil
	}
	cur := time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, time.UTC)
	last := time.Date(end.Year(), end.Month(), 1, 0, 0, 0, 0, time.UTC)

	var periods []string
	for !cur.After(last) {
		periods = append(periods, cur.Format("200601"))
		cur = cur.AddDate(0, 1, 0)
	}
	return periods
}

// LastNMonths derives the date range covering the current month and the
// n-1 months before it: end is the last day of now's month, start the
// first day of the month n-1 months earlier.
func LastNMonths(n int, now time.Time) (start, end time.Time) {
	firstOfMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	end = firstOfMonth.AddDate(0, 1, -1)
	start = firstOfMonth.AddDate(0, -(n - 1), 0)
	return start, end
}

// QuarterMap advances observed reporting quarters to the quarter they are
// reported under. Periods outside the map advance to Unmapped.
type QuarterMap map[string]string

// DefaultQuarterMap maps each observed quarter to the next quarter's
// label, covering the current reporting cycle.
func DefaultQuarterMap() QuarterMap {
	return QuarterMap{
		"2023Q4": "2024Q1",
		"2024Q1": "2024Q2",
		"2024Q2": "2024Q3",
		"2024Q3": "2024Q4",
	}
}

func (m QuarterMap) Advance(period string) string {
	if next, ok := m[period]; ok {
		return next
	}
	return Unmapped
}
