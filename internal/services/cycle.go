package services

import (
	"time"

	"rupeek/internal/core"
)

// ComputeWindow returns the accounting cycle containing now, evaluated in
// now's location.
//
// A cycle starts at midnight of the anchor day and ends one nanosecond
// before the next cycle starts. In months shorter than the anchor day the
// cycle starts on the last day of the month instead, so with anchor 31 the
// February cycle starts on the 28th (29th in leap years). Consecutive
// windows are contiguous.
func ComputeWindow(anchorDay int, now time.Time) core.CycleWindow {
	anchor := core.NormalizeSalaryDate(anchorDay)
	loc := now.Location()

	y, m, d := now.Date()
	if d < clampDay(y, m, anchor) {
		y, m = addMonths(y, m, -1)
	}
	start := time.Date(y, m, clampDay(y, m, anchor), 0, 0, 0, 0, loc)

	ny, nm := addMonths(y, m, 1)
	next := time.Date(ny, nm, clampDay(ny, nm, anchor), 0, 0, 0, 0, loc)

	return core.CycleWindow{Start: start, End: next.Add(-time.Nanosecond)}
}

func clampDay(y int, m time.Month, day int) int {
	return min(day, daysIn(y, m))
}

func daysIn(y int, m time.Month) int {
	return time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func addMonths(y int, m time.Month, n int) (int, time.Month) {
	t := time.Date(y, m+time.Month(n), 1, 0, 0, 0, 0, time.UTC)
	return t.Year(), t.Month()
}
