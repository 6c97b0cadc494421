package protocol

import (
	"fmt"
	"time"
)

// ResolveQuarterlyRef computes the branch ref for the calendar quarter
// containing now, e.g. refs/heads/2026Q3 (spec.md §4.4).
func ResolveQuarterlyRef(now time.Time) string {
	return quarterlyRef(now.Year(), quarterOf(now.Month()))
}

// PreviousQuarterlyRef computes the branch ref for the quarter preceding
// now's, wrapping to Q4 of the prior year from Q1. Callers fall back to
// this when ls-refs doesn't list the current quarter's branch yet.
func PreviousQuarterlyRef(now time.Time) string {
	year := now.Year()
	quarter := quarterOf(now.Month()) - 1
	if quarter < 1 {
		quarter = 4
		year--
	}
	return quarterlyRef(year, quarter)
}

func quarterOf(m time.Month) int {
	return (int(m)-1)/3 + 1
}

func quarterlyRef(year, quarter int) string {
	return fmt.Sprintf("refs/heads/%dQ%d", year, quarter)
}
