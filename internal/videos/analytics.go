package videos

// RunningAverage folds one reported completion percentage into the stored
// average, treating the current view count as the sample size N:
//
//	newRate = (oldRate*(N-1) + reported) / max(N, 1)
//
// Views are incremented on page load independently of progress reports, so a
// load that never reports still inflates N and drags the average toward the
// stale oldRate. That skew is a documented property of the metric, kept
// as-is; see DESIGN.md before changing this formula.
func RunningAverage(oldRate float64, views int64, reported float64) float64 {
	n := views
	if n < 1 {
		n = 1
	}
	return (oldRate*float64(views-1) + reported) / float64(n)
}
