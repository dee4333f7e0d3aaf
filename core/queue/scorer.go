package queue

import "time"

// priorityStride separates priority classes in rank space. 1e13 ms is roughly
// 317 years, and the largest rank stays below 2^53 so float64 scores are exact.
const priorityStride = 1e13

// PriorityWeight returns the rank offset of a priority class.
func PriorityWeight(p Priority) float64 {
	return float64(p) * priorityStride
}

// Rank is the sort key of a message: lower ranks are served first. Priority
// dominates, and within a class the earlier timestamp wins.
func Rank(p Priority, t time.Time) float64 {
	return PriorityWeight(p) + float64(t.UnixMilli())
}
