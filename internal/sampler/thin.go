package sampler

import "time"

// Point is one value of a time series
type Point struct {
	At    time.Time
	Value float64
}

// MinPoints is the smallest useful thinning target: first and last point
const MinPoints = 2

// Thin returns at most maxPoints points of a series. When thinning is needed it picks
// indices i*(n-1)/(maxPoints-1), which are strictly increasing and always include the
// first and last point. maxPoints below MinPoints is treated as MinPoints. The input
// is never modified.
func Thin[T any](points []T, maxPoints int) []T {
	if maxPoints < MinPoints {
		maxPoints = MinPoints
	}
	n := len(points)
	if n <= maxPoints {
		out := make([]T, n)
		copy(out, points)
		return out
	}

	out := make([]T, maxPoints)
	for i := 0; i < maxPoints; i++ {
		out[i] = points[i*(n-1)/(maxPoints-1)]
	}
	return out
}
