package optimize

// GrowSlice returns s resized to newLen, reallocating only when the
// capacity is insufficient.
func GrowSlice[T any](s []T, newLen int) []T {
	if newLen <= cap(s) {
		return s[:newLen]
	}
	grown := make([]T, newLen, newLen+newLen/4)
	copy(grown, s)
	return grown
}
