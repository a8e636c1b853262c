package util

// Ptr returns a pointer to the given value.
// Handy for pointing at literals in tests and option structs.
func Ptr[T any](v T) *T {
	return &v
}

// AbsFloat64 returns the absolute value of x.
func AbsFloat64(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
