package core

const (
	DefaultSearchLimit = 10
	MaxSearchLimit     = 100
)

// ClampLimit bounds a caller supplied search limit to [1, MaxSearchLimit].
// Non-positive values fall back to DefaultSearchLimit.
func ClampLimit(n int) int {
	if n <= 0 {
		return DefaultSearchLimit
	}
	if n > MaxSearchLimit {
		return MaxSearchLimit
	}
	return n
}
