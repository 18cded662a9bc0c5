package ptr

// To returns a pointer to a copy of v. handy for optional config fields and
// for literals that need to satisfy pointer-receiver interfaces.
func To[T any](v T) *T {
	return &v
}
