// Package pointers has helpers for optional values, which the platform models as pointers
package pointers

// To returns a pointer to a copy of v
func To[T any](v T) *T {
	return &v
}

// Value returns the value from ptr or the zero value if the pointer is nil
func Value[T any](ptr *T) T {
	var zero T
	return ValueOr(ptr, zero)
}

// ValueOr returns the value from ptr or def if the pointer is nil
func ValueOr[T any](ptr *T, def T) T {
	if ptr != nil {
		return *ptr
	}
	return def
}

// Nullable returns the value from ptr, or an untyped nil for SQL NULL if the pointer is nil
func Nullable[T any](ptr *T) interface{} {
	if ptr == nil {
		return nil
	}
	return *ptr
}
