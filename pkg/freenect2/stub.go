//go:build !freenect2

package freenect2

// IsAvailable returns false when built without libfreenect2.
func IsAvailable() bool {
	return false
}

// NativeDriver returns ErrNotAvailable when built without libfreenect2.
func NativeDriver() (Driver, error) {
	return nil, ErrNotAvailable
}
