//go:build !linux

package tier

// DetectTotalMemory is not implemented on this platform; callers fall back
// to the conservative default via Resolve.
func DetectTotalMemory() (uint64, error) {
	return fallbackTotalBytes, nil
}
