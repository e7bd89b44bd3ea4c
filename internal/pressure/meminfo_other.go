//go:build !linux

package pressure

import "errors"

// ReadMemory is not implemented on this platform; the watcher stays inert
// unless a sampler is injected.
func ReadMemory() (avail, total uint64, err error) {
	return 0, 0, errors.New("memory sampling not supported on this platform")
}
