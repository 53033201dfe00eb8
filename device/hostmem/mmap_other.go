//go:build !linux && !darwin

package hostmem

// maxMapping bounds a single allocation when it lives on the Go heap.
const maxMapping = 1 << 32

// mapAnon falls back to the Go heap where anonymous mappings are unavailable.
func mapAnon(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func unmapAnon([]byte) error {
	return nil
}
