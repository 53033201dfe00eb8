//go:build linux || darwin

package hostmem

import "golang.org/x/sys/unix"

// maxMapping bounds a single mapping.
const maxMapping = 1 << 40

// mapAnon reserves size bytes outside the Go heap. Pages are committed lazily
// by the kernel, so large slabs cost nothing until touched.
func mapAnon(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE,
	)
}

func unmapAnon(b []byte) error {
	return unix.Munmap(b)
}
