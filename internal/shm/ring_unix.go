//go:build linux || darwin

package shm

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// shmDir returns the directory new ring backing files are created
// under: /dev/shm when present (Linux tmpfs), falling back to
// os.TempDir() otherwise (e.g. macOS, which has no /dev/shm).
func shmDir() string {
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}

// Create allocates a new backing file of Slots*frameBytes bytes under
// shmDir, named "motionstream-<sessionID>", and mmaps it for
// read-write access. The returned Ring is owned by the caller: Close
// detaches it, Unlink removes the backing file once no process still
// has it mapped.
func Create(sessionID string, frameBytes int) (*Ring, error) {
	size := Slots * frameBytes
	name := filepath.Join(shmDir(), "motionstream-"+sessionID)

	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("shm: create %s: %w", name, err)
	}
	defer f.Close()

	if err := f.Truncate(int64(size)); err != nil {
		return nil, fmt.Errorf("shm: truncate %s to %d: %w", name, size, err)
	}

	region, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("shm: mmap %s: %w", name, err)
	}

	return &Ring{
		region:     region,
		frameBytes: frameBytes,
		name:       name,
		detach:     func() error { return unix.Munmap(region) },
		unlink:     func() error { return os.Remove(name) },
	}, nil
}

// Attach opens an existing backing file by name (as produced by
// Create) and mmaps it for read-write access. Used by the engine
// process after receiving set_shm.
func Attach(name string, frameBytes int) (region []byte, detach func() error, err error) {
	size := Slots * frameBytes

	f, err := os.OpenFile(name, os.O_RDWR, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("shm: open %s: %w", name, err)
	}
	defer f.Close()

	mapped, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, fmt.Errorf("shm: mmap %s: %w", name, err)
	}

	return mapped, func() error { return unix.Munmap(mapped) }, nil
}
