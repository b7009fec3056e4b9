//go:build !linux && !darwin

package shm

import "fmt"

// Create is unsupported on platforms without mmap-backed shared
// files; the engine/session split requires a real OS shared-memory
// primitive.
func Create(sessionID string, frameBytes int) (*Ring, error) {
	return nil, fmt.Errorf("shm: unsupported on this platform")
}

// Attach is unsupported on platforms without mmap-backed shared files.
func Attach(name string, frameBytes int) (region []byte, detach func() error, err error) {
	return nil, nil, fmt.Errorf("shm: unsupported on this platform")
}
