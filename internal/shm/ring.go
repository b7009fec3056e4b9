// Package shm implements the shared-memory frame ring: a fixed-size
// mmap'd region, split into Slots slots of frame_bytes each, that the
// engine process writes into and the session process reads from
// without any serialization of the frame payload itself.
package shm

import "fmt"

// Slots is the ring depth, fixed at 3 (triple buffering), documented
// further in DESIGN.md:
// one slot draining to subscribers, one just-published, one free for
// the engine to write the next tick into without ever blocking on a
// reader.
const Slots = 3

// Ring is an attached view onto a shared-memory region sized
// Slots*frameBytes. Owner creates and unlinks it; Engine only attaches
// and reads/writes slot-sized windows.
type Ring struct {
	region     []byte
	frameBytes int
	name       string
	detach     func() error
	unlink     func() error
}

// Name is the identifier (a path under /dev/shm, or os.TempDir() as
// fallback) the owner passes to the engine process via the set_shm
// command.
func (r *Ring) Name() string { return r.name }

// FrameBytes is the size of one slot.
func (r *Ring) FrameBytes() int { return r.frameBytes }

// Slot returns the byte window for the given slot index. The caller
// must not hold onto the slice past the next call that might unmap
// the region (Close).
func (r *Ring) Slot(idx int) ([]byte, error) {
	if idx < 0 || idx >= Slots {
		return nil, fmt.Errorf("shm: slot index %d out of range [0,%d)", idx, Slots)
	}
	start := idx * r.frameBytes
	return r.region[start : start+r.frameBytes], nil
}

// Close detaches (munmaps) the region. It does not unlink the
// backing file; call Unlink for that (owner-side only).
func (r *Ring) Close() error {
	if r.detach == nil {
		return nil
	}
	return r.detach()
}

// Unlink removes the backing file. Only the owning session process
// should call this, after the engine process has exited.
func (r *Ring) Unlink() error {
	if r.unlink == nil {
		return nil
	}
	return r.unlink()
}
