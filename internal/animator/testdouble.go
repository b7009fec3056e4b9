package animator

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
)

// TestAnimator is a deterministic double for exercising the engine
// loop and session properties without a real motion source. It
// writes its accumulated playback time into matrix[0][0][0] (the
// first float32 of bone 0's matrix), a convenient probe for measuring
// speed changes and pausing in tests.
//
// Initialize never fails unless sourceRef is the sentinel
// "fail-init", letting tests exercise the InitFailure path without a
// real broken animator.
type TestAnimator struct {
	numBones int
	elapsed  float32
}

// NewTestAnimator returns a factory for a TestAnimator with the given
// bone count.
func NewTestAnimator(numBones int) Factory {
	return func() Animator { return &TestAnimator{numBones: numBones} }
}

func (t *TestAnimator) Initialize(sourceRef string) error {
	if sourceRef == "fail-init" {
		return fmt.Errorf("test animator: initialize failed for source %q", sourceRef)
	}
	return nil
}

func (t *TestAnimator) Skeleton() Skeleton {
	bones := make([]Bone, t.numBones)
	for i := range bones {
		parent := i - 1
		if i == 0 {
			parent = -1
		}
		bones[i] = Bone{Name: "bone_" + strconv.Itoa(i), Parent: parent}
	}
	return Skeleton{Bones: bones}
}

func (t *TestAnimator) FrameBytes() int {
	return DefaultFrameBytes(t.numBones)
}

// WriteFrame zero-fills the frame, then writes a per-bone identity
// diagonal with matrix[0][0][0] carrying accumulated elapsed time.
func (t *TestAnimator) WriteFrame(region []byte, offset int, dt, speed float32) {
	t.elapsed += dt * speed

	frameBytes := t.FrameBytes()
	for i := 0; i < frameBytes; i += 4 {
		binary.LittleEndian.PutUint32(region[offset+i:offset+i+4], 0)
	}
	for bone := 0; bone < t.numBones; bone++ {
		base := offset + bone*BytesPerBone
		for d := 0; d < 4; d++ {
			v := float32(1.0)
			if bone == 0 && d == 0 {
				v = t.elapsed
			}
			cellOffset := base + (d*4+d)*4
			binary.LittleEndian.PutUint32(region[cellOffset:cellOffset+4], math.Float32bits(v))
		}
	}
}

func (t *TestAnimator) Seek(timeSeconds float32) {
	t.elapsed = timeSeconds
}
