package animator

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"math"
	"os"
)

// ClipAnimator plays back a baked clip of pre-computed poses loaded
// from disk: a tiny stand-in for the forward-kinematics/VAE-decoding/
// motion-matching algorithms that produce real-time poses elsewhere.
// The on-disk format is a private detail of this animator, not a wire
// format exposed to subscribers.
//
// File layout (little-endian):
//
//	uint32 numBones
//	uint32 numFrames
//	float32 frameDuration (seconds)
//	[bone name length-prefixed strings]
//	[int32 parent index per bone]
//	numFrames * numBones * 16 float32 matrices
//
// Looping at end-of-animation is this animator's own choice: looping
// or clamping past the last frame is left to each animator, since the
// core treats every animator as an infinite producer.
type ClipAnimator struct {
	skeleton      Skeleton
	frameBytes    int
	frameDuration float32
	frames        [][]byte
	cursor        float32
}

// NewClipAnimator returns a factory suitable for animator.Registry.
func NewClipAnimator() Factory {
	return func() Animator { return &ClipAnimator{} }
}

func (c *ClipAnimator) Initialize(sourceRef string) error {
	f, err := os.Open(sourceRef)
	if err != nil {
		return fmt.Errorf("clip animator: open %s: %w", sourceRef, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)

	var numBones, numFrames uint32
	if err := binary.Read(r, binary.LittleEndian, &numBones); err != nil {
		return fmt.Errorf("clip animator: read bone count: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &numFrames); err != nil {
		return fmt.Errorf("clip animator: read frame count: %w", err)
	}
	var duration float32
	if err := binary.Read(r, binary.LittleEndian, &duration); err != nil {
		return fmt.Errorf("clip animator: read frame duration: %w", err)
	}
	if numBones == 0 || numFrames == 0 || duration <= 0 {
		return fmt.Errorf("clip animator: invalid header (bones=%d frames=%d dt=%f)", numBones, numFrames, duration)
	}

	bones := make([]Bone, numBones)
	for i := range bones {
		name, err := readString(r)
		if err != nil {
			return fmt.Errorf("clip animator: read bone name %d: %w", i, err)
		}
		bones[i].Name = name
	}
	for i := range bones {
		var parent int32
		if err := binary.Read(r, binary.LittleEndian, &parent); err != nil {
			return fmt.Errorf("clip animator: read parent index %d: %w", i, err)
		}
		bones[i].Parent = int(parent)
	}

	frameBytes := DefaultFrameBytes(int(numBones))
	frames := make([][]byte, numFrames)
	for i := range frames {
		buf := make([]byte, frameBytes)
		if _, err := readFull(r, buf); err != nil {
			return fmt.Errorf("clip animator: read frame %d: %w", i, err)
		}
		frames[i] = buf
	}

	c.skeleton = Skeleton{Bones: bones}
	c.frameBytes = frameBytes
	c.frameDuration = duration
	c.frames = frames
	c.cursor = 0
	return nil
}

func (c *ClipAnimator) Skeleton() Skeleton { return c.skeleton }

func (c *ClipAnimator) FrameBytes() int { return c.frameBytes }

func (c *ClipAnimator) WriteFrame(region []byte, offset int, dt, speed float32) {
	c.cursor += dt * speed

	total := c.frameDuration * float32(len(c.frames))
	if total <= 0 {
		return
	}
	// Loop: wrap the cursor into [0, total).
	wrapped := float32(math.Mod(float64(c.cursor), float64(total)))
	if wrapped < 0 {
		wrapped += total
	}
	idx := int(wrapped / c.frameDuration)
	if idx >= len(c.frames) {
		idx = len(c.frames) - 1
	}
	copy(region[offset:offset+c.frameBytes], c.frames[idx])
}

func (c *ClipAnimator) Seek(timeSeconds float32) {
	c.cursor = timeSeconds
}

func readString(r *bufio.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := readFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
