// Package engineproc implements the engine side of the command
// channel and the fixed-rate frame-production loop. It runs inside
// the self-exec'd child process spawned by internal/session.
package engineproc

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"sync"
)

// CommandKind enumerates the session -> engine command set.
type CommandKind string

const (
	CmdInit     CommandKind = "init"
	CmdSetSHM   CommandKind = "set_shm"
	CmdSetSpeed CommandKind = "set_speed"
	CmdPause    CommandKind = "pause"
	CmdResume   CommandKind = "resume"
	CmdSeek     CommandKind = "seek"
	CmdShutdown CommandKind = "shutdown"
)

// ReplyKind enumerates the engine -> session reply set.
type ReplyKind string

const (
	ReplyInitSuccess   ReplyKind = "init_success"
	ReplyInitFailure   ReplyKind = "init_failure"
	ReplyAck           ReplyKind = "ack"
	ReplySlotPublished ReplyKind = "slot_published"
)

// Command is the tagged record sent over the command channel: a kind
// tag, an opaque payload, and a reply-required flag.
type Command struct {
	Kind          CommandKind
	Payload       Payload
	ReplyRequired bool
}

// Payload carries the union of all command/reply data. Only the
// fields relevant to Kind are populated; gob encodes zero values
// cheaply so this is simpler and safer by hand than a tagged union.
type Payload struct {
	SourceReference string
	AnimatorKind    string
	SHMName         string
	Speed           float32
	SeekTime        float32

	Skeleton   SkeletonWire
	FrameBytes uint32
	Reason     string
	SlotIndex  int32
}

// SkeletonWire is the gob-friendly mirror of animator.Skeleton: flat
// slices in place of the animator package's nested Bone/BindPose
// types, so the wire shape of a reply does not follow changes to
// those types.
type SkeletonWire struct {
	BoneNames    []string
	BoneParents  []int32
	HasBindPose  bool
	BindPosition []float32 // 3 floats per bone, flattened
	BindRotation []float32 // 4 floats per bone, flattened
	BindScale    []float32 // 3 floats per bone, flattened
}

// Reply is the engine -> session paired record.
type Reply struct {
	Kind    ReplyKind
	Payload Payload
}

// Codec frames gob values with a 4-byte little-endian length prefix
// over an io.ReadWriter (the child process's stdin/stdout pipes),
// keeping delivery lossless and FIFO per direction: gob preserves
// message boundaries exactly, and a pipe is inherently FIFO.
type Codec struct {
	w       *bufio.Writer
	r       *bufio.Reader
	writeMu sync.Mutex
}

// NewCodec wraps rw for framed gob encode/decode.
func NewCodec(w io.Writer, r io.Reader) *Codec {
	return &Codec{w: bufio.NewWriter(w), r: bufio.NewReader(r)}
}

func (c *Codec) encode(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	var buf writeCounter
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("engineproc: encode: %w", err)
	}

	var lenPrefix [4]byte
	binary.LittleEndian.PutUint32(lenPrefix[:], uint32(len(buf.data)))
	if _, err := c.w.Write(lenPrefix[:]); err != nil {
		return fmt.Errorf("engineproc: write length prefix: %w", err)
	}
	if _, err := c.w.Write(buf.data); err != nil {
		return fmt.Errorf("engineproc: write payload: %w", err)
	}
	return c.w.Flush()
}

func (c *Codec) decode(v any) error {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(c.r, lenPrefix[:]); err != nil {
		return err
	}
	n := binary.LittleEndian.Uint32(lenPrefix[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return fmt.Errorf("engineproc: read payload: %w", err)
	}
	dec := gob.NewDecoder(bytes.NewReader(buf))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("engineproc: decode: %w", err)
	}
	return nil
}

// WriteCommand sends a Command (session -> engine direction).
func (c *Codec) WriteCommand(cmd Command) error { return c.encode(cmd) }

// ReadCommand receives a Command (engine side read).
func (c *Codec) ReadCommand() (Command, error) {
	var cmd Command
	err := c.decode(&cmd)
	return cmd, err
}

// WriteReply sends a Reply (engine -> session direction).
func (c *Codec) WriteReply(r Reply) error { return c.encode(r) }

// ReadReply receives a Reply (session side read).
func (c *Codec) ReadReply() (Reply, error) {
	var r Reply
	err := c.decode(&r)
	return r, err
}

type writeCounter struct{ data []byte }

func (w *writeCounter) Write(p []byte) (int, error) {
	w.data = append(w.data, p...)
	return len(p), nil
}
