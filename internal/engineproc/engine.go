package engineproc

import (
	"log/slog"
	"time"

	"github.com/motionstream/motionstream/internal/animator"
)

// Exit codes the engine process returns on exit.
const (
	ExitClean             = 0
	ExitInitFailure       = 1
	ExitUnexpectedError   = 2
	ExitParentChannelLost = 3
)

// HandshakeTimeout bounds how long the engine waits for set_shm after
// a successful init.
const HandshakeTimeout = 10 * time.Second

// Engine runs the fixed-rate frame-production loop inside the
// self-exec'd child process.
type Engine struct {
	codec    *Codec
	registry *animator.Registry
	targetDt time.Duration
	logger   *slog.Logger

	anim       animator.Animator
	frameBytes int
	slots      int

	shm     *attachedRegion
	speed   float32
	paused  bool
	slotIdx int
}

// attachedRegion is the minimal view the engine needs of shared
// memory: a byte slice to write into, as returned by the
// RegionAttacher passed to Run (internal/shm.Attach in the real
// process), so engineproc has no import-time dependency on the shm
// package.
type attachedRegion struct {
	bytes []byte
}

// RegionAttacher attaches a named shared-memory region for writing.
type RegionAttacher func(name string, size int) (region []byte, detach func() error, err error)

// NewEngine constructs an Engine. slots is the ring size (3 in this
// server); targetDt is the cadence (e.g. time.Second/60).
func NewEngine(codec *Codec, registry *animator.Registry, slots int, targetDt time.Duration, logger *slog.Logger) *Engine {
	return &Engine{
		codec:    codec,
		registry: registry,
		targetDt: targetDt,
		logger:   logger,
		slots:    slots,
		speed:    1.0,
	}
}

// Run performs the handshake and then the fixed-rate loop until a
// shutdown command is acknowledged, the parent channel closes, or an
// unexpected error occurs. It returns the process exit code to use.
func (e *Engine) Run(attach RegionAttacher) int {
	shmName, code, ok := e.handshake()
	if !ok {
		return code
	}

	var detach func() error
	if shmName != "" {
		region, d, err := attach(shmName, e.frameBytes*e.slots)
		if err != nil {
			e.logger.Error("failed to attach shared memory", "error", err)
			return ExitUnexpectedError
		}
		e.shm = &attachedRegion{bytes: region}
		detach = d
	}

	// publish carries slot indices to a goroutine that writes them
	// to the codec, so a slow parent read never stalls the production
	// tick itself: publishing is logically asynchronous from frame
	// production.
	publish := make(chan int, e.slots)
	publishErr := make(chan error, 1)
	go func() {
		for slot := range publish {
			if err := e.codec.WriteReply(Reply{Kind: ReplySlotPublished, Payload: Payload{SlotIndex: int32(slot)}}); err != nil {
				publishErr <- err
				return
			}
		}
	}()
	defer close(publish)

	commands := make(chan Command)
	cmdErr := make(chan error, 1)
	go func() {
		for {
			cmd, err := e.codec.ReadCommand()
			if err != nil {
				cmdErr <- err
				return
			}
			commands <- cmd
		}
	}()

	ticker := time.NewTicker(e.targetDt)
	defer ticker.Stop()

	lastTick := time.Now()

	for {
		select {
		case cmd := <-commands:
			shouldExit, exitCode := e.applyCommand(cmd, attach, &detach)
			if shouldExit {
				if detach != nil {
					_ = detach()
				}
				return exitCode
			}

		case err := <-cmdErr:
			e.logger.Error("command channel lost", "error", err)
			if detach != nil {
				_ = detach()
			}
			return ExitParentChannelLost

		case err := <-publishErr:
			e.logger.Error("slot publish channel lost", "error", err)
			if detach != nil {
				_ = detach()
			}
			return ExitParentChannelLost

		case now := <-ticker.C:
			if e.shm == nil {
				continue // idle: not yet attached
			}

			dt := now.Sub(lastTick)
			lastTick = now
			max := 4 * e.targetDt
			if dt > max {
				dt = max
			}
			if dt < 0 {
				dt = 0
			}
			effectiveDt := float32(dt.Seconds())
			if e.paused {
				effectiveDt = 0
			}

			offset := e.slotIdx * e.frameBytes
			e.anim.WriteFrame(e.shm.bytes, offset, effectiveDt, e.speed)

			select {
			case publish <- e.slotIdx:
			default:
				// Consumer fell behind: newest-wins, never block production.
			}
			e.slotIdx = (e.slotIdx + 1) % e.slots
		}
	}
}

// handshake performs the init exchange and the bounded wait for
// set_shm. On success it returns the shared-memory region name to
// attach and ok=true; exitCode/ok=false otherwise.
func (e *Engine) handshake() (shmName string, exitCode int, ok bool) {
	cmd, err := e.codec.ReadCommand()
	if err != nil {
		e.logger.Error("handshake: failed to read init command", "error", err)
		return "", ExitParentChannelLost, false
	}
	if cmd.Kind != CmdInit {
		e.logger.Error("handshake: expected init command", "got", cmd.Kind)
		return "", ExitUnexpectedError, false
	}

	anim, err := e.registry.New(cmd.Payload.AnimatorKind)
	if err != nil {
		_ = e.codec.WriteReply(Reply{Kind: ReplyInitFailure, Payload: Payload{Reason: err.Error()}})
		return "", ExitInitFailure, false
	}

	if err := anim.Initialize(cmd.Payload.SourceReference); err != nil {
		_ = e.codec.WriteReply(Reply{Kind: ReplyInitFailure, Payload: Payload{Reason: err.Error()}})
		return "", ExitInitFailure, false
	}

	e.anim = anim
	e.frameBytes = anim.FrameBytes()

	if err := e.codec.WriteReply(Reply{
		Kind: ReplyInitSuccess,
		Payload: Payload{
			Skeleton:   toSkeletonWire(anim.Skeleton()),
			FrameBytes: uint32(e.frameBytes),
		},
	}); err != nil {
		e.logger.Error("handshake: failed to send init_success", "error", err)
		return "", ExitParentChannelLost, false
	}

	deadline := time.After(HandshakeTimeout)
	for {
		var cmd Command
		readDone := make(chan struct{})
		go func() {
			cmd, err = e.codec.ReadCommand()
			close(readDone)
		}()

		select {
		case <-deadline:
			e.logger.Error("handshake: timed out waiting for set_shm")
			return "", ExitUnexpectedError, false
		case <-readDone:
		}

		if err != nil {
			e.logger.Error("handshake: failed reading set_shm", "error", err)
			return "", ExitParentChannelLost, false
		}
		if cmd.Kind == CmdShutdown {
			return "", ExitClean, false
		}
		if cmd.Kind != CmdSetSHM {
			e.logger.Warn("handshake: ignoring unexpected command before set_shm", "kind", cmd.Kind)
			continue
		}
		return cmd.Payload.SHMName, 0, true
	}
}

// applyCommand applies one drained command's effect to engine state,
// returning whether the engine should exit.
func (e *Engine) applyCommand(cmd Command, attach RegionAttacher, detach *func() error) (bool, int) {
	switch cmd.Kind {
	case CmdSetSHM:
		region, d, err := attach(cmd.Payload.SHMName, e.frameBytes*e.slots)
		if err != nil {
			e.logger.Error("failed to attach shared memory", "error", err)
			return true, ExitUnexpectedError
		}
		e.shm = &attachedRegion{bytes: region}
		*detach = d

	case CmdSetSpeed:
		e.speed = cmd.Payload.Speed
		e.maybeReply(cmd)

	case CmdPause:
		e.paused = true
		e.maybeReply(cmd)

	case CmdResume:
		e.paused = false
		e.maybeReply(cmd)

	case CmdSeek:
		if e.anim != nil {
			e.anim.Seek(cmd.Payload.SeekTime)
		}
		e.maybeReply(cmd)

	case CmdShutdown:
		e.maybeReply(cmd)
		return true, ExitClean

	default:
		e.logger.Warn("unknown command kind", "kind", cmd.Kind)
	}
	return false, 0
}

func (e *Engine) maybeReply(cmd Command) {
	if !cmd.ReplyRequired {
		return
	}
	if err := e.codec.WriteReply(Reply{Kind: ReplyAck, Payload: Payload{Reason: string(cmd.Kind)}}); err != nil {
		e.logger.Error("failed to send ack", "kind", cmd.Kind, "error", err)
	}
}

func toSkeletonWire(s animator.Skeleton) SkeletonWire {
	wire := SkeletonWire{
		BoneNames:   make([]string, len(s.Bones)),
		BoneParents: make([]int32, len(s.Bones)),
	}
	for i, b := range s.Bones {
		wire.BoneNames[i] = b.Name
		wire.BoneParents[i] = int32(b.Parent)
	}
	if s.BindPose != nil {
		wire.HasBindPose = true
		wire.BindPosition = flattenVec3(s.BindPose.Positions)
		wire.BindRotation = flattenQuat(s.BindPose.Rotations)
		wire.BindScale = flattenVec3(s.BindPose.Scales)
	}
	return wire
}

func flattenVec3(vs []animator.Vec3) []float32 {
	out := make([]float32, 0, len(vs)*3)
	for _, v := range vs {
		out = append(out, v.X, v.Y, v.Z)
	}
	return out
}

func flattenQuat(qs []animator.Quat) []float32 {
	out := make([]float32, 0, len(qs)*4)
	for _, q := range qs {
		out = append(out, q.X, q.Y, q.Z, q.W)
	}
	return out
}
