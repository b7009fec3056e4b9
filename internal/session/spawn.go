package session

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/motionstream/motionstream/internal/animator"
	"github.com/motionstream/motionstream/internal/engineproc"
	"github.com/motionstream/motionstream/internal/shm"
)

// EngineHiddenSubcommand is the argv[1] cmd/motionstream's root
// command dispatches to the self-exec'd child (grounded on
// ehrlich-b-wingthing's daemon re-exec pattern: os.Executable() +
// exec.Command re-invoking the same binary under a hidden verb).
const EngineHiddenSubcommand = "__engine"

// cmdProcess adapts *exec.Cmd to the engineProcess interface.
type cmdProcess struct{ cmd *exec.Cmd }

func (p *cmdProcess) Wait() error { return p.cmd.Wait() }
func (p *cmdProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

// spawnEngine re-execs the current binary as a hidden engine
// subcommand and wires its stdin/stdout to a Codec. The child's
// stderr is attached to the parent's stderr so engine-side logs
// surface next to the session's own.
func spawnEngine() (*engineproc.Codec, *cmdProcess, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, nil, fmt.Errorf("session: resolve executable: %w", err)
	}

	cmd := exec.Command(exe, EngineHiddenSubcommand)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("session: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("session: stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("session: start engine process: %w", err)
	}

	codec := engineproc.NewCodec(stdin, bufio.NewReader(stdout))
	return codec, &cmdProcess{cmd: cmd}, nil
}

// performHandshake drives the create() handshake: send init, wait for
// init_success/init_failure with a deadline, allocate shared memory,
// and send set_shm. It runs entirely on the caller's
// goroutine; the caller is expected to have already adapted the
// blocking codec reads via the worker pool (see Manager.Create).
func performHandshake(ctx context.Context, codec *engineproc.Codec, sessionID, sourceReference, animatorKind string) (animator.Skeleton, int, *shm.Ring, error) {
	if err := codec.WriteCommand(engineproc.Command{
		Kind: engineproc.CmdInit,
		Payload: engineproc.Payload{
			SourceReference: sourceReference,
			AnimatorKind:    animatorKind,
		},
	}); err != nil {
		return animator.Skeleton{}, 0, nil, newError(ErrKindEngineLost, "failed to send init command", err)
	}

	reply, err := codec.ReadReply()
	if err != nil {
		return animator.Skeleton{}, 0, nil, newError(ErrKindEngineLost, "failed to read init reply", err)
	}

	if reply.Kind == engineproc.ReplyInitFailure {
		return animator.Skeleton{}, 0, nil, newError(ErrKindInitFailure, reply.Payload.Reason, nil)
	}
	if reply.Kind != engineproc.ReplyInitSuccess {
		return animator.Skeleton{}, 0, nil, newError(ErrKindInitFailure, fmt.Sprintf("unexpected reply kind %q during handshake", reply.Kind), nil)
	}

	skeleton := fromSkeletonWire(reply.Payload.Skeleton)
	frameBytes := int(reply.Payload.FrameBytes)

	ring, err := shm.Create(sessionID, frameBytes)
	if err != nil {
		return animator.Skeleton{}, 0, nil, newError(ErrKindInitFailure, "failed to create shared memory", err)
	}

	if err := codec.WriteCommand(engineproc.Command{
		Kind:    engineproc.CmdSetSHM,
		Payload: engineproc.Payload{SHMName: ring.Name()},
	}); err != nil {
		ring.Close()
		ring.Unlink()
		return animator.Skeleton{}, 0, nil, newError(ErrKindEngineLost, "failed to send set_shm", err)
	}

	return skeleton, frameBytes, ring, nil
}

func fromSkeletonWire(w engineproc.SkeletonWire) animator.Skeleton {
	bones := make([]animator.Bone, len(w.BoneNames))
	for i := range bones {
		bones[i] = animator.Bone{Name: w.BoneNames[i], Parent: int(w.BoneParents[i])}
	}
	skel := animator.Skeleton{Bones: bones}
	if w.HasBindPose {
		skel.BindPose = &animator.BindPose{
			Positions: unflattenVec3(w.BindPosition),
			Rotations: unflattenQuat(w.BindRotation),
			Scales:    unflattenVec3(w.BindScale),
		}
	}
	return skel
}

func unflattenVec3(flat []float32) []animator.Vec3 {
	out := make([]animator.Vec3, len(flat)/3)
	for i := range out {
		out[i] = animator.Vec3{X: flat[i*3], Y: flat[i*3+1], Z: flat[i*3+2]}
	}
	return out
}

func unflattenQuat(flat []float32) []animator.Quat {
	out := make([]animator.Quat, len(flat)/4)
	for i := range out {
		out[i] = animator.Quat{X: flat[i*4], Y: flat[i*4+1], Z: flat[i*4+2], W: flat[i*4+3]}
	}
	return out
}

// waitEngineExit waits up to grace for proc to exit on its own before
// force-killing it, bounding how long Close can block on a stuck
// engine process.
func waitEngineExit(proc engineProcess, grace time.Duration) error {
	done := make(chan error, 1)
	go func() { done <- proc.Wait() }()

	select {
	case err := <-done:
		return err
	case <-time.After(grace):
		_ = proc.Kill()
		<-done
		return fmt.Errorf("session: engine did not exit within %s, force-terminated", grace)
	}
}
