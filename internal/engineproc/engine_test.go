package engineproc

import (
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/motionstream/motionstream/internal/animator"
)

// pipeCodecs wires up two Codecs over a pair of in-memory pipes, the
// same shape as the real stdin/stdout pipes spawnEngine connects
// between the parent and the self-exec'd engine process.
func pipeCodecs() (engineSide, parentSide *Codec, closeAll func()) {
	cmdR, cmdW := io.Pipe()     // parent -> engine
	replyR, replyW := io.Pipe() // engine -> parent

	engineSide = NewCodec(replyW, cmdR)
	parentSide = NewCodec(cmdW, replyR)
	closeAll = func() {
		cmdR.Close()
		cmdW.Close()
		replyR.Close()
		replyW.Close()
	}
	return engineSide, parentSide, closeAll
}

func testRegistry() *animator.Registry {
	registry := animator.NewRegistry()
	registry.Register("test", animator.NewTestAnimator(4))
	return registry
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

func fakeAttach(name string, size int) ([]byte, func() error, error) {
	return make([]byte, size), func() error { return nil }, nil
}

func TestHandshakeSuccess(t *testing.T) {
	engineSide, parentSide, closeAll := pipeCodecs()
	defer closeAll()

	e := NewEngine(engineSide, testRegistry(), 3, time.Millisecond, testLogger())

	result := make(chan struct {
		name string
		code int
		ok   bool
	}, 1)
	go func() {
		name, code, ok := e.handshake()
		result <- struct {
			name string
			code int
			ok   bool
		}{name, code, ok}
	}()

	if err := parentSide.WriteCommand(Command{
		Kind: CmdInit,
		Payload: Payload{
			SourceReference: "fixture",
			AnimatorKind:    "test",
		},
	}); err != nil {
		t.Fatalf("WriteCommand(init) failed: %v", err)
	}

	reply, err := parentSide.ReadReply()
	if err != nil {
		t.Fatalf("ReadReply failed: %v", err)
	}
	if reply.Kind != ReplyInitSuccess {
		t.Fatalf("expected init_success, got %q (reason %q)", reply.Kind, reply.Payload.Reason)
	}
	if reply.Payload.FrameBytes != uint32(animator.DefaultFrameBytes(4)) {
		t.Errorf("expected frame_bytes %d, got %d", animator.DefaultFrameBytes(4), reply.Payload.FrameBytes)
	}
	if len(reply.Payload.Skeleton.BoneNames) != 4 {
		t.Errorf("expected 4 bones in skeleton, got %d", len(reply.Payload.Skeleton.BoneNames))
	}

	if err := parentSide.WriteCommand(Command{
		Kind:    CmdSetSHM,
		Payload: Payload{SHMName: "test-ring"},
	}); err != nil {
		t.Fatalf("WriteCommand(set_shm) failed: %v", err)
	}

	select {
	case r := <-result:
		if !r.ok {
			t.Fatalf("expected handshake to succeed, got exit code %d", r.code)
		}
		if r.name != "test-ring" {
			t.Errorf("expected shm name %q, got %q", "test-ring", r.name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handshake to complete")
	}
}

func TestHandshakeUnknownAnimatorKind(t *testing.T) {
	engineSide, parentSide, closeAll := pipeCodecs()
	defer closeAll()

	e := NewEngine(engineSide, testRegistry(), 3, time.Millisecond, testLogger())

	result := make(chan int, 1)
	go func() {
		_, code, ok := e.handshake()
		if ok {
			result <- -1
			return
		}
		result <- code
	}()

	if err := parentSide.WriteCommand(Command{
		Kind: CmdInit,
		Payload: Payload{
			SourceReference: "fixture",
			AnimatorKind:    "no-such-kind",
		},
	}); err != nil {
		t.Fatalf("WriteCommand(init) failed: %v", err)
	}

	reply, err := parentSide.ReadReply()
	if err != nil {
		t.Fatalf("ReadReply failed: %v", err)
	}
	if reply.Kind != ReplyInitFailure {
		t.Fatalf("expected init_failure, got %q", reply.Kind)
	}

	select {
	case code := <-result:
		if code != ExitInitFailure {
			t.Errorf("expected exit code %d, got %d", ExitInitFailure, code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handshake to complete")
	}
}

func TestRunShutdownReturnsCleanExit(t *testing.T) {
	engineSide, parentSide, closeAll := pipeCodecs()
	defer closeAll()

	e := NewEngine(engineSide, testRegistry(), 3, time.Millisecond, testLogger())

	exitCode := make(chan int, 1)
	go func() { exitCode <- e.Run(fakeAttach) }()

	if err := parentSide.WriteCommand(Command{
		Kind:    CmdInit,
		Payload: Payload{SourceReference: "fixture", AnimatorKind: "test"},
	}); err != nil {
		t.Fatalf("WriteCommand(init) failed: %v", err)
	}
	if _, err := parentSide.ReadReply(); err != nil {
		t.Fatalf("ReadReply(init_success) failed: %v", err)
	}
	if err := parentSide.WriteCommand(Command{
		Kind:    CmdSetSHM,
		Payload: Payload{SHMName: "test-ring"},
	}); err != nil {
		t.Fatalf("WriteCommand(set_shm) failed: %v", err)
	}

	if err := parentSide.WriteCommand(Command{Kind: CmdShutdown, ReplyRequired: true}); err != nil {
		t.Fatalf("WriteCommand(shutdown) failed: %v", err)
	}

	// Drain replies until the ack for shutdown arrives; slot_published
	// replies may interleave since the ticker keeps producing frames
	// until the shutdown command is drained.
	replies := make(chan Reply)
	go func() {
		for {
			reply, err := parentSide.ReadReply()
			if err != nil {
				return
			}
			replies <- reply
		}
	}()

	deadline := time.After(2 * time.Second)
waitForAck:
	for {
		select {
		case reply := <-replies:
			if reply.Kind == ReplyAck && reply.Payload.Reason == string(CmdShutdown) {
				break waitForAck
			}
		case <-deadline:
			t.Fatal("timed out waiting for shutdown ack")
		}
	}

	select {
	case code := <-exitCode:
		if code != ExitClean {
			t.Errorf("expected exit code %d, got %d", ExitClean, code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Run to return")
	}
}
