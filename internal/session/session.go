// Package session implements the control-plane object for a single
// streaming session: it spawns the engine process, performs the
// handshake, allocates shared memory, tracks subscribers, owns the
// command channel, and runs the broadcast task.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"

	"github.com/motionstream/motionstream/internal/animator"
	"github.com/motionstream/motionstream/internal/engineproc"
	"github.com/motionstream/motionstream/internal/shm"
	"github.com/motionstream/motionstream/internal/workerpool"
)

// State is the session lifecycle:
// Initializing -> Ready -> Streaming -> Closing -> Closed, with
// Failed reachable from Initializing, Ready, or Streaming.
type State int

const (
	StateInitializing State = iota
	StateReady
	StateStreaming
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// idPattern restricts session ids to what is safe as a shared-memory
// name suffix.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateID reports whether id is printable and shm-name-safe.
func ValidateID(id string) error {
	if id == "" || !idPattern.MatchString(id) {
		return newError(ErrKindInvalidInput, fmt.Sprintf("invalid session id %q: must be non-empty alphanumerics/hyphen/underscore", id), nil)
	}
	return nil
}

// Subscription is the handle subscribe() returns; pass it to
// unsubscribe() to remove the sink.
type Subscription struct {
	id uint64
}

// Sink is an opaque per-subscriber output interface that accepts a
// byte slice and may fail.
type Sink interface {
	Send(frame []byte) error
}

// Session is the control-plane object owning one streaming engine.
type Session struct {
	id              string
	animatorKind    string
	sourceReference string
	cfg             Config
	logger          *slog.Logger
	pool            *workerpool.Pool

	mu    sync.RWMutex
	state State

	skeleton   animator.Skeleton
	frameBytes int

	ring *shm.Ring

	codec   *engineproc.Codec
	proc    engineProcess
	slotIdx chan int

	cmdMu sync.Mutex // serializes command-channel access

	subMu     sync.RWMutex
	subs      map[uint64]Sink
	nextSubID uint64

	broadcastCancel context.CancelFunc
	broadcastDone   chan struct{}

	closeOnce sync.Once
}

// engineProcess abstracts the spawned child so tests can substitute a
// fake without a real os/exec.Cmd.
type engineProcess interface {
	Wait() error
	Kill() error
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// ID returns the session's identifier.
func (s *Session) ID() string { return s.id }

// Describe returns the cached post-handshake skeleton and frame size.
func (s *Session) Describe() (animator.Skeleton, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state == StateInitializing {
		return animator.Skeleton{}, 0, newError(ErrKindInvalidInput, "session not yet ready", nil)
	}
	return s.skeleton, s.frameBytes, nil
}

func (s *Session) sendCommand(ctx context.Context, cmd engineproc.Command) error {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	res := <-s.pool.Go(ctx, func() (any, error) {
		return nil, s.codec.WriteCommand(cmd)
	})
	return res.Err
}

// SetSpeed sends a fire-and-forget playback speed change.
func (s *Session) SetSpeed(ctx context.Context, speed float32) error {
	if err := s.requireOpen(); err != nil {
		return err
	}
	return s.sendCommand(ctx, engineproc.Command{
		Kind:    engineproc.CmdSetSpeed,
		Payload: engineproc.Payload{Speed: speed},
	})
}

// Pause sends a fire-and-forget pause command.
func (s *Session) Pause(ctx context.Context) error {
	if err := s.requireOpen(); err != nil {
		return err
	}
	return s.sendCommand(ctx, engineproc.Command{Kind: engineproc.CmdPause})
}

// Resume sends a fire-and-forget resume command.
func (s *Session) Resume(ctx context.Context) error {
	if err := s.requireOpen(); err != nil {
		return err
	}
	return s.sendCommand(ctx, engineproc.Command{Kind: engineproc.CmdResume})
}

// Seek sends a fire-and-forget seek-to-timestamp command.
func (s *Session) Seek(ctx context.Context, timeSeconds float32) error {
	if err := s.requireOpen(); err != nil {
		return err
	}
	return s.sendCommand(ctx, engineproc.Command{
		Kind:    engineproc.CmdSeek,
		Payload: engineproc.Payload{SeekTime: timeSeconds},
	})
}

func (s *Session) requireOpen() error {
	switch s.State() {
	case StateClosing, StateClosed:
		return newError(ErrKindClosedSession, fmt.Sprintf("session %s is closed", s.id), nil)
	case StateFailed:
		return newError(ErrKindEngineLost, fmt.Sprintf("session %s's engine was lost", s.id), nil)
	default:
		return nil
	}
}

// Subscribe adds sink to the fan-out set. The first subscriber
// transitions Ready -> Streaming.
func (s *Session) Subscribe(sink Sink) (*Subscription, error) {
	if err := s.requireOpen(); err != nil {
		return nil, err
	}

	s.subMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subs[id] = sink
	first := len(s.subs) == 1
	s.subMu.Unlock()

	if first {
		s.mu.Lock()
		if s.state == StateReady {
			s.state = StateStreaming
		}
		s.mu.Unlock()
	}

	return &Subscription{id: id}, nil
}

// Unsubscribe removes sub from the fan-out set. Idempotent.
func (s *Session) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	s.subMu.Lock()
	delete(s.subs, sub.id)
	s.subMu.Unlock()
}

func (s *Session) subscriberCount() int {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	return len(s.subs)
}

func (s *Session) snapshotSubscribers() map[uint64]Sink {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	out := make(map[uint64]Sink, len(s.subs))
	for id, sink := range s.subs {
		out[id] = sink
	}
	return out
}

func (s *Session) removeSubscriber(id uint64) {
	s.subMu.Lock()
	delete(s.subs, id)
	s.subMu.Unlock()
}
