package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/motionstream/motionstream/internal/animator"
	"github.com/motionstream/motionstream/internal/engineproc"
	"github.com/motionstream/motionstream/internal/shm"
	"github.com/motionstream/motionstream/internal/workerpool"
)

// Manager is the process-wide mapping from session id to Session: a
// single structure in the main process, mutated only from the
// cooperative scheduler.
type Manager struct {
	cfg      Config
	registry *animator.Registry
	logger   *slog.Logger
	pool     *workerpool.Pool

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager constructs a Manager. registry supplies the animator
// kinds the engine process can construct.
func NewManager(cfg Config, registry *animator.Registry, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		registry: registry,
		logger:   logger,
		pool:     workerpool.New(cfg.WorkerPoolSize),
		sessions: make(map[string]*Session),
	}
}

// Get returns the session by id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// List returns every known session id.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Create spawns the engine, performs the bounded handshake, allocates
// shared memory, starts the broadcast task, and transitions to Ready.
// The handshake's blocking reads are adapted to a cooperative
// suspension via the worker pool so they never block the scheduler.
func (m *Manager) Create(ctx context.Context, id, sourceReference, animatorKind string) (*Session, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	if !m.registry.Has(animatorKind) {
		return nil, newError(ErrKindInvalidInput, fmt.Sprintf("unknown animator kind %q", animatorKind), nil)
	}

	m.mu.Lock()
	if _, exists := m.sessions[id]; exists {
		m.mu.Unlock()
		return nil, newError(ErrKindAlreadyExists, fmt.Sprintf("session %q already exists", id), nil)
	}
	s := &Session{
		id:              id,
		animatorKind:    animatorKind,
		sourceReference: sourceReference,
		cfg:             m.cfg,
		logger:          m.logger,
		pool:            m.pool,
		state:           StateInitializing,
		subs:            make(map[uint64]Sink),
		broadcastDone:   make(chan struct{}),
	}
	m.sessions[id] = s
	m.mu.Unlock()

	if err := m.initializeSession(ctx, s); err != nil {
		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
		s.setState(StateFailed)
		return nil, err
	}

	return s, nil
}

func (m *Manager) initializeSession(ctx context.Context, s *Session) error {
	codec, proc, err := spawnEngine()
	if err != nil {
		return newError(ErrKindInitFailure, "failed to spawn engine process", err)
	}

	handshakeCtx, cancel := context.WithTimeout(ctx, m.cfg.InitTimeout)
	defer cancel()

	type handshakeResult struct {
		skeleton   animator.Skeleton
		frameBytes int
		ring       *shm.Ring
	}

	resCh := m.pool.Go(handshakeCtx, func() (any, error) {
		skeleton, frameBytes, ring, err := performHandshake(handshakeCtx, codec, s.id, s.sourceReference, s.animatorKind)
		if err != nil {
			return nil, err
		}
		return handshakeResult{skeleton: skeleton, frameBytes: frameBytes, ring: ring}, nil
	})

	select {
	case <-handshakeCtx.Done():
		_ = proc.Kill()
		return newError(ErrKindInitTimeout, fmt.Sprintf("session %s: handshake did not complete within %s", s.id, m.cfg.InitTimeout), handshakeCtx.Err())

	case res := <-resCh:
		if res.Err != nil {
			_ = proc.Kill()
			kind := ErrKindInitFailure
			if handshakeCtx.Err() != nil {
				kind = ErrKindInitTimeout
			}
			return newError(kind, fmt.Sprintf("session %s: handshake failed", s.id), res.Err)
		}

		hr := res.Value.(handshakeResult)

		s.mu.Lock()
		s.skeleton = hr.skeleton
		s.frameBytes = hr.frameBytes
		s.mu.Unlock()

		s.ring = hr.ring
		s.codec = codec
		s.proc = proc
		s.slotIdx = make(chan int, shm.Slots)

		slotErrCh := make(chan error, 1)
		go pumpSlotIndices(codec, s.slotIdx, slotErrCh)
		go func() {
			if err := <-slotErrCh; err != nil {
				m.logger.Debug("session: slot-index pump ended", "session_id", s.id, "error", err)
			}
		}()

		broadcastCtx, broadcastCancel := context.WithCancel(context.Background())
		s.broadcastCancel = broadcastCancel
		go s.runBroadcast(broadcastCtx)

		s.setState(StateReady)
		return nil
	}
}

// pumpSlotIndices reads slot_published replies off the codec and
// forwards them to dst, closing dst when the codec read fails (engine
// process gone).
func pumpSlotIndices(codec *engineproc.Codec, dst chan<- int, errOut chan<- error) {
	defer close(dst)
	for {
		reply, err := codec.ReadReply()
		if err != nil {
			errOut <- err
			return
		}
		if reply.Kind != engineproc.ReplySlotPublished {
			continue
		}
		select {
		case dst <- int(reply.Payload.SlotIndex):
		default:
			// Ring full: drop the oldest notification rather than block
			// the engine's publisher goroutine. Newest wins.
			select {
			case <-dst:
			default:
			}
			select {
			case dst <- int(reply.Payload.SlotIndex):
			default:
			}
		}
	}
}

// Close sends shutdown, awaits engine exit with a bounded timeout,
// cancels the broadcast task, and unlinks shared memory. Idempotent.
func (m *Manager) Close(ctx context.Context, id string) error {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return newError(ErrKindNotFound, fmt.Sprintf("session %q not found", id), nil)
	}

	err := s.close(ctx)

	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()

	return err
}

func (s *Session) close(ctx context.Context) error {
	var closeErr error
	s.closeOnce.Do(func() {
		s.setState(StateClosing)

		if s.codec != nil {
			_ = s.sendCommand(ctx, engineproc.Command{Kind: engineproc.CmdShutdown})
		}

		if s.proc != nil {
			if err := waitEngineExit(s.proc, s.cfg.CloseGracePeriod); err != nil {
				closeErr = err
			}
		}

		if s.broadcastCancel != nil {
			s.broadcastCancel()
			<-s.broadcastDone
		}

		if s.ring != nil {
			_ = s.ring.Close()
			_ = s.ring.Unlink()
		}

		for id, sink := range s.snapshotSubscribers() {
			if closer, ok := sink.(interface{ Close() error }); ok {
				_ = closer.Close()
			}
			s.removeSubscriber(id)
		}

		s.setState(StateClosed)
	})
	return closeErr
}
