package session

import "context"

// runBroadcast is the cooperative loop that awaits the next published
// slot index, forms a read-only view into shared memory without
// copying, and fans it out to every subscriber sink. Failing sinks
// are removed without affecting others. With zero subscribers the
// loop still drains the channel so the engine never stalls on
// backpressure, and the slot-index channel never grows unbounded.
func (s *Session) runBroadcast(ctx context.Context) {
	defer close(s.broadcastDone)

	for {
		select {
		case <-ctx.Done():
			return

		case slotIdx, ok := <-s.slotIdx:
			if !ok {
				// Engine's publisher goroutine exited: treat as engine
				// loss.
				s.handleEngineLost()
				return
			}

			region, err := s.ring.Slot(slotIdx)
			if err != nil {
				s.logger.Error("broadcast: invalid slot index from engine", "session_id", s.id, "slot", slotIdx, "error", err)
				continue
			}

			s.fanOut(ctx, region)
		}
	}
}

func (s *Session) fanOut(ctx context.Context, frame []byte) {
	for id, sink := range s.snapshotSubscribers() {
		sendCtx, cancel := context.WithTimeout(ctx, s.cfg.SubscriberSendTimeout)
		res := <-s.pool.Go(sendCtx, func() (any, error) {
			return nil, sink.Send(frame)
		})
		cancel()

		if res.Err != nil {
			s.logger.Debug("broadcast: dropping subscriber after send error", "session_id", s.id, "error", res.Err)
			s.removeSubscriber(id)
		}
	}
}

func (s *Session) handleEngineLost() {
	s.mu.Lock()
	if s.state != StateClosing && s.state != StateClosed {
		s.state = StateFailed
	}
	s.mu.Unlock()

	for id, sink := range s.snapshotSubscribers() {
		if closer, ok := sink.(interface{ Close() error }); ok {
			_ = closer.Close()
		}
		s.removeSubscriber(id)
	}

	s.logger.Warn("session: engine lost, session failed", "session_id", s.id)
}
