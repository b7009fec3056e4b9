package session

import "time"

// Config holds the session scheduler's tunables without pinning a
// specific value: target cadence, handshake/close deadlines, the
// subscriber send timeout, and the worker-pool size.
type Config struct {
	// TargetDt is the engine's fixed-rate cadence, e.g. time.Second/60.
	TargetDt time.Duration

	// InitTimeout bounds create()'s wait for init_success.
	InitTimeout time.Duration

	// CloseGracePeriod bounds how long close() waits for the engine to
	// exit cleanly before force-terminating it.
	CloseGracePeriod time.Duration

	// SubscriberSendTimeout bounds how long the broadcast loop waits
	// for a worker-pool slot to send one frame to a subscriber sink;
	// not getting one in time counts as a SubscriberError and the sink
	// is dropped. A send that has started is waited for until it
	// returns; the timeout does not interrupt it.
	SubscriberSendTimeout time.Duration

	// WorkerPoolSize bounds concurrent blocking operations adapted to
	// cooperative suspensions.
	WorkerPoolSize int
}

// DefaultConfig returns the tunables this server ships with.
func DefaultConfig() Config {
	return Config{
		TargetDt:              time.Second / 60,
		InitTimeout:           10 * time.Second,
		CloseGracePeriod:      2 * time.Second,
		SubscriberSendTimeout: 2 * (time.Second / 60) * 8, // ~267ms, generous vs. steady-state latency of <= 2x target_dt
		WorkerPoolSize:        8,
	}
}
