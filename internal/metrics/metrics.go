package metrics

import "sync"

// Counter names used across the relay. Auth and pairing failures are counted
// separately from the relay data path so operators can tell a flaky backend
// from a misbehaving fleet.
const (
	AuthFailure          = "auth_failure"
	ClientSessionsOpened = "client_sessions_opened"
	DeviceSessionsOpened = "device_sessions_opened"
	SessionsPaired       = "sessions_paired"
	PairingConflicts     = "pairing_conflicts"
	StaleSlotsEvicted    = "stale_slots_evicted"
	InvalidTokens        = "invalid_tokens"
	OperationMismatches  = "operation_mismatches"
	DispatchFailures     = "dispatch_failures"
	TextFramesRelayed    = "text_frames_relayed"
	BinaryFramesRelayed  = "binary_frames_relayed"
	TeardownCascades     = "teardown_cascades"
	RateLimitedClosed    = "rate_limited_closed"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// A nil *Metrics is valid; all methods are no-ops on nil so callers don't
// need to guard every increment.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
