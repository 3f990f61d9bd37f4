// ABOUTME: Telemetry constructors for tests
// ABOUTME: NewForTesting is disabled telemetry, NewInMemory keeps real instruments for assertions

package telemetry

// NewForTesting returns a no-op telemetry instance for use in tests.
func NewForTesting() Telemetry {
	return NewNoop()
}

// NewInMemory returns an enabled provider whose metrics can be read back with Snapshot.
func NewInMemory() Telemetry {
	cfg := DefaultConfig()
	tel, err := New(cfg)
	if err != nil {
		return NewNoop()
	}
	return tel
}
