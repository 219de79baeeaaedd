package gpio

import "sync"

// FakeRelay records relay transitions for tests.
type FakeRelay struct {
	mu      sync.Mutex
	on      bool
	history []bool
	closed  bool

	// SetError, if set, is returned by Set.
	SetError error
}

// NewFakeRelay creates a released fake relay.
func NewFakeRelay() *FakeRelay {
	return &FakeRelay{}
}

func (f *FakeRelay) Set(on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SetError != nil {
		return f.SetError
	}
	f.on = on
	f.history = append(f.history, on)
	return nil
}

func (f *FakeRelay) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// On reports the current relay state.
func (f *FakeRelay) On() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.on
}

// History returns every value passed to Set.
func (f *FakeRelay) History() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.history...)
}

// Closed reports whether Close was called.
func (f *FakeRelay) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
