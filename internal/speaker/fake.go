package speaker

import (
	"context"
	"sync"
)

// Call is one recorded broadcast.
type Call struct {
	IP      string
	Message string
}

// FakeBroadcaster records broadcasts for tests.
type FakeBroadcaster struct {
	mu    sync.Mutex
	calls []Call

	// Err, if set, is returned by Broadcast after recording the call.
	Err error
	// OnBroadcast, if set, runs inside Broadcast.
	OnBroadcast func(ip string)
}

func (f *FakeBroadcaster) Broadcast(_ context.Context, ip, message string) error {
	f.mu.Lock()
	f.calls = append(f.calls, Call{IP: ip, Message: message})
	hook, err := f.OnBroadcast, f.Err
	f.mu.Unlock()
	if hook != nil {
		hook(ip)
	}
	return err
}

// Calls returns the recorded broadcasts.
func (f *FakeBroadcaster) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}
