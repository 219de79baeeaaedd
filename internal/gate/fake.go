package gate

import (
	"context"
	"net"
	"sync"

	"github.com/sweeney/floodgate/internal/model"
)

// FakeActuator records close requests and returns scripted results.
type FakeActuator struct {
	mu     sync.Mutex
	closed []model.GateSite

	// Errors maps gate IP to the error Close returns for it.
	Errors map[string]error
	// OnClose, if set, runs before Close returns.
	OnClose func(g model.GateSite)
}

// NewFakeActuator creates a fake whose closes all succeed.
func NewFakeActuator() *FakeActuator {
	return &FakeActuator{Errors: make(map[string]error)}
}

func (f *FakeActuator) Close(_ context.Context, g model.GateSite) error {
	f.mu.Lock()
	f.closed = append(f.closed, g)
	err := f.Errors[g.GateIP]
	hook := f.OnClose
	f.mu.Unlock()
	if hook != nil {
		hook(g)
	}
	return err
}

// Closed returns every gate Close was called for, in order.
func (f *FakeActuator) Closed() []model.GateSite {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.GateSite(nil), f.closed...)
}

// PipeDialer hands out the client end of a net.Pipe per dial and passes the
// server end to Accept.
type PipeDialer struct {
	Accept func(addr string, server net.Conn)
	Err    error

	mu    sync.Mutex
	addrs []string
}

func (d *PipeDialer) DialContext(_ context.Context, _, addr string) (net.Conn, error) {
	d.mu.Lock()
	d.addrs = append(d.addrs, addr)
	d.mu.Unlock()
	if d.Err != nil {
		return nil, d.Err
	}
	client, server := net.Pipe()
	go d.Accept(addr, server)
	return client, nil
}

// Addrs returns every dialed address.
func (d *PipeDialer) Addrs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.addrs...)
}
