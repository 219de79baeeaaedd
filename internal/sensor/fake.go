package sensor

import (
	"context"
	"net"
	"sync"
)

// FakeDialer connects to in-memory sensors. Each dial hands the server end
// of a net.Pipe to Accept, unless Err returns an error for the attempt.
type FakeDialer struct {
	Accept func(addr string, server net.Conn)
	Err    func(attempt int) error

	mu    sync.Mutex
	addrs []string
}

func (d *FakeDialer) DialContext(ctx context.Context, _, addr string) (net.Conn, error) {
	d.mu.Lock()
	d.addrs = append(d.addrs, addr)
	attempt := len(d.addrs)
	d.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.Err != nil {
		if err := d.Err(attempt); err != nil {
			return nil, err
		}
	}
	client, server := net.Pipe()
	if d.Accept != nil {
		go d.Accept(addr, server)
	}
	return client, nil
}

// Dials returns the number of dial attempts.
func (d *FakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.addrs)
}

// Addrs returns every dialed address.
func (d *FakeDialer) Addrs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.addrs...)
}
