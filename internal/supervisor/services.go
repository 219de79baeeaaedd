package supervisor

import (
	"context"
	"time"

	"github.com/thejerf/suture/v4"
)

// named gives a service a stable name in supervisor events.
type named struct {
	name string
	svc  suture.Service
}

// Named wraps svc so suture logs it as name.
func Named(name string, svc suture.Service) suture.Service {
	return &named{name: name, svc: svc}
}

func (n *named) Serve(ctx context.Context) error { return n.svc.Serve(ctx) }
func (n *named) String() string                  { return n.name }

// Ticker runs fn every period until ctx is done.
type Ticker struct {
	name   string
	period time.Duration
	fn     func(ctx context.Context)
}

// NewTicker creates a periodic service.
func NewTicker(name string, period time.Duration, fn func(ctx context.Context)) *Ticker {
	return &Ticker{name: name, period: period, fn: fn}
}

func (t *Ticker) Serve(ctx context.Context) error {
	tk := time.NewTicker(t.period)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tk.C:
			t.fn(ctx)
		}
	}
}

func (t *Ticker) String() string { return t.name }
