// Package poller ingests database-polled sensors: on each interval it reads,
// per device, the earliest vendor row newer than the device watermark and
// feeds it through the shared ingest pipeline.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sweeney/floodgate/internal/logging"
	"github.com/sweeney/floodgate/internal/metrics"
	"github.com/sweeney/floodgate/internal/model"
	"github.com/sweeney/floodgate/internal/pipeline"
)

// Devices lists registered devices.
type Devices interface {
	DevicesByModel(ctx context.Context, m model.DeviceModel) ([]model.Device, error)
}

// Sink accepts normalized readings.
type Sink interface {
	Ingest(ctx context.Context, r model.Reading) error
}

// Config controls the polling cadence and row interpretation.
type Config struct {
	Interval     time.Duration
	DefaultEpoch time.Time
	// Unit of the vendor value column: m, cm or mm.
	Unit string
}

// Stats summarizes one cycle.
type Stats struct {
	Skipped  bool
	Devices  int
	Ingested int
	Empty    int
	Failed   int
}

// Poller runs polling cycles.
type Poller struct {
	cfg     Config
	devices Devices
	source  Source
	marks   Watermarks
	sink    Sink

	running atomic.Bool

	lastMu sync.Mutex
	last   Stats
	lastAt time.Time
}

// New creates a poller. A nil marks keeps watermarks in memory.
func New(cfg Config, devices Devices, source Source, marks Watermarks, sink Sink) *Poller {
	if marks == nil {
		marks = NewMemoryWatermarks()
	}
	return &Poller{cfg: cfg, devices: devices, source: source, marks: marks, sink: sink}
}

// ToMm converts a vendor value to millimeters.
func ToMm(v float64, unit string) float64 {
	switch unit {
	case "m":
		return v * 1000
	case "cm":
		return v * 10
	default:
		return v
	}
}

// Serve runs a cycle immediately and then on every interval until ctx is
// done. Cycles run inline, so no cycle outlives Serve; ticks that fire
// during a long cycle are coalesced.
func (p *Poller) Serve(ctx context.Context) error {
	t := time.NewTicker(p.cfg.Interval)
	defer t.Stop()
	for {
		p.runCycle(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (p *Poller) runCycle(ctx context.Context) {
	st, err := p.Cycle(ctx)
	if err != nil {
		logging.Warn().Err(err).Msg("poll cycle failed")
		return
	}
	if st.Skipped {
		return
	}
	p.lastMu.Lock()
	p.last, p.lastAt = st, time.Now()
	p.lastMu.Unlock()
	logging.Debug().
		Int("devices", st.Devices).
		Int("ingested", st.Ingested).
		Int("empty", st.Empty).
		Int("failed", st.Failed).
		Msg("poll cycle complete")
}

// Last returns the stats of the most recent completed cycle run by Serve.
// The time is zero before the first one.
func (p *Poller) Last() (Stats, time.Time) {
	p.lastMu.Lock()
	defer p.lastMu.Unlock()
	return p.last, p.lastAt
}

// Cycle polls every usable polling device once. A cycle started while
// another is running is skipped.
func (p *Poller) Cycle(ctx context.Context) (Stats, error) {
	if !p.running.CompareAndSwap(false, true) {
		metrics.PollCycles.WithLabelValues("skipped").Inc()
		logging.Debug().Msg("previous poll cycle still running, skipping")
		return Stats{Skipped: true}, nil
	}
	defer p.running.Store(false)

	devices, err := p.devices.DevicesByModel(ctx, model.ModelPolling)
	if err != nil {
		metrics.PollCycles.WithLabelValues("error").Inc()
		return Stats{}, fmt.Errorf("list polling devices: %w", err)
	}

	var st Stats
	for _, d := range devices {
		if ctx.Err() != nil {
			break
		}
		if !d.UseStatus {
			continue
		}
		st.Devices++
		got, err := p.pollDevice(ctx, d.IP)
		switch {
		case err != nil:
			st.Failed++
			logging.Warn().Err(err).Str("ip", d.IP).Msg("poll failed for device")
		case got:
			st.Ingested++
		default:
			st.Empty++
		}
	}

	outcome := "ok"
	if st.Failed > 0 {
		outcome = "error"
	}
	metrics.PollCycles.WithLabelValues(outcome).Inc()
	return st, nil
}

func (p *Poller) pollDevice(ctx context.Context, ip string) (bool, error) {
	mark, ok, err := p.marks.Get(ip)
	if err != nil {
		return false, err
	}
	if !ok {
		mark = p.cfg.DefaultEpoch
	}

	row, found, err := p.source.Next(ctx, ip, mark)
	if err != nil || !found {
		return false, err
	}

	r := model.Reading{
		DeviceIP:  ip,
		LevelMm:   ToMm(row.Value, p.cfg.Unit),
		Timestamp: row.EventTime,
		Source:    model.SourcePolling,
	}
	// A malformed row is consumed; anything else is retried next cycle
	if err := p.sink.Ingest(ctx, r); err != nil && !errors.Is(err, pipeline.ErrInvalidReading) {
		return false, err
	}
	if err := p.marks.Set(ip, row.EventTime); err != nil {
		return false, fmt.Errorf("advance watermark: %w", err)
	}
	return true, nil
}

// Watermark returns the current watermark of a device, falling back to the
// default epoch.
func (p *Poller) Watermark(ip string) (time.Time, error) {
	t, ok, err := p.marks.Get(ip)
	if err != nil {
		return time.Time{}, err
	}
	if !ok {
		return p.cfg.DefaultEpoch, nil
	}
	return t, nil
}
