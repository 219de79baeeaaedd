// Package pipeline is the shared ingest path every sensor adapter feeds:
// validate, persist, publish, then hand exceedances to the control engine.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sweeney/floodgate/internal/cache"
	"github.com/sweeney/floodgate/internal/feed"
	"github.com/sweeney/floodgate/internal/logging"
	"github.com/sweeney/floodgate/internal/logic"
	"github.com/sweeney/floodgate/internal/metrics"
	"github.com/sweeney/floodgate/internal/model"
	"github.com/sweeney/floodgate/internal/store"
)

// ErrInvalidReading is returned for negative or NaN levels.
var ErrInvalidReading = errors.New("invalid reading")

// Store is the persistence the pipeline writes through.
type Store interface {
	ThresholdMm(ctx context.Context, ip string) (float64, error)
	UpdateDeviceLevel(ctx context.Context, ip string, meters float64, at time.Time) error
	InsertLevelLog(ctx context.Context, entry model.LevelLog) (model.LevelLog, error)
}

// Controller evaluates an exceeding reading.
type Controller interface {
	RunAutoControl(ctx context.Context, deviceIP string, levelMm, thresholdMm float64) (bool, error)
}

// ControllerFunc adapts a function to Controller.
type ControllerFunc func(ctx context.Context, deviceIP string, levelMm, thresholdMm float64) (bool, error)

func (f ControllerFunc) RunAutoControl(ctx context.Context, deviceIP string, levelMm, thresholdMm float64) (bool, error) {
	return f(ctx, deviceIP, levelMm, thresholdMm)
}

// Pipeline serializes readings per device and runs them through the store,
// the feed and the control engine.
type Pipeline struct {
	store      Store
	detector   *logic.Detector
	controller Controller
	feed       feed.Publisher
	thresholds *cache.TTL[string, float64]

	mu    sync.Mutex
	locks map[string]*deviceLock
}

type deviceLock struct {
	mu   sync.Mutex
	refs int
}

// New creates a pipeline. thresholdTTL bounds how long a device threshold is
// served from memory.
func New(st Store, detector *logic.Detector, controller Controller, pub feed.Publisher, thresholdTTL time.Duration) *Pipeline {
	if pub == nil {
		pub = feed.Fanout(nil)
	}
	return &Pipeline{
		store:      st,
		detector:   detector,
		controller: controller,
		feed:       pub,
		thresholds: cache.New[string, float64](thresholdTTL, nil),
		locks:      make(map[string]*deviceLock),
	}
}

// Invalidate drops the cached threshold of a device.
func (p *Pipeline) Invalidate(ip string) {
	p.thresholds.Delete(ip)
}

// Ingest runs one reading through the pipeline. Readings from the same device
// are processed one at a time, in call order.
func (p *Pipeline) Ingest(ctx context.Context, r model.Reading) error {
	return p.process(ctx, r, true)
}

// Evaluate runs the threshold path for a reading without persisting or
// publishing it. Streaming sensors use it for readings inside the deadband.
func (p *Pipeline) Evaluate(ctx context.Context, r model.Reading) error {
	return p.process(ctx, r, false)
}

func (p *Pipeline) process(ctx context.Context, r model.Reading, persist bool) error {
	log := logging.With().Str("ip", r.DeviceIP).Str("source", string(r.Source)).Logger()

	if math.IsNaN(r.LevelMm) || math.IsInf(r.LevelMm, 0) || r.LevelMm < 0 {
		metrics.ReadingsDropped.WithLabelValues("invalid").Inc()
		log.Warn().Float64("level_mm", r.LevelMm).Msg("discarding invalid reading")
		return fmt.Errorf("%w: %s level %v", ErrInvalidReading, r.DeviceIP, r.LevelMm)
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}

	unlock := p.lock(r.DeviceIP)
	defer unlock()

	threshold, err := p.threshold(ctx, r.DeviceIP)
	if errors.Is(err, store.ErrNotFound) {
		metrics.ReadingsDropped.WithLabelValues("unknown_device").Inc()
		log.Warn().Msg("reading from unregistered device")
		return err
	}
	if err != nil {
		metrics.ReadingsDropped.WithLabelValues("store_error").Inc()
		return err
	}

	if persist {
		if err := p.store.UpdateDeviceLevel(ctx, r.DeviceIP, r.Meters(), r.Timestamp); err != nil {
			metrics.ReadingsDropped.WithLabelValues("store_error").Inc()
			return fmt.Errorf("ingest %s: %w", r.DeviceIP, err)
		}
		row, err := p.store.InsertLevelLog(ctx, model.NewLevelLog(r))
		if err != nil {
			metrics.ReadingsDropped.WithLabelValues("store_error").Inc()
			return fmt.Errorf("ingest %s: %w", r.DeviceIP, err)
		}
		metrics.ReadingsTotal.WithLabelValues(string(r.Source)).Inc()
		metrics.DeviceLevel.WithLabelValues(r.DeviceIP).Set(r.Meters())
		p.feed.Publish(feed.NewEvent(feed.TypeData, row))
	}

	if threshold <= 0 {
		return nil
	}
	if r.LevelMm < threshold {
		p.detector.CheckExceed(r.DeviceIP, r.LevelMm, threshold)
		return nil
	}

	fired, err := p.controller.RunAutoControl(ctx, r.DeviceIP, r.LevelMm, threshold)
	if err != nil {
		log.Error().Err(err).Msg("auto control evaluation failed")
		return nil
	}
	if fired {
		log.Info().Float64("level_mm", r.LevelMm).Float64("threshold_mm", threshold).Msg("auto control fired")
	}
	return nil
}

func (p *Pipeline) threshold(ctx context.Context, ip string) (float64, error) {
	if v, ok := p.thresholds.Get(ip); ok {
		return v, nil
	}
	v, err := p.store.ThresholdMm(ctx, ip)
	if err != nil {
		return 0, err
	}
	p.thresholds.Set(ip, v)
	return v, nil
}

// lock takes the per-device lock and returns its release. Entries are
// dropped once no reading holds or waits on them.
func (p *Pipeline) lock(ip string) func() {
	p.mu.Lock()
	l, ok := p.locks[ip]
	if !ok {
		l = &deviceLock{}
		p.locks[ip] = l
	}
	l.refs++
	p.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		p.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(p.locks, ip)
		}
		p.mu.Unlock()
	}
}
