package pipeline

import (
	"context"
	"errors"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sweeney/floodgate/internal/feed"
	"github.com/sweeney/floodgate/internal/logging"
	"github.com/sweeney/floodgate/internal/logic"
	"github.com/sweeney/floodgate/internal/model"
	"github.com/sweeney/floodgate/internal/store"
)

func init() {
	logging.Init(logging.Config{Level: "error", Output: io.Discard})
}

type call struct {
	ip               string
	level, threshold float64
}

type fakeController struct {
	mu     sync.Mutex
	calls  []call
	hook   func()
	result bool
}

func (f *fakeController) RunAutoControl(_ context.Context, ip string, level, threshold float64) (bool, error) {
	if f.hook != nil {
		f.hook()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{ip, level, threshold})
	return f.result, nil
}

func (f *fakeController) Calls() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func setup(t *testing.T) (*Pipeline, *store.Store, *fakeController, *feed.Recorder, *logic.Detector) {
	t.Helper()
	st, err := store.Open("")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	_, err = st.UpsertDevice(context.Background(), model.Device{
		IP: "10.0.0.1", Model: model.ModelStreaming, ThresholdMeters: 2.5, GroundReferenceMm: 10000, UseStatus: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	ctrl := &fakeController{}
	rec := feed.NewRecorder()
	det := logic.NewDetector(time.Minute, 3, nil)
	return New(st, det, ctrl, rec, time.Minute), st, ctrl, rec, det
}

func reading(level float64) model.Reading {
	return model.Reading{
		DeviceIP:  "10.0.0.1",
		LevelMm:   level,
		Timestamp: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC),
		Source:    model.SourceStreaming,
	}
}

func TestIngestPersistsPublishesAndEvaluates(t *testing.T) {
	p, st, ctrl, rec, _ := setup(t)
	ctx := context.Background()

	if err := p.Ingest(ctx, reading(3000)); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	dev, err := st.DeviceByIP(ctx, "10.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	if dev.CurrentLevelMeters != 3.0 {
		t.Errorf("current level: %v", dev.CurrentLevelMeters)
	}
	logs, err := st.RecentLevelLogs(ctx, "10.0.0.1", 5)
	if err != nil || len(logs) != 1 || logs[0].WaterLevel != "3.000" {
		t.Fatalf("level log: %+v %v", logs, err)
	}

	events := rec.OfType(feed.TypeData)
	if len(events) != 1 {
		t.Fatalf("data events: %d", len(events))
	}
	if row := events[0].Data.(model.LevelLog); row.ID == 0 || row.WaterLevel != "3.000" {
		t.Errorf("published row: %+v", row)
	}

	calls := ctrl.Calls()
	if len(calls) != 1 || calls[0].level != 3000 || calls[0].threshold != 2500 {
		t.Errorf("controller calls: %+v", calls)
	}
}

func TestBelowThresholdGoesToDetector(t *testing.T) {
	p, _, ctrl, _, det := setup(t)
	if err := p.Ingest(context.Background(), reading(1200)); err != nil {
		t.Fatal(err)
	}
	if len(ctrl.Calls()) != 0 {
		t.Error("controller must not run below threshold")
	}
	if det.Active() != 0 {
		t.Error("no streak should start below threshold")
	}
}

func TestInvalidReadingsDiscarded(t *testing.T) {
	p, st, _, rec, _ := setup(t)
	for _, lvl := range []float64{-1, math.NaN(), math.Inf(1)} {
		if err := p.Ingest(context.Background(), reading(lvl)); !errors.Is(err, ErrInvalidReading) {
			t.Errorf("level %v: got %v", lvl, err)
		}
	}
	logs, _ := st.RecentLevelLogs(context.Background(), "10.0.0.1", 5)
	if len(logs) != 0 || len(rec.Events()) != 0 {
		t.Error("invalid readings must not be persisted or published")
	}
}

func TestUnknownDevice(t *testing.T) {
	p, _, _, rec, _ := setup(t)
	r := reading(100)
	r.DeviceIP = "10.9.9.9"
	if err := p.Ingest(context.Background(), r); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
	if len(rec.Events()) != 0 {
		t.Error("nothing should be published")
	}
}

func TestThresholdCachedUntilInvalidated(t *testing.T) {
	p, st, ctrl, _, _ := setup(t)
	ctx := context.Background()

	if err := p.Ingest(ctx, reading(2000)); err != nil {
		t.Fatal(err)
	}
	_, err := st.UpsertDevice(ctx, model.Device{IP: "10.0.0.1", Model: model.ModelStreaming, ThresholdMeters: 1.5, UseStatus: true})
	if err != nil {
		t.Fatal(err)
	}

	if err := p.Ingest(ctx, reading(2000)); err != nil {
		t.Fatal(err)
	}
	if len(ctrl.Calls()) != 0 {
		t.Fatal("stale cached threshold should still apply")
	}

	p.Invalidate("10.0.0.1")
	if err := p.Ingest(ctx, reading(2000)); err != nil {
		t.Fatal(err)
	}
	if calls := ctrl.Calls(); len(calls) != 1 || calls[0].threshold != 1500 {
		t.Errorf("calls after invalidate: %+v", calls)
	}
}

func TestSameDeviceReadingsSerialized(t *testing.T) {
	p, _, ctrl, _, _ := setup(t)
	var inFlight, peak int32
	ctrl.hook = func() {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.Ingest(context.Background(), reading(3000))
		}()
	}
	wg.Wait()

	if peak != 1 {
		t.Errorf("peak concurrent evaluations for one device: %d", peak)
	}
	if len(ctrl.Calls()) != 5 {
		t.Errorf("calls: %d", len(ctrl.Calls()))
	}
	if len(p.locks) != 0 {
		t.Errorf("device locks leaked: %d", len(p.locks))
	}
}

func TestEvaluateSkipsPersistence(t *testing.T) {
	p, st, ctrl, rec, _ := setup(t)
	if err := p.Evaluate(context.Background(), reading(3000)); err != nil {
		t.Fatal(err)
	}
	logs, _ := st.RecentLevelLogs(context.Background(), "10.0.0.1", 5)
	if len(logs) != 0 || len(rec.Events()) != 0 {
		t.Error("Evaluate must not persist or publish")
	}
	if len(ctrl.Calls()) != 1 {
		t.Errorf("controller calls: %d", len(ctrl.Calls()))
	}
}
