// Package control decides when sustained high water warrants closing gates
// and carries the decision out: group or individual policy resolution,
// speaker warning, gate actuation, feed summary and audit trail.
package control

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sweeney/floodgate/internal/feed"
	"github.com/sweeney/floodgate/internal/gate"
	"github.com/sweeney/floodgate/internal/logging"
	"github.com/sweeney/floodgate/internal/logic"
	"github.com/sweeney/floodgate/internal/metrics"
	"github.com/sweeney/floodgate/internal/model"
	"github.com/sweeney/floodgate/internal/speaker"
	"github.com/sweeney/floodgate/internal/store"
)

// Store is the relational state the engine reads and writes.
type Store interface {
	DeviceByIP(ctx context.Context, ip string) (model.Device, error)
	GroupForDevice(ctx context.Context, deviceID int64) (model.Group, error)
	GroupMembers(ctx context.Context, groupID int64) ([]model.MemberLevel, error)
	BindingsForDevice(ctx context.Context, deviceID int64) ([]model.Binding, error)
	OpenGatesForDevice(ctx context.Context, deviceID int64) ([]model.GateSite, error)
	OpenGatesForGroup(ctx context.Context, groupID int64) ([]model.GateSite, error)
	Gate(ctx context.Context, siteID int64) (model.GateSite, error)
	ClaimGate(ctx context.Context, siteID int64) (bool, error)
	SetGateStatus(ctx context.Context, siteID int64, status model.GateStatus) error
}

// OperationLogger persists audit entries.
type OperationLogger interface {
	LogOperation(ctx context.Context, op model.Operation) error
}

// Actuator closes one gate.
type Actuator interface {
	Close(ctx context.Context, g model.GateSite) error
}

// Alarm signals locally that control was approved.
type Alarm interface {
	Pulse() error
}

// Config tunes the engine.
type Config struct {
	// HybridFallback lets hybrid devices fall back to individual evaluation
	// when their group does not approve.
	HybridFallback bool
	// SpeakerSettle is the wait between warning and actuation.
	SpeakerSettle time.Duration
	// WriteAfterSuccess records a gate closed only once actuation succeeds.
	WriteAfterSuccess bool
	// Message is the speaker announcement.
	Message string
}

// Deps are the engine's collaborators. Speaker, Alarm and Audit are optional.
type Deps struct {
	Store    Store
	Detector *logic.Detector
	Actuator Actuator
	Speaker  speaker.Broadcaster
	Alarm    Alarm
	Feed     feed.Publisher
	Audit    OperationLogger
}

// Scope names the policy that approved a run.
const (
	ScopeGroup      = "group"
	ScopeIndividual = "individual"
)

// Report summarizes one evaluation. It is also the auto_control feed payload.
type Report struct {
	RunID       string              `json:"run_id"`
	DeviceIP    string              `json:"device_ip"`
	Scope       string              `json:"scope,omitempty"`
	GroupID     int64               `json:"group_id,omitempty"`
	LevelMm     float64             `json:"level_mm"`
	ThresholdMm float64             `json:"threshold_mm"`
	Fired       bool                `json:"fired"`
	Outcomes    []model.GateOutcome `json:"outcomes"`
	Success     int                 `json:"success"`
	Failure     int                 `json:"failure"`
	Skipped     int                 `json:"skipped"`
}

// Engine is the automatic control decision engine.
type Engine struct {
	cfg  Config
	deps Deps

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	claimMu sync.Mutex
	claimed map[int64]bool
}

// NewEngine creates an engine.
func NewEngine(cfg Config, deps Deps) *Engine {
	if cfg.Message == "" {
		cfg.Message = speaker.DefaultMessage
	}
	if deps.Feed == nil {
		deps.Feed = feed.Fanout(nil)
	}
	return &Engine{
		cfg:     cfg,
		deps:    deps,
		sleep:   sleepCtx,
		now:     time.Now,
		claimed: make(map[int64]bool),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunAutoControl evaluates an exceeding reading from deviceIP. Report.Fired
// is true when a policy approved control; the error is reserved for store
// failures that prevented evaluation.
func (e *Engine) RunAutoControl(ctx context.Context, deviceIP string, levelMm, thresholdMm float64) (Report, error) {
	rep := Report{DeviceIP: deviceIP, LevelMm: levelMm, ThresholdMm: thresholdMm}

	dev, err := e.deps.Store.DeviceByIP(ctx, deviceIP)
	if errors.Is(err, store.ErrNotFound) {
		logging.Debug().Str("ip", deviceIP).Msg("auto control: unregistered device")
		return rep, nil
	}
	if err != nil {
		return rep, err
	}

	bindings, err := e.deps.Store.BindingsForDevice(ctx, dev.ID)
	if err != nil {
		return rep, err
	}
	mode := controlMode(bindings)

	if mode != model.ControlIndividual {
		grp, err := e.deps.Store.GroupForDevice(ctx, dev.ID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			// Ungrouped: individual evaluation below
		case err != nil:
			return rep, err
		default:
			approved, err := e.evaluateGroup(ctx, &rep, grp)
			if err != nil || approved {
				return rep, err
			}
			if mode == model.ControlGroupOnly || !e.cfg.HybridFallback {
				return rep, nil
			}
			logging.Debug().Str("ip", deviceIP).Int64("group_id", grp.ID).Msg("hybrid fallback to individual evaluation")
		}
	}

	return rep, e.evaluateIndividual(ctx, &rep, dev, levelMm, thresholdMm)
}

// controlMode takes the mode of the first enabled binding.
func controlMode(bindings []model.Binding) model.ControlMode {
	for _, b := range bindings {
		if b.Enabled && b.ControlMode != "" {
			return b.ControlMode
		}
	}
	return model.ControlIndividual
}

func (e *Engine) evaluateGroup(ctx context.Context, rep *Report, grp model.Group) (bool, error) {
	members, err := e.deps.Store.GroupMembers(ctx, grp.ID)
	if err != nil {
		return false, err
	}
	if len(members) == 0 {
		return false, nil
	}

	allExceeded, anyExceeded := true, false
	var maxLevel, minThreshold float64
	for _, m := range members {
		if m.Exceeded() {
			anyExceeded = true
		} else {
			allExceeded = false
		}
		if m.LevelMeters > maxLevel {
			maxLevel = m.LevelMeters
		}
		if m.ThresholdMeters > 0 && (minThreshold == 0 || m.ThresholdMeters < minThreshold) {
			minThreshold = m.ThresholdMeters
		}
	}

	met := anyExceeded
	if grp.ThresholdMode == model.ModeAnd {
		met = allExceeded
	}
	log := logging.With().Int64("group_id", grp.ID).Str("mode", string(grp.ThresholdMode)).Logger()
	if !met {
		log.Debug().Bool("all", allExceeded).Bool("any", anyExceeded).Msg("group policy not met")
		return false, nil
	}

	key := logic.GroupKey(grp.ID)
	levelMm, thresholdMm := maxLevel*1000, minThreshold*1000
	if !e.deps.Detector.CheckExceed(key, levelMm, thresholdMm) {
		return false, nil
	}

	rep.Scope, rep.GroupID, rep.Fired = ScopeGroup, grp.ID, true
	metrics.ThresholdTriggers.Inc()
	metrics.ControlRuns.WithLabelValues(ScopeGroup).Inc()

	gates, err := e.deps.Store.OpenGatesForGroup(ctx, grp.ID)
	if err != nil {
		e.deps.Detector.ResetCount(key, thresholdMm)
		return true, err
	}
	if len(gates) == 0 {
		log.Info().Msg("group approved, no open gates bound")
		e.deps.Detector.ResetCount(key, thresholdMm)
		return true, nil
	}

	e.execute(ctx, rep, gates)
	e.deps.Detector.ResetCount(key, thresholdMm)
	return true, nil
}

func (e *Engine) evaluateIndividual(ctx context.Context, rep *Report, dev model.Device, levelMm, thresholdMm float64) error {
	if !e.deps.Detector.CheckExceed(dev.IP, levelMm, thresholdMm) {
		return nil
	}
	rep.Scope, rep.Fired = ScopeIndividual, true
	metrics.ThresholdTriggers.Inc()
	metrics.ControlRuns.WithLabelValues(ScopeIndividual).Inc()
	defer e.deps.Detector.ResetCount(dev.IP, thresholdMm)

	gates, err := e.deps.Store.OpenGatesForDevice(ctx, dev.ID)
	if err != nil {
		return err
	}
	if len(gates) == 0 {
		logging.Info().Str("ip", dev.IP).Msg("individual control approved, no open gates bound")
		return nil
	}
	e.execute(ctx, rep, gates)
	return nil
}

// execute actuates every candidate gate concurrently and publishes the summary.
func (e *Engine) execute(ctx context.Context, rep *Report, gates []model.GateSite) {
	rep.RunID = uuid.NewString()

	if e.deps.Alarm != nil {
		if err := e.deps.Alarm.Pulse(); err != nil {
			logging.Warn().Err(err).Msg("alarm pulse failed")
		}
	}

	rep.Outcomes = e.closeGates(ctx, rep.RunID, gates)
	for _, o := range rep.Outcomes {
		switch o.Result {
		case model.OutcomeSuccess:
			rep.Success++
		case model.OutcomeFailure:
			rep.Failure++
		case model.OutcomeSkipped:
			rep.Skipped++
		}
		metrics.GateOutcomes.WithLabelValues(string(o.Result)).Inc()
	}

	logging.Info().
		Str("run_id", rep.RunID).
		Str("ip", rep.DeviceIP).
		Str("scope", rep.Scope).
		Int64("group_id", rep.GroupID).
		Int("success", rep.Success).
		Int("failure", rep.Failure).
		Int("skipped", rep.Skipped).
		Msg("auto control run complete")
	e.deps.Feed.Publish(feed.NewEvent(feed.TypeAutoControl, *rep))
}

func (e *Engine) closeGates(ctx context.Context, runID string, gates []model.GateSite) []model.GateOutcome {
	out := make([]model.GateOutcome, len(gates))
	var wg sync.WaitGroup
	for i, g := range gates {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if e.cfg.WriteAfterSuccess {
				out[i] = e.closeAfterConfirm(ctx, runID, g)
			} else {
				out[i] = e.closeOptimistic(ctx, runID, g)
			}
			e.audit(ctx, runID, "close_gate", g.GateIP, string(out[i].Result), out[i].Reason)
		}()
	}
	wg.Wait()
	return out
}

// closeOptimistic claims the gate in the store, announces it closed, then
// actuates. A failed actuation is reported but the closed status stands.
func (e *Engine) closeOptimistic(ctx context.Context, runID string, g model.GateSite) model.GateOutcome {
	o := model.GateOutcome{SiteID: g.SiteID, GateIP: g.GateIP}

	claimed, err := e.deps.Store.ClaimGate(ctx, g.SiteID)
	if err != nil {
		o.Result, o.Reason = model.OutcomeFailure, err.Error()
		return o
	}
	if !claimed {
		o.Result, o.Reason = model.OutcomeSkipped, "already closed"
		return o
	}
	e.publishGateStatus(g, model.GateClosed)

	return e.actuate(ctx, runID, g, o)
}

// closeAfterConfirm guards the gate with an in-process claim, actuates, and
// only then writes the closed status.
func (e *Engine) closeAfterConfirm(ctx context.Context, runID string, g model.GateSite) model.GateOutcome {
	o := model.GateOutcome{SiteID: g.SiteID, GateIP: g.GateIP}

	if !e.claim(g.SiteID) {
		o.Result, o.Reason = model.OutcomeSkipped, "close in progress"
		return o
	}
	defer e.release(g.SiteID)

	live, err := e.deps.Store.Gate(ctx, g.SiteID)
	if err != nil {
		o.Result, o.Reason = model.OutcomeFailure, err.Error()
		return o
	}
	if live.GateStatus != model.GateOpen {
		o.Result, o.Reason = model.OutcomeSkipped, "already closed"
		return o
	}

	o = e.actuate(ctx, runID, g, o)
	if o.Result == model.OutcomeSuccess {
		if err := e.deps.Store.SetGateStatus(ctx, g.SiteID, model.GateClosed); err != nil {
			logging.Err(err).Int64("site_id", g.SiteID).Msg("gate closed but status write failed")
		}
		e.publishGateStatus(g, model.GateClosed)
	}
	return o
}

func (e *Engine) actuate(ctx context.Context, runID string, g model.GateSite, o model.GateOutcome) model.GateOutcome {
	if g.HasSpeaker() && e.deps.Speaker != nil {
		err := e.deps.Speaker.Broadcast(ctx, g.SpeakerIP, e.cfg.Message)
		result := "success"
		detail := ""
		if err != nil {
			result, detail = "failure", err.Error()
			logging.Warn().Err(err).Int64("site_id", g.SiteID).Msg("speaker warning failed, closing anyway")
		}
		e.audit(ctx, runID, "speaker_broadcast", g.SpeakerIP, result, detail)
		if err := e.sleep(ctx, e.cfg.SpeakerSettle); err != nil {
			o.Result, o.Reason = model.OutcomeFailure, err.Error()
			return o
		}
	}

	if err := e.deps.Actuator.Close(ctx, g); err != nil {
		o.Result, o.Reason = model.OutcomeFailure, err.Error()
		logging.Warn().Err(err).Int64("site_id", g.SiteID).Str("gate_ip", g.GateIP).Msg("gate close failed")
		if errors.Is(err, gate.ErrUnavailable) {
			e.deps.Feed.Publish(feed.NewEvent(feed.TypeGateUnavailable, feed.GateUnavailableData{
				SiteID: g.SiteID, GateIP: g.GateIP, Reason: err.Error(),
			}))
		}
		return o
	}
	o.Result = model.OutcomeSuccess
	return o
}

func (e *Engine) claim(siteID int64) bool {
	e.claimMu.Lock()
	defer e.claimMu.Unlock()
	if e.claimed[siteID] {
		return false
	}
	e.claimed[siteID] = true
	return true
}

func (e *Engine) release(siteID int64) {
	e.claimMu.Lock()
	defer e.claimMu.Unlock()
	delete(e.claimed, siteID)
}

func (e *Engine) publishGateStatus(g model.GateSite, status model.GateStatus) {
	e.deps.Feed.Publish(feed.NewEvent(feed.TypeGateStatus, feed.GateStatusData{
		SiteID: g.SiteID, GateIP: g.GateIP, Status: string(status),
	}))
}

func (e *Engine) audit(ctx context.Context, runID, action, target, result, detail string) {
	if e.deps.Audit == nil {
		return
	}
	err := e.deps.Audit.LogOperation(ctx, model.Operation{
		RunID:     runID,
		Category:  "auto_control",
		Action:    action,
		Target:    target,
		Result:    result,
		Detail:    detail,
		CreatedAt: e.now(),
	})
	if err != nil {
		logging.Warn().Err(err).Str("run_id", runID).Str("action", action).Msg("audit entry not recorded")
	}
}
