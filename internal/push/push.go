// Package push parses readings that push-notified sensors deliver over HTTP
// or MQTT and feeds them into the ingest pipeline.
package push

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/sweeney/floodgate/internal/logging"
	"github.com/sweeney/floodgate/internal/metrics"
	"github.com/sweeney/floodgate/internal/model"
	"github.com/sweeney/floodgate/internal/pipeline"
	"github.com/sweeney/floodgate/internal/store"
)

var (
	// ErrUnknownDevice means the payload names no registered device.
	ErrUnknownDevice = errors.New("push: unknown device")
	// ErrBadMeasurement means the payload carries no numeric height.
	ErrBadMeasurement = errors.New("push: bad measurement")
	// ErrMalformed means the payload is not the expected JSON shape.
	ErrMalformed = errors.New("push: malformed payload")
)

const maxBody = 64 << 10

// Payload is a parsed push notification.
type Payload struct {
	IP           string
	HeightMeters float64
}

type envelope struct {
	Device json.RawMessage `json:"device"`
	Data   json.RawMessage `json:"data"`
}

type devicePart struct {
	IP      string `json:"ip"`
	Address string `json:"address"`
}

type dataPart struct {
	Height json.RawMessage `json:"height"`
}

// Parse decodes a push payload. The device and data members may each be an
// object or a string holding an encoded object; height may be a number or a
// numeric string, in meters.
func Parse(body []byte) (Payload, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var dev devicePart
	if err := decodeMember(env.Device, &dev); err != nil {
		return Payload{}, fmt.Errorf("%w: device: %v", ErrMalformed, err)
	}
	ip := strings.TrimSpace(dev.IP)
	if ip == "" {
		ip = strings.TrimSpace(dev.Address)
	}
	if ip == "" {
		return Payload{}, fmt.Errorf("%w: no device address", ErrUnknownDevice)
	}

	var data dataPart
	if err := decodeMember(env.Data, &data); err != nil {
		return Payload{}, fmt.Errorf("%w: data: %v", ErrMalformed, err)
	}
	h, err := number(data.Height)
	if err != nil {
		return Payload{IP: ip}, fmt.Errorf("%w: %v", ErrBadMeasurement, err)
	}
	return Payload{IP: ip, HeightMeters: h}, nil
}

// decodeMember unmarshals raw into v, first unwrapping a JSON string.
func decodeMember(raw json.RawMessage, v any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return errors.New("missing")
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return err
		}
		raw = []byte(s)
	}
	return json.Unmarshal(raw, v)
}

func number(raw json.RawMessage) (float64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, errors.New("height missing")
	}
	var f float64
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, err
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0, fmt.Errorf("height %q is not numeric", s)
		}
		f = v
	} else if err := json.Unmarshal(raw, &f); err != nil {
		return 0, fmt.Errorf("height %s is not numeric", raw)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("height %v is not finite", f)
	}
	return f, nil
}

// Devices resolves a device by address.
type Devices interface {
	DeviceByIP(ctx context.Context, ip string) (model.Device, error)
}

// Sink accepts normalized readings.
type Sink interface {
	Ingest(ctx context.Context, r model.Reading) error
}

// Adapter turns push payloads into readings.
type Adapter struct {
	devices Devices
	sink    Sink
	now     func() time.Time
}

// NewAdapter creates an adapter.
func NewAdapter(devices Devices, sink Sink) *Adapter {
	return &Adapter{devices: devices, sink: sink, now: time.Now}
}

// Handle parses and ingests one payload.
func (a *Adapter) Handle(ctx context.Context, body []byte) error {
	p, err := Parse(body)
	if err != nil {
		metrics.ReadingsDropped.WithLabelValues("invalid").Inc()
		logging.Warn().Err(err).Str("ip", p.IP).Msg("discarding push payload")
		return err
	}

	if _, err := a.devices.DeviceByIP(ctx, p.IP); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			metrics.ReadingsDropped.WithLabelValues("unknown_device").Inc()
			logging.Warn().Str("ip", p.IP).Msg("push from unregistered device")
			return fmt.Errorf("%w: %s", ErrUnknownDevice, p.IP)
		}
		return err
	}

	return a.sink.Ingest(ctx, model.Reading{
		DeviceIP:  p.IP,
		LevelMm:   p.HeightMeters * 1000,
		Timestamp: a.now(),
		Source:    model.SourcePush,
	})
}

// discarded reports whether err describes a bad payload rather than a
// server-side failure.
func discarded(err error) bool {
	for _, target := range []error{ErrMalformed, ErrBadMeasurement, ErrUnknownDevice, pipeline.ErrInvalidReading} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

type response struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// ServeHTTP accepts a payload as the request body. Discarded payloads are
// acknowledged with accepted=false rather than an error status.
func (a *Adapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
	if err != nil || len(body) > maxBody {
		http.Error(w, "request body unreadable or too large", http.StatusBadRequest)
		return
	}

	resp := response{Accepted: true}
	status := http.StatusAccepted
	if err := a.Handle(r.Context(), body); err != nil {
		resp = response{Reason: err.Error()}
		status = http.StatusOK
		if !discarded(err) {
			status = http.StatusInternalServerError
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
