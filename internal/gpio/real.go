//go:build linux

package gpio

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

// RealRelay drives an output line on a Linux GPIO chip.
type RealRelay struct {
	chip *gpiocdev.Chip
	line *gpiocdev.Line
}

// NewRealRelay requests pin on chip as an output, initially off.
func NewRealRelay(chip string, pin int) (*RealRelay, error) {
	c, err := gpiocdev.NewChip(chip)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip %s: %w", chip, err)
	}

	line, err := c.RequestLine(pin, gpiocdev.AsOutput(0), gpiocdev.WithConsumer("floodgate-alarm"))
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("request alarm pin %d: %w", pin, err)
	}

	return &RealRelay{chip: c, line: line}, nil
}

func (r *RealRelay) Set(on bool) error {
	v := 0
	if on {
		v = 1
	}
	if err := r.line.SetValue(v); err != nil {
		return fmt.Errorf("set alarm pin: %w", err)
	}
	return nil
}

// Close drives the line low and returns it to an input with pull-down so the
// relay stays released across reboots.
func (r *RealRelay) Close() error {
	var errs []error

	if r.line != nil {
		if err := r.line.SetValue(0); err != nil {
			errs = append(errs, fmt.Errorf("release alarm pin: %w", err))
		}
		if err := r.line.Reconfigure(gpiocdev.AsInput, gpiocdev.WithPullDown); err != nil {
			errs = append(errs, fmt.Errorf("reconfigure alarm pin: %w", err))
		}
		if err := r.line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close alarm pin: %w", err))
		}
	}
	if r.chip != nil {
		if err := r.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}
