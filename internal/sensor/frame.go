package sensor

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var frameRe = regexp.MustCompile(`dist:(\d+)mm pow:(\d+) gauge:([+-]\d+)mm`)

// Frame is one decoded measurement line.
type Frame struct {
	DistanceMm int
	Power      int
	GaugeMm    int
}

// ParseFrame decodes a measurement line such as
// "dist:07000mm pow:0100 gauge:+0000mm".
func ParseFrame(line string) (Frame, bool) {
	m := frameRe.FindStringSubmatch(line)
	if m == nil {
		return Frame{}, false
	}
	dist, err1 := strconv.Atoi(m[1])
	pow, err2 := strconv.Atoi(m[2])
	gauge, err3 := strconv.Atoi(m[3])
	if err1 != nil || err2 != nil || err3 != nil {
		return Frame{}, false
	}
	return Frame{DistanceMm: dist, Power: pow, GaugeMm: gauge}, true
}

// LevelMm converts the frame to a water level. A non-zero gauge is already
// ground-relative; otherwise the level is the ground reference minus the
// measured distance, floored at zero.
func (f Frame) LevelMm(groundMm int) float64 {
	if f.GaugeMm != 0 {
		return float64(f.GaugeMm)
	}
	return float64(max(0, groundMm-f.DistanceMm))
}

// InitCommand is the calibration command sent on every connect.
func InitCommand(groundMm int) []byte {
	return []byte(fmt.Sprintf("+SetGround=%d\r", groundMm))
}

// IsAck reports whether line acknowledges a calibration command and returns
// the acknowledged value.
func IsAck(line string) (int, bool) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(line), "-SetGround=")
	if !ok {
		return 0, false
	}
	v, err := strconv.Atoi(rest)
	if err != nil {
		return 0, false
	}
	return v, true
}
