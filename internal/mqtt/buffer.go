package mqtt

import (
	"github.com/sweeney/floodgate/internal/logging"
	"github.com/sweeney/floodgate/internal/metrics"
)

// bufferedMsg is an encoded feed event waiting for the broker.
type bufferedMsg struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// ringBuffer holds the newest messages up to a fixed capacity, evicting the
// oldest. The caller synchronizes.
type ringBuffer struct {
	slots []bufferedMsg
	start int
	n     int
	// warned suppresses repeat eviction warnings until the next drain
	warned bool
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{slots: make([]bufferedMsg, max(capacity, 1))}
}

func (r *ringBuffer) push(msg bufferedMsg) {
	size := len(r.slots)
	if r.n < size {
		r.slots[(r.start+r.n)%size] = msg
		r.n++
		metrics.MQTTBuffered.Set(float64(r.n))
		return
	}

	metrics.MQTTDropped.Inc()
	if !r.warned {
		logging.Warn().Int("capacity", size).Msg("mqtt buffer full, evicting oldest events")
		r.warned = true
	}
	r.slots[r.start] = msg
	r.start = (r.start + 1) % size
}

// drainAll empties the buffer, returning messages oldest first.
func (r *ringBuffer) drainAll() []bufferedMsg {
	if r.n == 0 {
		return nil
	}
	size := len(r.slots)
	out := make([]bufferedMsg, 0, r.n)
	for i := 0; i < r.n; i++ {
		j := (r.start + i) % size
		out = append(out, r.slots[j])
		r.slots[j] = bufferedMsg{}
	}
	r.start, r.n, r.warned = 0, 0, false
	metrics.MQTTBuffered.Set(0)
	return out
}

func (r *ringBuffer) len() int {
	return r.n
}
