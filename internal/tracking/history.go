package tracking

import "github.com/loadline/tracking/internal/model"

// DefaultHistoryLimit is the number of samples kept when no limit is given.
const DefaultHistoryLimit = 50

// History is a fixed-capacity ring of location samples, newest first.
// Pushing into a full ring evicts the oldest sample. It is not safe for
// concurrent use; Session guards it.
type History struct {
	buf      []model.LocationSample
	head     int // position of the newest sample
	count    int
	capacity int

	evicted int64
}

// NewHistory creates a ring holding at most capacity samples.
func NewHistory(capacity int) *History {
	if capacity < 1 {
		capacity = DefaultHistoryLimit
	}
	return &History{
		buf:      make([]model.LocationSample, capacity),
		capacity: capacity,
	}
}

// Push prepends s as the newest sample.
func (h *History) Push(s model.LocationSample) {
	h.head = (h.head - 1 + h.capacity) % h.capacity
	h.buf[h.head] = s // Overwrites the oldest sample when full
	if h.count < h.capacity {
		h.count++
	} else {
		h.evicted++
	}
}

// Replace discards the ring's contents and loads samples, which must be
// newest first. Samples beyond capacity are dropped.
func (h *History) Replace(samples []model.LocationSample) {
	h.Reset()
	n := min(len(samples), h.capacity)
	copy(h.buf, samples[:n])
	h.count = n
	if len(samples) > n {
		h.evicted += int64(len(samples) - n)
	}
}

// Reset empties the ring.
func (h *History) Reset() {
	clear(h.buf)
	h.head = 0
	h.count = 0
}

// Newest returns the most recent sample.
func (h *History) Newest() (model.LocationSample, bool) {
	if h.count == 0 {
		return model.LocationSample{}, false
	}
	return h.buf[h.head], true
}

// Snapshot returns the samples newest first in a new slice.
func (h *History) Snapshot() []model.LocationSample {
	out := make([]model.LocationSample, h.count)
	for i := 0; i < h.count; i++ {
		out[i] = h.buf[(h.head+i)%h.capacity]
	}
	return out
}

// Len returns the number of samples held.
func (h *History) Len() int { return h.count }

// Cap returns the ring capacity.
func (h *History) Cap() int { return h.capacity }

// Evicted returns how many samples have been dropped for capacity.
func (h *History) Evicted() int64 { return h.evicted }
