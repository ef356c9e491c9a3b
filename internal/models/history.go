package models

import "time"

// DefaultHistoryCapacity bounds the number of volume samples kept per subscription.
const DefaultHistoryCapacity = 200

// VolumeSample is one buy/sell volume observation.
type VolumeSample struct {
	At   time.Time
	Buy  float64
	Sell float64
}

// VolumeHistory is a fixed-capacity ring buffer of volume samples.
type VolumeHistory struct {
	samples  []VolumeSample
	next     int
	capacity int
}

// NewVolumeHistory returns an empty history. Non-positive capacities fall back to the default.
func NewVolumeHistory(capacity int) *VolumeHistory {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &VolumeHistory{capacity: capacity}
}

// Push appends a sample, overwriting the oldest one once full.
func (h *VolumeHistory) Push(s VolumeSample) {
	if len(h.samples) < h.capacity {
		h.samples = append(h.samples, s)
	} else {
		h.samples[h.next] = s
	}
	h.next = (h.next + 1) % h.capacity
}

// Len returns the number of stored samples.
func (h *VolumeHistory) Len() int {
	return len(h.samples)
}

// Last returns up to n of the newest samples, oldest first.
func (h *VolumeHistory) Last(n int) []VolumeSample {
	size := len(h.samples)
	if n > size {
		n = size
	}
	if n <= 0 {
		return nil
	}
	out := make([]VolumeSample, n)
	// next always points one past the newest sample.
	start := h.next - n
	for i := 0; i < n; i++ {
		idx := (start + i + h.capacity) % h.capacity
		out[i] = h.samples[idx]
	}
	return out
}

// Clone returns an independent copy of the history.
func (h *VolumeHistory) Clone() *VolumeHistory {
	c := &VolumeHistory{
		samples:  make([]VolumeSample, len(h.samples), cap(h.samples)),
		next:     h.next,
		capacity: h.capacity,
	}
	copy(c.samples, h.samples)
	return c
}
