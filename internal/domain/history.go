package domain

// DefaultHistoryLength is the number of utilization samples a host keeps.
const DefaultHistoryLength = 30

// UtilizationHistory is a bounded buffer of utilization samples, newest first.
type UtilizationHistory struct {
	samples []float64
	limit   int
}

// NewUtilizationHistory creates an empty history holding at most limit samples.
func NewUtilizationHistory(limit int) *UtilizationHistory {
	if limit <= 0 {
		limit = DefaultHistoryLength
	}
	return &UtilizationHistory{
		samples: make([]float64, 0, limit),
		limit:   limit,
	}
}

// Record prepends a sample, dropping the oldest one when full.
func (h *UtilizationHistory) Record(sample float64) {
	if len(h.samples) < h.limit {
		h.samples = append(h.samples, 0)
	}
	copy(h.samples[1:], h.samples[:len(h.samples)-1])
	h.samples[0] = sample
}

// Latest returns the most recent sample.
func (h *UtilizationHistory) Latest() (float64, bool) {
	if len(h.samples) == 0 {
		return 0, false
	}
	return h.samples[0], true
}

// Values returns a copy of the samples, newest first.
func (h *UtilizationHistory) Values() []float64 {
	out := make([]float64, len(h.samples))
	copy(out, h.samples)
	return out
}

// Len returns the number of samples held.
func (h *UtilizationHistory) Len() int {
	return len(h.samples)
}

// Mean returns the arithmetic mean of the held samples, or 0 when empty.
func (h *UtilizationHistory) Mean() float64 {
	if len(h.samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range h.samples {
		sum += s
	}
	return sum / float64(len(h.samples))
}
