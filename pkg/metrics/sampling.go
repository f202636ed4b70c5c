package metrics

import (
	"math"
	"sync/atomic"
)

// SamplingObserver forwards roughly rate of the events it sees.
type SamplingObserver struct {
	inner       Observer
	rate        float64
	sampleEvery uint64
	counter     uint64
}

func NewSamplingObserver(inner Observer, rate float64) *SamplingObserver {
	rate = math.Max(0, math.Min(1, rate))
	var every uint64
	switch {
	case rate == 0:
		every = 0
	case rate == 1:
		every = 1
	default:
		every = max(uint64(math.Round(1.0/rate)), 1)
	}
	return &SamplingObserver{inner: inner, rate: rate, sampleEvery: every}
}

func (s *SamplingObserver) RecordEvent(ev Event) {
	if s.sampleEvery == 0 {
		return
	}
	if s.sampleEvery == 1 {
		s.inner.RecordEvent(ev)
		return
	}
	if atomic.AddUint64(&s.counter, 1)%s.sampleEvery == 0 {
		s.inner.RecordEvent(ev)
	}
}
