package bandwidth

import (
	"sync"
	"time"
)

const (
	sampleWindow    = 10
	rttSampleWindow = 20
	ewmaAlpha       = 0.2
)

// Monitor tracks observed throughput and round-trip time for one download.
// Speed comes from a sliding window of cumulative byte counts; RTT is
// EWMA-smoothed. Their product estimates the bandwidth-delay product used to
// size initial parallelism.
type Monitor struct {
	mu          sync.Mutex
	samples     []sample
	rttSamples  []time.Duration
	smoothedRTT float64 // milliseconds, 0 until the first sample
}

type sample struct {
	at    time.Time
	bytes int64
}

func NewMonitor() *Monitor {
	return &Monitor{
		samples:    make([]sample, 0, sampleWindow),
		rttSamples: make([]time.Duration, 0, rttSampleWindow),
	}
}

// Record notes the cumulative byte count at this instant. Samples older than
// ten seconds fall out of the window.
func (m *Monitor) Record(totalBytes int64) {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.samples = append(m.samples, sample{at: now, bytes: totalBytes})

	cutoff := now.Add(-10 * time.Second)
	kept := m.samples[:0]
	for _, s := range m.samples {
		if s.at.After(cutoff) {
			kept = append(kept, s)
		}
	}
	m.samples = kept

	if len(m.samples) > sampleWindow {
		m.samples = m.samples[len(m.samples)-sampleWindow:]
	}
}

// RecordRTT feeds one round-trip measurement into the smoothed estimate.
func (m *Monitor) RecordRTT(rtt time.Duration) {
	ms := float64(rtt) / float64(time.Millisecond)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.rttSamples = append(m.rttSamples, rtt)
	if len(m.rttSamples) > rttSampleWindow {
		m.rttSamples = m.rttSamples[1:]
	}

	if m.smoothedRTT == 0 {
		m.smoothedRTT = ms
	} else {
		m.smoothedRTT = m.smoothedRTT*(1-ewmaAlpha) + ms*ewmaAlpha
	}
}

// SmoothedRTT returns the EWMA round-trip estimate, 0 when unsampled.
func (m *Monitor) SmoothedRTT() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return time.Duration(m.smoothedRTT * float64(time.Millisecond))
}

// CurrentSpeed returns bytes/sec over the sample window, 0 with fewer than
// two samples.
func (m *Monitor) CurrentSpeed() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.samples) < 2 {
		return 0
	}
	first := m.samples[0]
	last := m.samples[len(m.samples)-1]

	elapsed := last.at.Sub(first.at).Seconds()
	if elapsed < 0.001 {
		return 0
	}
	return float64(last.bytes-first.bytes) / elapsed
}

// BandwidthDelayProduct estimates bandwidth x RTT in bytes. Returns 0 until
// both a speed and an RTT sample exist.
func (m *Monitor) BandwidthDelayProduct() int64 {
	speed := m.CurrentSpeed()
	rtt := m.SmoothedRTT()
	if speed <= 0 || rtt <= 0 {
		return 0
	}
	return int64(speed * rtt.Seconds())
}

// Reset clears all samples, used when a download restarts from scratch.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = m.samples[:0]
	m.rttSamples = m.rttSamples[:0]
	m.smoothedRTT = 0
}
