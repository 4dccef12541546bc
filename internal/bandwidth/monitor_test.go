package bandwidth

import (
	"testing"
	"time"
)

func TestMonitorSpeedFromSamples(t *testing.T) {
	m := NewMonitor()

	if m.CurrentSpeed() != 0 {
		t.Error("speed should be 0 with no samples")
	}

	m.Record(0)
	time.Sleep(50 * time.Millisecond)
	m.Record(100 * 1024)

	speed := m.CurrentSpeed()
	if speed <= 0 {
		t.Fatalf("speed = %f, want > 0", speed)
	}
	// 100 KiB over ~50ms is on the order of 2 MiB/s; anything wildly off
	// means the window arithmetic is broken.
	if speed < 100*1024 || speed > 100*1024*1024 {
		t.Errorf("speed = %f, outside plausible range", speed)
	}
}

func TestMonitorRTTSmoothing(t *testing.T) {
	m := NewMonitor()

	if m.SmoothedRTT() != 0 {
		t.Error("rtt should be 0 with no samples")
	}

	m.RecordRTT(100 * time.Millisecond)
	if got := m.SmoothedRTT(); got != 100*time.Millisecond {
		t.Errorf("first sample should seed the estimate, got %v", got)
	}

	// EWMA with alpha 0.2: 100ms * 0.8 + 200ms * 0.2 = 120ms.
	m.RecordRTT(200 * time.Millisecond)
	got := m.SmoothedRTT()
	if got < 115*time.Millisecond || got > 125*time.Millisecond {
		t.Errorf("smoothed rtt = %v, want ~120ms", got)
	}
}

func TestMonitorBDP(t *testing.T) {
	m := NewMonitor()

	if m.BandwidthDelayProduct() != 0 {
		t.Error("bdp should be 0 without samples")
	}

	m.Record(0)
	time.Sleep(20 * time.Millisecond)
	m.Record(1 << 20)
	m.RecordRTT(50 * time.Millisecond)

	if m.BandwidthDelayProduct() <= 0 {
		t.Error("bdp should be positive with speed and rtt samples")
	}
}

func TestMonitorReset(t *testing.T) {
	m := NewMonitor()
	m.Record(1000)
	m.RecordRTT(time.Millisecond)
	m.Reset()

	if m.CurrentSpeed() != 0 || m.SmoothedRTT() != 0 {
		t.Error("reset did not clear samples")
	}
}
