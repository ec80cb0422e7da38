package core

import (
	"time"

	"github.com/VividCortex/ewma"
)

// SpeedMeter turns (transferred, timestamp) samples into a smoothed
// bytes-per-second rate.
type SpeedMeter struct {
	avg       ewma.MovingAverage
	lastBytes int64
	lastAt    time.Time
}

func NewSpeedMeter() *SpeedMeter {
	return &SpeedMeter{avg: ewma.NewMovingAverage()}
}

// Sample records the running total at the given time and returns the
// current rate.
func (m *SpeedMeter) Sample(transferred int64, at time.Time) float64 {
	if m.lastAt.IsZero() {
		m.lastAt = at
		m.lastBytes = transferred
		return m.avg.Value()
	}

	elapsed := at.Sub(m.lastAt)
	if elapsed <= 0 {
		return m.avg.Value()
	}

	delta := transferred - m.lastBytes
	if delta < 0 {
		delta = 0
	}

	m.avg.Add(float64(delta) / elapsed.Seconds())
	m.lastAt = at
	m.lastBytes = transferred

	return m.avg.Value()
}

func (m *SpeedMeter) Value() float64 {
	return m.avg.Value()
}
