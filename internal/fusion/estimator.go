// SPDX-License-Identifier: MIT

// Package fusion combines timestamped sensor samples into a single pose
// estimate. Samples pass a synchronization gate, are blended by configured
// weight and confidence, and feed a filter that also predicts between
// measurements.
package fusion

import (
	"sync"
	"time"
)

// Pose is a planar robot pose with velocities.
type Pose struct {
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Heading float64 `json:"heading"`
	VX      float64 `json:"vx"`
	VY      float64 `json:"vy"`
	Omega   float64 `json:"omega"`
}

// Sample is one timestamped sensor measurement.
type Sample struct {
	Sensor     string    `json:"sensor"`
	When       time.Time `json:"when"`
	Pose       Pose      `json:"pose"`
	Confidence float64   `json:"confidence"`
}

// Estimate is a fused pose with provenance.
type Estimate struct {
	Pose       Pose               `json:"pose"`
	When       time.Time          `json:"when"`
	Confidence float64            `json:"confidence"`
	Sources    map[string]float64 `json:"sources,omitempty"`
}

// Estimator fuses gated measurements and predicts between them.
type Estimator interface {
	// Update blends a combined measurement taken at the given time.
	Update(measured Pose, confidence float64, at time.Time)
	// Predict advances the estimate to the given time using the motion model.
	Predict(at time.Time)
	// Estimate returns the current fused estimate.
	Estimate() Estimate
}

// complementaryFilter keeps the integrated motion model for high-frequency
// behavior and corrects it with the low-frequency measurement blend. gain is
// the weight of the model; 1-gain is the weight of the measurement.
type complementaryFilter struct {
	mu    sync.Mutex
	gain  float64
	est   Estimate
	prime bool
}

// NewComplementaryFilter builds the default estimator. gain must be in (0,1).
func NewComplementaryFilter(gain float64) Estimator {
	return &complementaryFilter{gain: gain}
}

func (f *complementaryFilter) Update(measured Pose, confidence float64, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.prime {
		f.est = Estimate{Pose: measured, When: at, Confidence: confidence}
		f.prime = true
		return
	}

	f.predictLocked(at)
	p := f.est.Pose
	g := f.gain
	f.est.Pose = Pose{
		X:       g*p.X + (1-g)*measured.X,
		Y:       g*p.Y + (1-g)*measured.Y,
		Heading: g*p.Heading + (1-g)*measured.Heading,
		VX:      g*p.VX + (1-g)*measured.VX,
		VY:      g*p.VY + (1-g)*measured.VY,
		Omega:   g*p.Omega + (1-g)*measured.Omega,
	}
	f.est.When = at
	f.est.Confidence = g*f.est.Confidence + (1-g)*confidence
}

func (f *complementaryFilter) Predict(at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.prime {
		return
	}
	f.predictLocked(at)
}

func (f *complementaryFilter) predictLocked(at time.Time) {
	dt := at.Sub(f.est.When).Seconds()
	if dt <= 0 {
		return
	}
	p := &f.est.Pose
	p.X += p.VX * dt
	p.Y += p.VY * dt
	p.Heading += p.Omega * dt
	f.est.When = at
	// Confidence decays while coasting on the model alone.
	f.est.Confidence *= 1 / (1 + 0.5*dt)
}

func (f *complementaryFilter) Estimate() Estimate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.est
}

const (
	// kalmanProcessNoise grows the estimate variance per second of coasting.
	kalmanProcessNoise = 0.1
	// kalmanMeasurementNoise is the variance of a full-confidence blend.
	kalmanMeasurementNoise = 0.05
)

// kalmanFilter is a scalar-covariance Kalman estimator over the planar pose.
// One variance tracks the whole state; the gain adapts to how long the filter
// has been coasting and to the confidence of the incoming blend.
type kalmanFilter struct {
	mu    sync.Mutex
	est   Estimate
	p     float64
	prime bool
}

// NewKalmanFilter builds the adaptive-gain estimator selected by the
// "kalman" filter setting.
func NewKalmanFilter() Estimator {
	return &kalmanFilter{}
}

func (f *kalmanFilter) Update(measured Pose, confidence float64, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.prime {
		f.est = Estimate{Pose: measured, When: at, Confidence: confidence}
		f.p = 1
		f.prime = true
		return
	}

	f.predictLocked(at)
	if confidence <= 0 {
		return
	}
	r := kalmanMeasurementNoise / confidence
	k := f.p / (f.p + r)
	p := &f.est.Pose
	p.X += k * (measured.X - p.X)
	p.Y += k * (measured.Y - p.Y)
	p.Heading += k * (measured.Heading - p.Heading)
	p.VX += k * (measured.VX - p.VX)
	p.VY += k * (measured.VY - p.VY)
	p.Omega += k * (measured.Omega - p.Omega)
	f.p *= 1 - k
	f.est.When = at
	f.est.Confidence += k * (confidence - f.est.Confidence)
}

func (f *kalmanFilter) Predict(at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.prime {
		return
	}
	f.predictLocked(at)
}

func (f *kalmanFilter) predictLocked(at time.Time) {
	dt := at.Sub(f.est.When).Seconds()
	if dt <= 0 {
		return
	}
	p := &f.est.Pose
	p.X += p.VX * dt
	p.Y += p.VY * dt
	p.Heading += p.Omega * dt
	f.p += kalmanProcessNoise * dt
	f.est.When = at
	f.est.Confidence *= 1 / (1 + 0.5*dt)
}

func (f *kalmanFilter) Estimate() Estimate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.est
}
