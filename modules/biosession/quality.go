package biosession

import "time"

// QualityInput is what an estimator sees each time telemetry arrives.
type QualityInput struct {
	// Connected is the wall-clock time since the session reached Connected
	Connected time.Duration
	// Telemetry is the reading that triggered the estimate (zero at connect)
	Telemetry Telemetry
}

// QualityEstimator derives SignalQuality. A contact/impedance based
// estimator can replace the default without touching buffering.
type QualityEstimator interface {
	Estimate(in QualityInput) SignalQuality
}

// QualityEstimatorFunc adapts a function to QualityEstimator.
type QualityEstimatorFunc func(in QualityInput) SignalQuality

// Estimate calls f(in).
func (f QualityEstimatorFunc) Estimate(in QualityInput) SignalQuality {
	return f(in)
}

// ElapsedEstimator is the placeholder heuristic: quality grows with
// connected time only. It never reports Excellent.
type ElapsedEstimator struct {
	FairAfter time.Duration
	GoodAfter time.Duration
}

// DefaultElapsedEstimator returns Fair after 3s and Good after 5s.
func DefaultElapsedEstimator() ElapsedEstimator {
	return ElapsedEstimator{
		FairAfter: 3 * time.Second,
		GoodAfter: 5 * time.Second,
	}
}

// Estimate implements QualityEstimator.
func (e ElapsedEstimator) Estimate(in QualityInput) SignalQuality {
	switch {
	case in.Connected >= e.GoodAfter:
		return Good
	case in.Connected >= e.FairAfter:
		return Fair
	default:
		return Poor
	}
}
