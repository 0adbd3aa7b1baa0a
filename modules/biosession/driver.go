package biosession

import "context"

// Capabilities describes which auxiliary streams a driver produces natively.
// Missing streams are synthesized by the session.
type Capabilities struct {
	PPG       bool
	HeartRate bool
}

// Driver defines the contract for a vendor headband driver.
//
// Implementations must guarantee:
//   - Connect() performs the handshake and returns once the device answers
//   - Start() begins streaming into the subscribed callbacks
//   - Disconnect() stops streaming; it may be called after a failed Connect
//   - Subscribe* callbacks may run on any goroutine and must not be invoked
//     after their unsubscribe function has returned
//   - Electrode indexes in EEGReading follow a fixed driver order
//     (0..3 = TP9, AF7, AF8, TP10)
type Driver interface {
	// Connect performs the device handshake.
	//
	// Returns an error if the device is unreachable, refuses the
	// connection or speaks an unexpected protocol. Must honor ctx
	// cancellation.
	Connect(ctx context.Context) error

	// Start begins streaming. Called once per session, after the
	// subscriptions are in place.
	Start(ctx context.Context) error

	// Disconnect tears down the device link. Idempotent.
	Disconnect() error

	// Capabilities reports the natively supported auxiliary streams.
	Capabilities() Capabilities

	SubscribeEEG(fn func(EEGReading)) (unsubscribe func())
	SubscribePPG(fn func(PPGReading)) (unsubscribe func())
	SubscribeTelemetry(fn func(Telemetry)) (unsubscribe func())
}

// HeartRateSource is implemented by drivers that report heart rate
// natively. It is consulted only when Capabilities().HeartRate is true.
type HeartRateSource interface {
	SubscribeHeartRate(fn func(HeartRateReading)) (unsubscribe func())
}
