// Package ringbuffer provides the fixed-capacity circular sample store used
// for every biosignal channel.
//
// Core Philosophy: "Keep the newest window, never block the producer."
//
// A RingBuffer holds at most Cap() of the most recently pushed samples.
// Pushing past capacity silently overwrites the oldest unread sample.
// Drain is the only destructive read: it returns every buffered sample
// oldest-to-newest and leaves the buffer empty. Latest is a read-only
// snapshot of the tail.
//
// Usage:
//
//	rb := ringbuffer.New[float64](256)
//	rb.PushBatch(samples)
//
//	preview := rb.Latest(64) // non-destructive
//	window := rb.Drain()     // read-and-clear
//
// Concurrency:
//
// Push, PushBatch, Drain, Latest and Reset are mutually excluded by an
// internal mutex, so Drain returns exactly what was pushed since the
// previous Drain even when the producer runs on another goroutine.
package ringbuffer
