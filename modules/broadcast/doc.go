// Package broadcast provides an observable value with independent subscribers.
//
// Core Philosophy: "Latest value wins, observers never stall the producer."
//
// A Value holds the current value of a stream (connection state, signal
// quality, a preview slice) and pushes every new value to any number of
// subscribers:
//
//	state := broadcast.New(Disconnected)
//	unsubscribe := state.Subscribe(func(s State) { render(s) })
//	defer unsubscribe()
//
//	state.Set(Connecting) // returns immediately
//	current := state.Value()
//
// Delivery model:
//   - Each subscriber owns a single-slot mailbox and one delivery goroutine
//     (the DropOld policy of the frame bus). Set overwrites the slot and
//     never blocks on a slow subscriber.
//   - A slow subscriber skips intermediate values (counted as Superseded),
//     it never receives a value twice.
//   - Subscribe delivers the current value first, like a store.
//   - A callback that panics is recovered and counted as Failed. The
//     subscription stays live and other subscribers are unaffected.
package broadcast
