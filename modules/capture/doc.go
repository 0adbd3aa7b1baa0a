// Package capture turns a live session into bounded-interval snapshots.
//
// Core Philosophy: "A window is what arrived between two pauses, nothing more."
//
// The controller is an explicit state machine on top of a session:
//
//	Idle      ──Pause──▶  Paused
//	Paused    ──DrainRawData──▶  Draining ──▶ Paused
//	Paused    ──Resume──▶ Capturing ──Pause──▶ Paused
//	any state ──session disconnect──▶ Idle
//
// Idle is the state after creation and after the session disconnects:
// samples are routed but no window has been opened yet. DrainRawData is
// accepted only while Paused; anywhere else it fails with a *ContractError
// wrapping ErrNotPaused or ErrDrainInProgress instead of returning a
// packet that mixes windows.
//
// Usage (rest baseline, then one window per task):
//
//	ctl := capture.New(session)
//	defer ctl.Close()
//
//	baseline, err := ctl.CaptureWindow(ctx, 60*time.Second)
//
//	ctl.Pause()
//	ctl.DrainRawData()   // discard what arrived between windows
//	ctl.Resume()
//	runTask()
//	ctl.Pause()
//	task, err := ctl.DrainRawData()
//	ctl.Resume()
//
// Because a drain clears every buffer, consecutive windows are disjoint and
// together hold the full push history minus samples dropped while paused.
package capture
