// Package biosession manages the live connection to an EEG headband and the
// rolling per-channel sample windows fed by it.
//
// # Quick Start
//
//	session, err := biosession.New(driver, biosession.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer session.Close()
//
//	if session.Connect(ctx) != biosession.Connected {
//	    log.Printf("connect failed: %v", session.LastError())
//	    session.Disconnect()
//	    return
//	}
//
//	preview := session.Latest(biosession.EEG1, 64) // non-destructive
//	packet := session.Drain()                      // read-and-clear, all channels
//
// # Channels
//
// The channel set is closed: four EEG electrodes (TP9, AF7, AF8, TP10 in
// driver order), PPG and HR. Each channel owns one ring buffer sized for
// Config.WindowSeconds at its nominal rate (256 Hz, 64 Hz, 1 Hz).
// Samples from electrodes outside 0..3 are dropped and counted.
//
// # Lifecycle
//
//	Disconnected ──Connect──▶ Connecting ──▶ Connected
//	     ▲                         │
//	     │                         └───────▶ Error
//	     └──────── Disconnect (from any state) ──┘
//
// Connect never returns an error: failures are observed as the Error state
// and classified by LastError (transport, permission, protocol, unknown).
// There is no automatic reconnect; Disconnect is the universal recovery
// path and discards everything still buffered.
//
// # Synthetic Channels
//
// If the driver lacks native PPG or heart rate, a deterministic generator
// fills the channel at its nominal rate from Connect until Disconnect, so
// consumers always see a complete channel set. Stats reports which
// channels are synthetic.
//
// # Ingestion and Drain
//
// The driver callbacks are the only writers. PauseIngestion makes later
// samples drop (never queue) until ResumeIngestion. Drain empties every
// channel under one lock, so consecutive drains are disjoint and together
// hold the whole push history minus paused drops. Higher-level capture
// ordering lives in the capture package.
//
// # Signal Quality
//
// SignalQuality is derived by a QualityEstimator each time telemetry
// arrives. The default ElapsedEstimator is a placeholder that looks only at
// connected time (Fair after 3s, Good after 5s).
package biosession
