package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/e7canasta/orion-biosense/modules/biosession"
	"github.com/e7canasta/orion-biosense/modules/streampublisher"
)

// reportStats periodically prints session and publisher statistics.
func reportStats(ctx context.Context, w io.Writer, interval time.Duration,
	sess *biosession.Session, pub *streampublisher.Publisher) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	startTime := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			printLiveStats(w, time.Since(startTime), sess.Stats(), pub.Stats())
		}
	}
}

// printLiveStats prints one statistics box.
func printLiveStats(w io.Writer, uptime time.Duration, st biosession.Stats, ps streampublisher.Stats) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "╭─────────────────────────────────────────────────────────────────╮")
	fmt.Fprintf(w, "│ Session Statistics (Uptime: %v)\n", uptime.Round(time.Second))
	fmt.Fprintln(w, "├─────────────────────────────────────────────────────────────────┤")

	fmt.Fprintf(w, "│   Session:            %s\n", orDash(st.SessionID))
	fmt.Fprintf(w, "│   State:              %s\n", st.State)
	fmt.Fprintf(w, "│   Quality:            %s\n", st.Quality)
	fmt.Fprintf(w, "│   Connected For:      %v\n", st.ConnectedFor.Round(time.Second))
	fmt.Fprintf(w, "│   Paused:             %v (%d samples dropped)\n", st.Paused, st.DroppedPaused)
	if st.LastError != "" {
		fmt.Fprintf(w, "│   Last Error:         %s\n", st.LastError)
	}

	fmt.Fprintln(w, "├─────────────────────────────────────────────────────────────────┤")
	fmt.Fprintln(w, "│ Channels:")
	for _, ch := range st.Channels {
		source := "device"
		if ch.Synthetic {
			source = "synthetic"
		}
		stable := "✓"
		if !ch.Stable {
			stable = "✗"
		}
		fmt.Fprintf(w, "│   %-5s %-9s %7.1f Hz %s  buffered %6d/%-6d routed %d\n",
			ch.Channel, source, ch.RateHz, stable, ch.Buffered, ch.Capacity, ch.Routed)
	}

	fmt.Fprintln(w, "├─────────────────────────────────────────────────────────────────┤")
	fmt.Fprintf(w, "│ Previews: %d refreshes, %d updates, %d subscribers\n",
		ps.Refreshes, ps.Updates, ps.Subscribers)
	fmt.Fprintln(w, "╰─────────────────────────────────────────────────────────────────╯")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
