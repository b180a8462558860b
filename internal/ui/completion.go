package ui

import (
	"fmt"

	"github.com/bamsammich/flashall/internal/stats"
)

// CompletionSummary builds a final summary line from a snapshot.
// Format: done ✓  tasks 7/7  transfers 9  sent 1.2 GiB  avg 41 MiB/s  time 31s  errors 0
func CompletionSummary(snap stats.Snapshot) string {
	avgSpeed := 0.0
	if snap.Elapsed.Seconds() > 0 {
		avgSpeed = float64(snap.BytesSent) / snap.Elapsed.Seconds()
	}

	icon := "✓"
	if snap.TasksFailed > 0 {
		icon = "✗"
	}

	return fmt.Sprintf("done %s  tasks %s/%s  transfers %s  sent %s  avg %s  time %s  errors %d",
		icon,
		FormatCount(snap.TasksCompleted),
		FormatCount(snap.TasksTotal),
		FormatCount(snap.Transfers),
		FormatBytes(snap.BytesSent),
		FormatRate(avgSpeed),
		FormatDuration(snap.Elapsed),
		snap.TasksFailed,
	)
}
