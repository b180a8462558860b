package ui

import (
	"fmt"
	"io"
	"time"

	"github.com/bamsammich/flashall/internal/stats"
)

// plainPresenter prints one line per task outcome and transfer to stdout,
// and periodic progress to stderr when not a TTY.
type plainPresenter struct {
	w       io.Writer
	errW    io.Writer
	stats   *stats.Collector
	verbose bool
}

func (p *plainPresenter) Run(events <-chan Event) error {
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	progress := time.NewTicker(5 * time.Second)
	defer progress.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			p.handleEvent(ev)
		case <-tick.C:
			p.stats.Tick()
		case <-progress.C:
			p.printProgress()
		}
	}
}

func (p *plainPresenter) handleEvent(ev Event) {
	switch ev.Type {
	case StateEntered:
		if p.verbose {
			fmt.Fprintf(p.w, "state: %s\n", ev.State)
		}
	case PlanReady:
		fmt.Fprintf(p.w, "plan: %d tasks\n", ev.Total)
	case TaskStarted:
		if p.verbose {
			fmt.Fprintf(p.w, "%s ...\n", ev.Task)
		}
	case TransferStarted:
		fmt.Fprintln(p.w, describeTransfer(ev))
	case TransferCompleted:
		if p.verbose {
			fmt.Fprintf(p.w, "sent '%s' %s %s\n", ev.Partition, FormatBytes(ev.Size), FormatElapsed(ev.Elapsed))
		}
	case TaskCompleted:
		fmt.Fprintf(p.w, "%s  OKAY %s\n", ev.Task, FormatElapsed(ev.Elapsed))
	case TaskFailed:
		fmt.Fprintf(p.w, "%s  FAILED (%s)\n", ev.Task, errText(ev.Error))
	case Warning:
		fmt.Fprintf(p.errW, "WARNING: %s\n", ev.Message)
	}
}

func (p *plainPresenter) printProgress() {
	snap := p.stats.Snapshot()
	fmt.Fprintf(p.errW, "progress: %s/%s tasks %s sent %s\n",
		FormatCount(snap.TasksCompleted), FormatCount(snap.TasksTotal),
		FormatBytes(snap.BytesSent),
		FormatRate(p.stats.RollingSpeed(10)),
	)
}

func (p *plainPresenter) Summary() string {
	return CompletionSummary(p.stats.Snapshot())
}
