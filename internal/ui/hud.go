package ui

import (
	"fmt"
	"io"
	"time"

	"github.com/bamsammich/flashall/internal/stats"
)

// hudPresenter provides a TTY display with a scrolling feed of finished
// tasks and a one-line HUD that redraws in place.
type hudPresenter struct {
	w       io.Writer
	stats   *stats.Collector
	st      styles
	verbose bool
	width   int

	hudDrawn    bool
	current     string // task in flight
	sending     string // transfer in flight
	lastHUDDraw time.Time
}

const (
	sparklineWidth   = 12
	progressBarWidth = 20
	hudMinInterval   = 50 * time.Millisecond
)

func (p *hudPresenter) Run(events <-chan Event) error {
	// Fire first tick quickly to seed the ring buffer, then switch to 1s.
	secTicker := time.NewTicker(250 * time.Millisecond)
	defer secTicker.Stop()
	firstTickDone := false

	// Redraw while a long transfer produces no events.
	redrawTicker := time.NewTicker(100 * time.Millisecond)
	defer redrawTicker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				p.clearHUD()
				return nil
			}
			p.handleEvent(ev)
			p.maybeDrawHUD()

		case <-redrawTicker.C:
			if p.current != "" {
				p.drawHUD()
			}

		case <-secTicker.C:
			p.stats.Tick()
			if !firstTickDone {
				firstTickDone = true
				secTicker.Reset(time.Second)
			}
		}
	}
}

func (p *hudPresenter) handleEvent(ev Event) {
	switch ev.Type {
	case StateEntered:
		if p.verbose {
			p.println(p.st.state.Render(ev.State))
		}
	case TaskStarted:
		p.current = ev.Task
		p.sending = ""
	case TransferStarted:
		p.sending = describeTransfer(ev)
		if p.verbose {
			p.println("   " + p.st.transfer.Render(p.sending))
		}
	case TransferCompleted:
		p.sending = ""
	case TaskCompleted:
		p.current = ""
		p.println(fmt.Sprintf("%s  %s  %s",
			p.st.ok.Render("✓"), p.st.task.Render(ev.Task), p.st.muted.Render(FormatElapsed(ev.Elapsed))))
	case TaskFailed:
		p.current = ""
		p.println(fmt.Sprintf("%s  %s  %s",
			p.st.failed.Render("✗"), p.st.task.Render(ev.Task), p.st.failed.Render(errText(ev.Error))))
	case Warning:
		p.println(p.st.warn.Render("!  " + ev.Message))
	}
}

// println writes a feed line above the HUD.
func (p *hudPresenter) println(line string) {
	p.clearHUD()
	fmt.Fprintln(p.w, line)
}

func (p *hudPresenter) maybeDrawHUD() {
	if p.current == "" || time.Since(p.lastHUDDraw) < hudMinInterval {
		return
	}
	p.drawHUD()
}

func (p *hudPresenter) drawHUD() {
	snap := p.stats.Snapshot()
	p.clearHUD()

	var pct float64
	if snap.TasksTotal > 0 {
		pct = float64(snap.TasksCompleted+snap.TasksFailed) / float64(snap.TasksTotal)
	}
	speed := p.stats.RollingSpeed(5)
	spark := Sparkline(p.stats.SparklineData(sparklineWidth), sparklineWidth)

	status := p.current
	if p.sending != "" {
		status = p.sending
	}
	head := fmt.Sprintf(" %3.0f%%  %s  %d/%d  ", pct*100, ProgressBar(pct, progressBarWidth),
		snap.TasksCompleted, snap.TasksTotal)
	rate := FormatRate(speed)
	if p.width > 0 {
		room := p.width - len([]rune(head)) - sparklineWidth - len(rate) - 4
		status = truncate(status, room)
	}
	fmt.Fprintf(p.w, "%s%s  %s %s\n", head, p.st.transfer.Render(status), p.st.speed.Render(spark), rate)

	p.hudDrawn = true
	p.lastHUDDraw = time.Now()
}

func (p *hudPresenter) clearHUD() {
	if !p.hudDrawn {
		return
	}
	// Move cursor up one line and clear to end of screen.
	fmt.Fprint(p.w, "\033[1A\033[J")
	p.hudDrawn = false
}

func (p *hudPresenter) Summary() string {
	return CompletionSummary(p.stats.Snapshot())
}
