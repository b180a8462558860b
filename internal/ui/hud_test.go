package ui

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/flashall/internal/stats"
)

func newTestHUD(out *bytes.Buffer) *hudPresenter {
	return &hudPresenter{w: out, stats: stats.NewCollector(), st: newStyles(out)}
}

func TestHudPresenterFeed(t *testing.T) {
	var out bytes.Buffer
	p := newTestHUD(&out)

	events := make(chan Event, 10)
	events <- Event{Type: TaskStarted, Task: "flash(boot)"}
	events <- Event{Type: TransferStarted, Partition: "boot_a", Size: 4096, Current: 1, Total: 1}
	events <- Event{Type: TaskCompleted, Task: "flash(boot)", Elapsed: time.Millisecond}
	events <- Event{Type: TaskStarted, Task: "erase(cache)"}
	events <- Event{Type: TaskFailed, Task: "erase(cache)", Error: errors.New("unknown partition")}
	events <- Event{Type: Warning, Message: "no secondary slot"}
	close(events)
	require.NoError(t, p.Run(events))

	output := out.String()
	assert.Contains(t, output, "✓  flash(boot)  [  0.001s]")
	assert.Contains(t, output, "✗  erase(cache)  unknown partition")
	assert.Contains(t, output, "no secondary slot")
	assert.False(t, p.hudDrawn, "HUD must be cleared when the channel closes")
}

func TestHudDrawShowsTransfer(t *testing.T) {
	var out bytes.Buffer
	p := newTestHUD(&out)
	p.stats.SetTasksTotal(4)
	p.stats.AddTasksCompleted(2)

	p.handleEvent(Event{Type: TaskStarted, Task: "flash(system)"})
	p.handleEvent(Event{Type: TransferStarted, Partition: "system_a", Size: 1 << 20, Current: 1, Total: 2})
	p.drawHUD()

	assert.True(t, p.hudDrawn)
	assert.Contains(t, out.String(), " 50%")
	assert.Contains(t, out.String(), "2/4")
	assert.Contains(t, out.String(), "sending sparse 'system_a' 1/2")

	p.handleEvent(Event{Type: TransferCompleted, Partition: "system_a"})
	out.Reset()
	p.drawHUD()
	assert.Contains(t, out.String(), "flash(system)")
}

func TestHudDrawFitsWidth(t *testing.T) {
	var out bytes.Buffer
	p := newTestHUD(&out)
	p.width = 70
	p.stats.SetTasksTotal(4)
	p.stats.AddTasksCompleted(2)

	p.handleEvent(Event{Type: TaskStarted, Task: "flash(system)"})
	p.handleEvent(Event{Type: TransferStarted, Partition: "system_a", Size: 1 << 20, Current: 1, Total: 2})
	p.drawHUD()

	assert.Contains(t, out.String(), "sending sparse …")
	assert.NotContains(t, out.String(), "system_a")
}

func TestHudClearHUDSequence(t *testing.T) {
	var out bytes.Buffer
	p := newTestHUD(&out)

	p.clearHUD()
	assert.Empty(t, out.String())

	p.drawHUD()
	out.Reset()
	p.clearHUD()
	assert.Equal(t, "\033[1A\033[J", out.String())
	assert.False(t, p.hudDrawn)
}

func TestNewPresenter(t *testing.T) {
	var out bytes.Buffer
	assert.IsType(t, &quietPresenter{}, NewPresenter(Config{Quiet: true, IsTTY: true}))
	assert.IsType(t, &plainPresenter{}, NewPresenter(Config{Writer: &out, ErrWriter: &out}))
	assert.IsType(t, &plainPresenter{}, NewPresenter(Config{IsTTY: true, NoProgress: true}))
	assert.IsType(t, &hudPresenter{}, NewPresenter(Config{IsTTY: true, ErrWriter: &out}))
}

func TestQuietPresenter(t *testing.T) {
	p := NewPresenter(Config{Quiet: true})
	events := make(chan Event, 1)
	events <- Event{Type: TaskCompleted, Task: "flash(boot)"}
	close(events)
	require.NoError(t, p.Run(events))
	assert.Empty(t, p.Summary())
}
