package ui

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatRate(t *testing.T) {
	tests := []struct {
		want  string
		input float64
	}{
		{want: "0 B/s", input: 0},
		{want: "0 B/s", input: -1},
		{want: "512 B/s", input: 512},
		{want: "1.0 KiB/s", input: 1024},
		{want: "1.5 MiB/s", input: 1.5 * 1024 * 1024},
		{want: "2.5 GiB/s", input: 2.5 * 1024 * 1024 * 1024},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatRate(tt.input))
		})
	}
}

func TestFormatCount(t *testing.T) {
	assert.Equal(t, "0", FormatCount(0))
	assert.Equal(t, "14,302", FormatCount(14302))
	assert.Equal(t, "-1,000", FormatCount(-1000))
}

func TestFormatElapsed(t *testing.T) {
	assert.Equal(t, "[  0.042s]", FormatElapsed(42*time.Millisecond))
	assert.Equal(t, "[ 12.500s]", FormatElapsed(12500*time.Millisecond))
}

func TestProgressBar(t *testing.T) {
	assert.Equal(t, "▪▪▪▪▪□□□□□", ProgressBar(0.5, 10))
	assert.Equal(t, "□□□□□□□□□□", ProgressBar(0, 10))
	assert.Equal(t, "▪▪▪▪▪▪▪▪▪▪", ProgressBar(1.0, 10))

	assert.Equal(t, "", ProgressBar(0.5, 0))
	assert.Equal(t, "▪▪▪▪▪▪▪▪▪▪", ProgressBar(1.5, 10))
	assert.Equal(t, "□□□□", ProgressBar(-1, 4))
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "0.0s", FormatDuration(0))
	assert.Equal(t, "2.5s", FormatDuration(2500*time.Millisecond))
	assert.Equal(t, "30s", FormatDuration(30*time.Second))
	assert.Equal(t, "3m 17s", FormatDuration(3*time.Minute+17*time.Second))
	assert.Equal(t, "1h 02m 03s", FormatDuration(1*time.Hour+2*time.Minute+3*time.Second))
}

func TestDescribeTransfer(t *testing.T) {
	assert.Equal(t, "sending 'boot_a' (4.0 KiB)",
		describeTransfer(Event{Partition: "boot_a", Size: 4096, Current: 1, Total: 1}))
	assert.Equal(t, "sending sparse 'system_a' 2/3 (1.0 MiB)",
		describeTransfer(Event{Partition: "system_a", Size: 1 << 20, Current: 2, Total: 3}))
	assert.Equal(t, "error", errText(nil))
	assert.Equal(t, "boom", errText(errors.New("boom")))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "flash(boot)", truncate("flash(boot)", 20))
	assert.Equal(t, "flash(b…", truncate("flash(boot)", 8))
	assert.Equal(t, "…", truncate("flash(boot)", 1))
	assert.Equal(t, "", truncate("flash(boot)", 0))
	assert.Equal(t, "", truncate("flash(boot)", -3))
}
