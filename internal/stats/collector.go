package stats

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

const ringSize = 60

// Collector tracks flashing statistics using lock-free atomic counters.
type Collector struct {
	tasksTotal     atomic.Int64
	tasksCompleted atomic.Int64
	tasksFailed    atomic.Int64
	transfers      atomic.Int64
	bytesSent      atomic.Int64
	startTime      time.Time

	// Ring buffer, written only by the presenter's Tick().
	mu         sync.Mutex
	throughput [ringSize]int64 // bytes delta per second
	ringIdx    int
	ringCount  int
	lastBytes  int64
}

// NewCollector creates a Collector with startTime set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// Snapshot is a point-in-time read of all counters.
type Snapshot struct {
	TasksTotal     int64
	TasksCompleted int64
	TasksFailed    int64
	Transfers      int64
	BytesSent      int64
	Elapsed        time.Duration
}

func (c *Collector) SetTasksTotal(n int64)    { c.tasksTotal.Store(n) }
func (c *Collector) AddTasksCompleted(n int64) { c.tasksCompleted.Add(n) }
func (c *Collector) AddTasksFailed(n int64)    { c.tasksFailed.Add(n) }
func (c *Collector) AddTransfers(n int64)      { c.transfers.Add(n) }
func (c *Collector) AddBytesSent(n int64)      { c.bytesSent.Add(n) }

// Snapshot returns a consistent point-in-time read of all counters.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		TasksTotal:     c.tasksTotal.Load(),
		TasksCompleted: c.tasksCompleted.Load(),
		TasksFailed:    c.tasksFailed.Load(),
		Transfers:      c.transfers.Load(),
		BytesSent:      c.bytesSent.Load(),
		Elapsed:        c.Elapsed(),
	}
}

// Tick records the bytes sent since the previous tick. Called 1/sec by the
// presenter.
func (c *Collector) Tick() {
	current := c.bytesSent.Load()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.throughput[c.ringIdx] = current - c.lastBytes
	c.lastBytes = current
	c.ringIdx = (c.ringIdx + 1) % ringSize
	if c.ringCount < ringSize {
		c.ringCount++
	}
}

// RollingSpeed returns average bytes/sec over the last n seconds of samples.
func (c *Collector) RollingSpeed(seconds int) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := min(seconds, c.ringCount)
	if count <= 0 {
		return 0
	}
	var sum int64
	for i := range count {
		idx := (c.ringIdx - 1 - i + ringSize) % ringSize
		sum += c.throughput[idx]
	}
	return float64(sum) / float64(count)
}

// SparklineData returns up to n throughput samples, oldest first.
func (c *Collector) SparklineData(n int) []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := min(n, c.ringCount)
	out := make([]float64, count)
	for i := range count {
		idx := (c.ringIdx - count + i + ringSize) % ringSize
		out[i] = float64(c.throughput[idx])
	}
	return out
}

// Elapsed returns time since collector creation.
func (c *Collector) Elapsed() time.Duration {
	return time.Since(c.startTime)
}

func (s Snapshot) String() string {
	return fmt.Sprintf(
		"tasks=%d/%d failed=%d transfers=%d bytes=%d",
		s.TasksCompleted, s.TasksTotal, s.TasksFailed, s.Transfers, s.BytesSent,
	)
}

// FormatBytes returns a human-readable byte count.
func FormatBytes(b int64) string {
	if b < 0 {
		return "-" + humanize.IBytes(uint64(-b))
	}
	return humanize.IBytes(uint64(b))
}
