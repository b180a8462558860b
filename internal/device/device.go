package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Device is the session used by flashing. Driver calls pass through;
// the methods below add variable parsing, throttling and reconnects.
type Device struct {
	Driver

	Serial string
	conn   Connector

	// Limiter throttles Download and FlashPartition when set.
	Limiter *rate.Limiter
	// OnBytes is called with the size of every chunk sent to the device.
	OnBytes func(n int64)

	// PollInterval is the wait between attempts to open the device.
	PollInterval time.Duration
	// Settle is the pause after the device disconnects for a reboot.
	Settle time.Duration
	// Log receives reconnect progress. Nil means slog.Default().
	Log *slog.Logger
}

// New wraps an open driver. conn is used to reopen the device after a
// reboot and may be nil when no reboot will be needed.
func New(drv Driver, conn Connector, serial string) *Device {
	return &Device{
		Driver:       drv,
		Serial:       serial,
		conn:         conn,
		PollInterval: time.Second,
		Settle:       time.Second,
	}
}

// Connect waits for the device to appear and opens it.
func Connect(ctx context.Context, conn Connector, serial string, log *slog.Logger) (*Device, error) {
	d := New(nil, conn, serial)
	d.Log = log
	if err := d.WaitForDevice(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Device) logger() *slog.Logger {
	if d.Log != nil {
		return d.Log
	}
	return slog.Default()
}

func (d *Device) wrap(ctx context.Context, r io.Reader) io.Reader {
	if d.Limiter != nil {
		r = newRateLimitedReader(ctx, r, d.Limiter)
	}
	if d.OnBytes != nil {
		r = &countingReader{r: r, fn: d.OnBytes}
	}
	return r
}

// Download sends size bytes from r under name.
func (d *Device) Download(ctx context.Context, name string, r io.Reader, size int64) error {
	return d.Driver.Download(name, d.wrap(ctx, r), size)
}

// FlashPartition sends and flashes one transfer.
func (d *Device) FlashPartition(ctx context.Context, name string, r io.Reader, size int64, current, total int) error {
	return d.Driver.FlashPartition(name, d.wrap(ctx, r), size, current, total)
}

// UintVar reads a decimal or 0x-prefixed variable. Unparseable values
// are 0.
func (d *Device) UintVar(key string) (uint64, error) {
	v, err := d.GetVar(key)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(strings.TrimSpace(v), 0, 64)
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// FixNumeric normalizes a size variable. Bootloaders report sizes in hex
// with or without the 0x prefix and sometimes with stray whitespace.
func FixNumeric(v string) string {
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, "0x") && !strings.HasPrefix(v, "0X") {
		v = "0x" + v
	}
	return v
}

// PartitionSize returns partition-size:part.
func (d *Device) PartitionSize(part string) (uint64, error) {
	v, err := d.GetVar("partition-size:" + part)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(FixNumeric(v), 0, 64)
	if err != nil {
		return 0, fmt.Errorf("partition-size:%s: %q is not a number", part, v)
	}
	return n, nil
}

func (d *Device) isYes(key string) bool {
	v, err := d.GetVar(key)
	return err == nil && v == "yes"
}

// IsLogical reports whether part is a dynamic partition.
func (d *Device) IsLogical(part string) bool {
	return d.isYes("is-logical:" + part)
}

// IsUserspace reports whether the device runs userspace fastboot.
func (d *Device) IsUserspace() bool {
	return d.isYes("is-userspace")
}

// HasVbmetaPartition reports whether the device has a vbmeta partition
// in any slot.
func (d *Device) HasVbmetaPartition() bool {
	for _, p := range []string{"vbmeta", "vbmeta_a", "vbmeta_b"} {
		if _, err := d.GetVar("partition-type:" + p); err == nil {
			return true
		}
	}
	return false
}

// SuperPartitionName returns the physical partition holding dynamic
// partitions.
func (d *Device) SuperPartitionName() string {
	v, err := d.GetVar("super-partition-name")
	if err != nil || v == "" {
		return "super"
	}
	return v
}

// SnapshotUpdateStatus returns snapshot-update-status, or "" when the
// device does not report it.
func (d *Device) SnapshotUpdateStatus() string {
	v, err := d.GetVar("snapshot-update-status")
	if err != nil {
		return ""
	}
	return v
}

// WaitForDevice opens the device, retrying until it appears or ctx is
// done.
func (d *Device) WaitForDevice(ctx context.Context) error {
	if d.conn == nil {
		return errors.New("no connector to reopen the device")
	}
	lim := rate.NewLimiter(rate.Every(d.PollInterval), 1)
	announced := false
	for {
		if err := lim.Wait(ctx); err != nil {
			// The limiter refuses early when the deadline falls before
			// the next poll.
			<-ctx.Done()
			return fmt.Errorf("waiting for device: %w", ctx.Err())
		}
		drv, err := d.conn.Open(ctx, d.Serial)
		if err == nil {
			d.Driver = drv
			return nil
		}
		if !announced {
			d.logger().Info("waiting for device", "serial", d.Serial, "error", err)
			announced = true
		}
	}
}

// Reconnect drops the current session after the device went away and
// waits for it to come back.
func (d *Device) Reconnect(ctx context.Context) error {
	_ = d.Close()

	select {
	case <-time.After(d.Settle):
	case <-ctx.Done():
		return ctx.Err()
	}
	return d.WaitForDevice(ctx)
}

// RebootToUserspace reboots into userspace fastboot and reconnects.
func (d *Device) RebootToUserspace(ctx context.Context) error {
	d.logger().Info("rebooting into fastboot")
	if err := d.Reboot("fastboot"); err != nil {
		return err
	}
	if err := d.WaitForDisconnect(); err != nil {
		return err
	}
	if err := d.Reconnect(ctx); err != nil {
		return err
	}
	if !d.IsUserspace() {
		return errors.New("device did not reboot into userspace fastboot")
	}
	return nil
}
