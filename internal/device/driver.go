// Package device wraps a bootloader transport with the variable queries
// and reconnect handling that flashing needs.
package device

import (
	"context"
	"fmt"
	"io"
)

// RetCode classifies a failed transport call.
type RetCode int

const (
	Success RetCode = iota
	DeviceFail
	IOError
	BadReply
	Timeout
)

var retCodeNames = [...]string{
	Success:    "success",
	DeviceFail: "device failure",
	IOError:    "io error",
	BadReply:   "bad reply",
	Timeout:    "timeout",
}

func (c RetCode) String() string {
	if int(c) < len(retCodeNames) {
		return retCodeNames[c]
	}
	return fmt.Sprintf("RetCode(%d)", int(c))
}

// Error is a failed transport call. Msg is the device's own text when it
// sent one.
type Error struct {
	Op   string
	Code RetCode
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: remote: '%s'", e.Op, e.Msg)
}

// Driver is a session with one device in bootloader or userspace fastboot
// mode. FlashPartition downloads size bytes from r and writes them to the
// partition; current and total number sparse pieces from 1 and are both 0
// for a single transfer.
type Driver interface {
	GetVar(key string) (string, error)
	Download(name string, r io.Reader, size int64) error
	FlashPartition(name string, r io.Reader, size int64, current, total int) error
	Erase(name string) error
	Boot() error
	SetActive(slot string) error
	Reboot(target string) error
	RawCommand(cmd, status string) (string, error)
	CreatePartition(name, size string) error
	DeletePartition(name string) error
	ResizePartition(name, size string) error
	SnapshotUpdateCommand(cmd string) error
	FetchToFd(name string, w io.Writer, offset, size int64) error
	WaitForDisconnect() error
	Close() error
}

// Connector opens a session with the device identified by serial. It
// fails while the device is not enumerated.
type Connector interface {
	Open(ctx context.Context, serial string) (Driver, error)
}
