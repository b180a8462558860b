package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bamsammich/flashall/internal/device"
	"github.com/bamsammich/flashall/internal/event"
	"github.com/bamsammich/flashall/internal/slot"
	"github.com/bamsammich/flashall/internal/source"
	"github.com/bamsammich/flashall/internal/stats"
)

// ResparseLimit caps every sparse transfer, whatever the device reports.
const ResparseLimit int64 = 1 << 30

// FlashingPlan is the state of one invocation. The CLI fills in the
// options, slot determination fills in CurrentSlot and SecondarySlot, and
// every task reads it. A plan is owned by a single goroutine.
type FlashingPlan struct {
	SlotOverride  string
	SecondarySlot string
	CurrentSlot   string

	ForceFlash               bool
	WantsWipe                bool
	WantsSetActive           bool
	SkipSecondary            bool
	SkipReboot               bool
	UseFastbootInfo          bool
	OptimizeFlashSuper       bool
	ExcludeDynamicPartitions bool
	DisableVerity            bool
	DisableVerification      bool

	// SparseLimit is the user's transfer limit. Zero defers to the
	// device's max-download-size.
	SparseLimit int64
	FsOptions   FsOptions

	Source source.ImageSource
	Device *device.Device
	// Images is this plan's copy of the image catalog. Requirements may
	// mark entries as mandatory.
	Images []Image
	// Formatter builds filesystem images for wipe and format. Nil means
	// erased partitions are left unformatted.
	Formatter Formatter

	Events  chan<- event.Event
	Stats   *stats.Collector
	Journal *Journal
	Log     *slog.Logger

	// max-download-size as last reported by the device.
	targetSparseLimit int64
	targetLimitKnown  bool
}

// NewPlan returns a plan with the default catalog and with fastboot-info
// and super optimization enabled.
func NewPlan(dev *device.Device, src source.ImageSource) *FlashingPlan {
	return &FlashingPlan{
		Device:             dev,
		Source:             src,
		Images:             DefaultImages(),
		UseFastbootInfo:    true,
		OptimizeFlashSuper: true,
	}
}

func (p *FlashingPlan) logger() *slog.Logger {
	if p.Log == nil {
		return slog.Default()
	}
	return p.Log
}

func (p *FlashingPlan) slots() *slot.Resolver {
	return slot.New(p.Device, p.logger())
}

func (p *FlashingPlan) emit(e event.Event) {
	if p.Events == nil {
		return
	}
	e.Timestamp = time.Now()
	select {
	case p.Events <- e:
	default:
	}
}

// warn logs an advisory failure and reports it to the presenter.
func (p *FlashingPlan) warn(msg string, args ...any) {
	p.logger().Warn(msg, args...)
	p.emit(event.Event{Type: event.Warning, Message: msg})
}

// resetTargetLimit forgets the cached max-download-size. Userspace
// fastboot reports its own value.
func (p *FlashingPlan) resetTargetLimit() {
	p.targetLimitKnown = false
	p.targetSparseLimit = 0
}

// rebootToUserspace reboots into fastbootd and reconnects.
func (p *FlashingPlan) rebootToUserspace(ctx context.Context) error {
	if err := p.Device.RebootToUserspace(ctx); err != nil {
		return fmt.Errorf("failed to boot into userspace fastboot; one or more components might be unbootable: %w", err)
	}
	p.resetTargetLimit()
	return nil
}
