// Package slot resolves A/B slot requests into concrete partition names.
package slot

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

var (
	ErrNoSlots       = errors.New("device does not support slots")
	ErrNoCurrentSlot = errors.New("failed to identify current slot")
)

// Querier answers fastboot variable queries.
type Querier interface {
	GetVar(key string) (string, error)
}

// Resolver maps partition and slot requests onto the slots a device
// reports. It queries the device on every call.
type Resolver struct {
	dev Querier
	log *slog.Logger
}

func New(dev Querier, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{dev: dev, log: log}
}

// Letter returns the slot name for index i.
func Letter(i int) string {
	return string(rune('a' + i))
}

// Current returns the active slot without its leading underscore, or ""
// when the device does not report one.
func (r *Resolver) Current() string {
	v, err := r.dev.GetVar("current-slot")
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(v, "_")
}

// Count returns slot-count, or 0 when unknown.
func (r *Resolver) Count() int {
	v, err := r.dev.GetVar("slot-count")
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// SupportsAB reports whether the device has at least two slots.
func (r *Resolver) SupportsAB() bool {
	return r.Count() >= 2
}

// Other returns the slot after current, wrapping at count. It returns ""
// when there are no slots or current is empty.
func Other(current string, count int) string {
	if count <= 0 || current == "" {
		return ""
	}
	idx := int(current[0]-'a') + 1
	return Letter(((idx % count) + count) % count)
}

// Other returns the slot after the device's current slot.
func (r *Resolver) Other() string {
	return Other(r.Current(), r.Count())
}

// Verify checks a user slot request. "all" is returned as-is only when
// allowAll is set; otherwise it selects slot a.
func (r *Resolver) Verify(slot string, allowAll bool) (string, error) {
	if slot == "all" {
		if allowAll {
			return "all", nil
		}
		if r.Count() > 0 {
			return "a", nil
		}
		return "", fmt.Errorf("no known slots: %w", ErrNoSlots)
	}

	count := r.Count()
	if count == 0 {
		return "", ErrNoSlots
	}
	if slot == "other" {
		other := r.Other()
		if other == "" {
			return "", fmt.Errorf("no known slots: %w", ErrNoCurrentSlot)
		}
		return other, nil
	}
	if len(slot) == 1 && slot[0] >= 'a' && int(slot[0]-'a') < count {
		return slot, nil
	}

	valid := make([]string, count)
	for i := range valid {
		valid[i] = Letter(i)
	}
	return "", fmt.Errorf("slot %q does not exist, supported slots are: %s", slot, strings.Join(valid, ", "))
}

func (r *Resolver) hasSlot(part string) (bool, error) {
	v, err := r.dev.GetVar("has-slot:" + part)
	if err != nil {
		return false, err
	}
	return v == "yes", nil
}

// ForPartition calls fn with the slot-qualified name of part. For specs
// like "vendor_boot:ramdisk" only the first token is suffixed. A slot of
// "" means the current slot. Partitions without slots are passed through
// unchanged, with a warning when forceSlot requested a specific slot.
func (r *Resolver) ForPartition(part, slot string, forceSlot bool, fn func(string) error) error {
	name, rest, multi := strings.Cut(part, ":")

	has, err := r.hasSlot(name)
	if err != nil {
		has = false
	}
	if !has {
		if forceSlot && slot != "" {
			r.log.Warn("partition does not support slots, ignoring requested slot", "partition", name, "slot", slot)
		}
		return fn(part)
	}

	switch slot {
	case "":
		slot = r.Current()
		if slot == "" {
			return ErrNoCurrentSlot
		}
	case "other":
		slot = r.Other()
		if slot == "" {
			return ErrNoCurrentSlot
		}
	}
	name += "_" + slot
	if multi {
		name += ":" + rest
	}
	return fn(name)
}

// ForPartitions is ForPartition, except that slot "all" calls fn once
// per slot in ascending order for partitions that have slots.
func (r *Resolver) ForPartitions(part, slot string, forceSlot bool, fn func(string) error) error {
	if slot != "all" {
		return r.ForPartition(part, slot, forceSlot, fn)
	}
	name, _, _ := strings.Cut(part, ":")
	has, err := r.hasSlot(name)
	if err != nil {
		return fmt.Errorf("could not check if partition %s has slot %s: %w", name, slot, err)
	}
	if !has {
		return r.ForPartition(part, "", forceSlot, fn)
	}
	for i := range r.Count() {
		if err := r.ForPartition(part, Letter(i), forceSlot, fn); err != nil {
			return err
		}
	}
	return nil
}
