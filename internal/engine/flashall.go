package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/bamsammich/flashall/internal/event"
	"github.com/bamsammich/flashall/internal/slot"
)

// State is a step of FlashAll. States run in declaration order.
type State int

const (
	CheckRequirements State = iota
	DetermineActiveSlot
	CancelPendingSnapshotMerge
	BuildTaskGraph
	ExecuteTasksInOrder
)

var stateNames = [...]string{
	CheckRequirements:          "CheckRequirements",
	DetermineActiveSlot:        "DetermineActiveSlot",
	CancelPendingSnapshotMerge: "CancelPendingSnapshotMerge",
	BuildTaskGraph:             "BuildTaskGraph",
	ExecuteTasksInOrder:        "ExecuteTasksInOrder",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// FlashAll flashes every image of the package: it checks requirements,
// selects slots, cancels a pending snapshot merge, builds the task list
// and runs it. The first failure stops the run.
func (p *FlashingPlan) FlashAll(ctx context.Context) error {
	p.DumpInfo()

	var tasks []Task
	steps := []struct {
		state State
		run   func() error
	}{
		{CheckRequirements, p.checkPackageRequirements},
		{DetermineActiveSlot, p.determineActiveSlot},
		{CancelPendingSnapshotMerge, p.CancelSnapshotIfNeeded},
		{BuildTaskGraph, func() (err error) {
			tasks, err = p.CollectTasks()
			return err
		}},
		{ExecuteTasksInOrder, func() error { return p.RunTasks(ctx, tasks) }},
	}
	for _, s := range steps {
		p.emit(event.Event{Type: event.StateEntered, State: s.state.String()})
		p.logger().Debug("entering state", "state", s.state)
		if err := s.run(); err != nil {
			return fmt.Errorf("failed at state %s: %w", s.state, err)
		}
	}
	return nil
}

// DumpInfo logs the device's bootloader and baseband versions and serial.
func (p *FlashingPlan) DumpInfo() {
	for _, v := range []string{"version-bootloader", "version-baseband", "serialno"} {
		value, err := p.Device.GetVar(v)
		if err != nil {
			p.logger().Info("device info", "var", v, "error", err)
			continue
		}
		p.logger().Info("device info", "var", v, "value", value)
	}
}

func (p *FlashingPlan) checkPackageRequirements() error {
	data, err := p.Source.ReadFile(requirementsFile)
	if err != nil {
		return fmt.Errorf("could not read %s: %w", requirementsFile, err)
	}
	return p.CheckRequirements(string(data))
}

// determineActiveSlot activates the slot being flashed, so that fastbootd
// boots from it, and picks the slot for secondary images.
func (p *FlashingPlan) determineActiveSlot() error {
	target := p.SlotOverride
	if target == "all" {
		target = "a"
	}
	if err := p.SetActive(target); err != nil {
		return err
	}
	p.DetermineSlot()
	return nil
}

// SetActive makes slot active, or re-activates the current slot when
// slot is empty. Devices without A/B are left alone.
func (p *FlashingPlan) SetActive(s string) error {
	r := p.slots()
	if !r.SupportsAB() {
		return nil
	}
	if s == "" {
		s = r.Current()
	}
	if s == "" {
		return nil
	}
	return p.Device.SetActive(s)
}

// DetermineSlot records the current slot and the slot secondary images
// go to. Secondary images are skipped when that slot is unknown.
func (p *FlashingPlan) DetermineSlot() {
	r := p.slots()
	if p.SlotOverride == "" {
		p.CurrentSlot = r.Current()
	} else {
		p.CurrentSlot = p.SlotOverride
	}
	if p.SkipSecondary {
		return
	}

	if p.SlotOverride != "" && p.SlotOverride != "all" {
		p.SecondarySlot = slot.Other(p.SlotOverride, r.Count())
	} else {
		p.SecondarySlot = r.Other()
	}
	if p.SecondarySlot == "" {
		if r.SupportsAB() {
			p.warn("could not determine slot for secondary images, ignoring")
		}
		p.SkipSecondary = true
	}
}

// CancelSnapshotIfNeeded cancels a snapshot update the device reports as
// in progress.
func (p *FlashingPlan) CancelSnapshotIfNeeded() error {
	status := p.Device.SnapshotUpdateStatus()
	if status == "" || status == "none" {
		return nil
	}
	p.logger().Info("cancelling snapshot update", "status", status)
	return p.Device.SnapshotUpdateCommand("cancel")
}

// CollectTasks builds the task list from fastboot-info.txt, or from the
// image catalog when the package has no script or script use is off.
func (p *FlashingPlan) CollectTasks() ([]Task, error) {
	var tasks []Task
	var err error
	if p.UseFastbootInfo {
		tasks, err = p.collectFromFastbootInfo()
	} else {
		tasks, err = p.CollectTasksFromImageList()
	}
	if err != nil {
		return nil, err
	}

	if p.ExcludeDynamicPartitions {
		kept := tasks[:0:0]
		m, err := p.superEmpty()
		for _, t := range tasks {
			if ft, ok := t.(*FlashTask); ok && (err != nil || !p.isDynamic(m, ft)) {
				kept = append(kept, t)
			}
		}
		tasks = kept
	}
	p.logger().Debug("task graph", "tasks", strings.Join(taskNames(tasks), " "))
	return tasks, nil
}

func (p *FlashingPlan) collectFromFastbootInfo() ([]Task, error) {
	data, err := p.Source.ReadFile(fastbootInfoFile)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && strings.TrimSpace(string(data)) == "") {
		p.logger().Debug("flashing from image list, fastboot-info.txt is empty or does not exist")
		return p.CollectTasksFromImageList()
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", fastbootInfoFile, err)
	}
	return p.ParseFastbootInfo(string(data))
}

// collectImages splits the catalog into boot-critical and OS images.
// Secondary images target SecondarySlot.
func (p *FlashingPlan) collectImages() (boot, os []ImageEntry) {
	for i := range p.Images {
		img := &p.Images[i]
		s := p.SlotOverride
		if img.IsSecondary() {
			if p.SkipSecondary {
				continue
			}
			s = p.SecondarySlot
		}
		switch img.Category {
		case BootCritical:
			boot = append(boot, ImageEntry{Image: img, Slot: s})
		case Normal:
			os = append(os, ImageEntry{Image: img, Slot: s})
		}
	}
	return boot, os
}

// CollectTasksFromImageList flashes boot-critical images, updates super,
// then flashes OS images.
func (p *FlashingPlan) CollectTasksFromImageList() ([]Task, error) {
	boot, os := p.collectImages()

	tasks, err := p.flashTasks(nil, boot)
	if err != nil {
		return nil, err
	}
	tasks = append(tasks, &UpdateSuperTask{})
	if tasks, err = p.flashTasks(tasks, os); err != nil {
		return nil, err
	}
	return p.finishSuper(tasks), nil
}

func (p *FlashingPlan) flashTasks(tasks []Task, entries []ImageEntry) ([]Task, error) {
	for _, e := range entries {
		if err := p.checkImage(e.Image.ImageName); err != nil {
			if e.Image.OptionalIfNoImage {
				continue
			}
			return nil, fmt.Errorf("could not load '%s': %w", e.Image.ImageName, err)
		}
		tasks = append(tasks, &FlashTask{
			Slot:        e.Slot,
			Partition:   e.Image.PartName,
			Image:       e.Image.ImageName,
			ApplyVbmeta: IsVbmetaPartition(e.Image.PartName),
		})
	}
	return tasks, nil
}

// checkImage verifies that image exists in the source and is readable.
func (p *FlashingPlan) checkImage(image string) error {
	f, err := p.Source.OpenFile(image)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Stat()
	return err
}

// Finalize completes the task list of a command line: wipe tasks for
// userdata, cache and metadata go first when a wipe was requested, and
// with WantsSetActive the device switches to nextActive, or to the slot
// override or current slot when nextActive is empty.
func (p *FlashingPlan) Finalize(tasks []Task, nextActive string) ([]Task, error) {
	if p.WantsWipe {
		if p.ForceFlash {
			if err := p.CancelSnapshotIfNeeded(); err != nil {
				return nil, err
			}
		}
		wipes := make([]Task, 0, len(tasks)+3)
		for _, part := range []string{"userdata", "cache", "metadata"} {
			wipes = append(wipes, &WipeTask{Partition: part})
		}
		tasks = append(wipes, tasks...)
	}

	if !p.WantsSetActive {
		return tasks, nil
	}
	if nextActive == "" {
		nextActive = p.SlotOverride
	}
	if nextActive == "all" {
		nextActive = "a"
	}
	if nextActive == "" {
		nextActive = p.slots().Current()
	}
	if nextActive == "" {
		p.WantsSetActive = false
		return tasks, nil
	}
	if err := p.Device.SetActive(nextActive); err != nil {
		return nil, fmt.Errorf("set_active %s: %w", nextActive, err)
	}
	return tasks, nil
}
