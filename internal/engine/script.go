package engine

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// FastbootInfoVersion is the newest fastboot-info.txt version understood.
const FastbootInfoVersion = 1

const fastbootInfoFile = "fastboot-info.txt"

var ErrScriptVersion = errors.New("fastboot-info version not supported")

// ScriptError rejects a fastboot-info script. No task from the script is
// run when parsing fails.
type ScriptError struct {
	Line int // 1-based
	Text string
	Err  error
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("%s line %d %q: %v", fastbootInfoFile, e.Line, e.Text, e.Err)
}

func (e *ScriptError) Unwrap() error { return e.Err }

// ParseFastbootInfo builds the task list described by a fastboot-info
// script. Blank lines and lines starting with '#' are ignored. Lines
// prefixed with if-wipe are only used when a wipe was requested.
func (p *FlashingPlan) ParseFastbootInfo(script string) ([]Task, error) {
	var tasks []Task
	for i, line := range strings.Split(script, "\n") {
		cmd := strings.Fields(line)
		if len(cmd) == 0 || strings.HasPrefix(cmd[0], "#") {
			continue
		}
		fail := func(err error) ([]Task, error) {
			return nil, &ScriptError{Line: i + 1, Text: strings.TrimSpace(line), Err: err}
		}

		switch {
		case len(cmd) > 1 && cmd[0] == "version":
			if err := checkScriptVersion(cmd); err != nil {
				return fail(err)
			}
			continue
		case len(cmd) >= 2 && cmd[0] == "if-wipe":
			if !p.WantsWipe {
				continue
			}
			cmd = cmd[1:]
		}

		t, err := p.parseScriptLine(cmd)
		if err != nil {
			return fail(err)
		}
		tasks = append(tasks, t)
	}
	return p.finishSuper(tasks), nil
}

func checkScriptVersion(cmd []string) error {
	if len(cmd) != 2 {
		return errors.New("unexpected arguments to version")
	}
	v, err := strconv.ParseUint(cmd[1], 10, 32)
	if err != nil {
		return fmt.Errorf("invalid version %q", cmd[1])
	}
	if v > FastbootInfoVersion {
		return fmt.Errorf("%w: version %d, host supports %d", ErrScriptVersion, v, FastbootInfoVersion)
	}
	return nil
}

func (p *FlashingPlan) parseScriptLine(cmd []string) (Task, error) {
	switch {
	case cmd[0] == "flash":
		return p.ParseFlashCommand(cmd[1:])
	case cmd[0] == "reboot":
		return ParseRebootCommand(cmd[1:])
	case len(cmd) == 1 && cmd[0] == "update-super":
		return &UpdateSuperTask{}, nil
	case len(cmd) == 2 && cmd[0] == "erase":
		return &WipeTask{Partition: cmd[1]}, nil
	}
	return nil, fmt.Errorf("unknown command %q", strings.Join(cmd, " "))
}

// ParseFlashCommand parses "[--apply-vbmeta] [--slot-other] PARTITION
// [IMAGE]". The image defaults to PARTITION.img.
func (p *FlashingPlan) ParseFlashCommand(args []string) (*FlashTask, error) {
	t := &FlashTask{Slot: p.SlotOverride}
	image := ""
	for _, arg := range args {
		switch {
		case arg == "--apply-vbmeta":
			t.ApplyVbmeta = true
		case arg == "--slot-other":
			t.Slot = p.SecondarySlot
		case t.Partition == "":
			t.Partition = arg
		case image == "":
			image = arg
		default:
			return nil, fmt.Errorf("unknown argument %q to flash", arg)
		}
	}
	if t.Partition == "" {
		return nil, errors.New("partition name not found")
	}
	if image == "" {
		image = t.Partition + ".img"
	}
	t.Image = image
	return t, nil
}

// ParseRebootCommand parses "reboot [TARGET]".
func ParseRebootCommand(args []string) (*RebootTask, error) {
	switch len(args) {
	case 0:
		return &RebootTask{}, nil
	case 1:
		return &RebootTask{Target: args[0]}, nil
	}
	return nil, fmt.Errorf("expected at most one reboot target, got %d", len(args))
}
