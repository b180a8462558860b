package engine

import (
	"fmt"
	"regexp"
	"strings"
)

const requirementsFile = "android-info.txt"

var (
	requireRejectRe     = regexp.MustCompile(`^(require\s+|reject\s+)?\s*(\S+)\s*=\s*(.*)$`)
	requireForProductRe = regexp.MustCompile(`^require-for-product:\s*(\S+)\s+(\S+)\s*=\s*(.*)$`)
)

// Requirement is one line of android-info.txt.
type Requirement struct {
	Var string
	// Product limits the requirement to one product. Empty applies to all.
	Product string
	Reject  bool
	// Options are accepted values; a trailing '*' matches by prefix.
	Options []string
}

// ParseRequirement parses "require VAR=A|B", "reject VAR=A" or
// "require-for-product:PRODUCT VAR=A|B". The board variable is spelled
// product on the device.
func ParseRequirement(line string) (Requirement, bool) {
	var r Requirement
	var m []string
	if m = requireRejectRe.FindStringSubmatch(line); m != nil {
		r.Reject = strings.TrimSpace(m[1]) == "reject"
	} else if m = requireForProductRe.FindStringSubmatch(line); m != nil {
		r.Product = m[1]
	} else {
		return Requirement{}, false
	}

	r.Var = m[2]
	if r.Var == "board" {
		r.Var = "product"
	}
	for _, opt := range strings.Split(m[3], "|") {
		r.Options = append(r.Options, strings.TrimSpace(opt))
	}
	return r, true
}

// Matches reports whether value satisfies the requirement.
func (r Requirement) Matches(value string) bool {
	match := false
	for _, opt := range r.Options {
		if prefix, ok := strings.CutSuffix(opt, "*"); ok {
			if strings.HasPrefix(value, prefix) {
				match = true
				break
			}
		} else if opt == value {
			match = true
			break
		}
	}
	return match != r.Reject
}

// RequirementError is an unmet device requirement.
type RequirementError struct {
	Requirement
	Value string
	// Err is set when the variable could not be read.
	Err error
}

func (e *RequirementError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("could not getvar for '%s': %v", e.Var, e.Err)
	}
	verb := "requires"
	if e.Reject {
		verb = "rejects"
	}
	quoted := make([]string, len(e.Options))
	for i, o := range e.Options {
		quoted[i] = "'" + o + "'"
	}
	return fmt.Sprintf("device %s is '%s', update %s %s", e.Var, e.Value, verb, strings.Join(quoted, " or "))
}

func (e *RequirementError) Unwrap() error { return e.Err }

// CheckRequirements checks android-info.txt against the device. An unmet
// requirement is an error unless ForceFlash is set. Required partitions
// are always enforced.
func (p *FlashingPlan) CheckRequirements(data string) error {
	log := p.logger()
	product, err := p.Device.GetVar("product")
	if err != nil {
		log.Warn("getvar:product failed", "error", err)
	}

	for _, line := range strings.Split(data, "\n") {
		if line == "" {
			continue
		}
		r, ok := ParseRequirement(line)
		if !ok {
			log.Warn("android-info.txt syntax error", "line", line)
			continue
		}
		if r.Var == "partition-exists" {
			if err := p.requirePartition(r.Options[0]); err != nil {
				return err
			}
			continue
		}

		err := p.checkRequirement(product, r)
		if err == nil {
			continue
		}
		if !p.ForceFlash {
			return fmt.Errorf("requirements not met: %w", err)
		}
		p.warn("requirements not met! but proceeding due to --force", "error", err)
	}
	return nil
}

func (p *FlashingPlan) checkRequirement(product string, r Requirement) error {
	log := p.logger()
	if r.Product != "" && r.Product != product {
		log.Info("ignoring requirement for other product", "var", r.Var, "product", product, "required_for", r.Product)
		return nil
	}
	value, err := p.Device.GetVar(r.Var)
	if err != nil {
		return &RequirementError{Requirement: r, Err: err}
	}
	if !r.Matches(value) {
		return &RequirementError{Requirement: r, Value: value}
	}
	log.Info("checking requirement", "var", r.Var, "value", value, "status", "OKAY")
	return nil
}

// requirePartition handles "require partition-exists=NAME": the device
// must have the partition and its image stops being optional.
func (p *FlashingPlan) requirePartition(name string) error {
	has, err := p.Device.GetVar("has-slot:" + name)
	if err != nil || (has != "yes" && has != "no") {
		return fmt.Errorf("device doesn't have required partition %s", name)
	}
	known := false
	for i := range p.Images {
		if p.Images[i].Nickname != "" && p.Images[i].Nickname == name {
			p.Images[i].OptionalIfNoImage = false
			known = true
		}
	}
	if !known {
		return fmt.Errorf("device requires partition %s which is not known to this version of flashall", name)
	}
	return nil
}
