package engine

import (
	"fmt"
	"strings"
)

// FsOptions are filesystem features requested for format and wipe.
type FsOptions uint

const (
	FsCasefold FsOptions = 1 << iota
	FsProjID
	FsCompress
)

var fsOptionNames = []struct {
	opt  FsOptions
	name string
}{
	{FsCasefold, "casefold"},
	{FsProjID, "projid"},
	{FsCompress, "compress"},
}

// ParseFsOptions parses a comma separated list such as "casefold,projid".
func ParseFsOptions(s string) (FsOptions, error) {
	var opts FsOptions
	for _, name := range strings.Split(s, ",") {
		found := false
		for _, o := range fsOptionNames {
			if o.name == name {
				opts |= o.opt
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unsupported fs option: %q", name)
		}
	}
	return opts, nil
}

func (o FsOptions) String() string {
	var names []string
	for _, n := range fsOptionNames {
		if o&n.opt != 0 {
			names = append(names, n.name)
		}
	}
	return strings.Join(names, ",")
}

// Set implements pflag.Value.
func (o *FsOptions) Set(s string) error {
	v, err := ParseFsOptions(s)
	if err != nil {
		return err
	}
	*o = v
	return nil
}

// Type implements pflag.Value.
func (o *FsOptions) Type() string { return "options" }
