package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bamsammich/flashall/internal/engine"
	"github.com/bamsammich/flashall/internal/slot"
	"github.com/bamsammich/flashall/internal/source"
)

func newFlashallCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "flashall",
		Short: "Flash all partitions from $ANDROID_PRODUCT_OUT",
		Long: `Flash every image of the build in $ANDROID_PRODUCT_OUT (or -p), following
fastboot-info.txt when present, then reboot unless --skip-reboot is set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			src, err := productSource(opts)
			if err != nil {
				return err
			}
			return runSession(cmd, opts, src, flashAll)
		},
	}
}

func newUpdateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "update [ZIP]",
		Short: "Flash all partitions from an update package",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "update.zip"
			if len(args) == 1 {
				path = args[0]
			}
			src, err := source.OpenZip(path)
			if err != nil {
				return fatalError(fmt.Errorf("failed to open zip file '%s': %w", path, err))
			}
			return runSession(cmd, opts, src, flashAll)
		},
	}
}

func flashAll(s *session) ([]engine.Task, error) {
	if s.plan.SlotOverride == "all" {
		s.log.Warn("slot set to 'all'; secondary slots will not be flashed")
		s.plan.SkipSecondary = true
	}
	if err := s.plan.FlashAll(s.ctx); err != nil {
		return nil, err
	}
	return s.rebootUnlessSkipped(), nil
}

func newFlashCmd(opts *options) *cobra.Command {
	var applyVbmeta, slotOther bool
	cmd := &cobra.Command{
		Use:   "flash PARTITION [FILENAME]",
		Short: "Write a file to a flash partition",
		Long: `Write FILENAME to PARTITION. Without FILENAME the image is looked up as
PARTITION.img in $ANDROID_PRODUCT_OUT.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var src source.ImageSource
			image := ""
			if len(args) == 2 {
				abs, err := filepath.Abs(args[1])
				if err != nil {
					return usageError(err)
				}
				src, image = source.NewDirSource(filepath.Dir(abs)), filepath.Base(abs)
			} else {
				var err error
				if src, err = productSource(opts); err != nil {
					return err
				}
			}
			return runSession(cmd, opts, src, func(s *session) ([]engine.Task, error) {
				fargs := []string{args[0]}
				if image != "" {
					fargs = append(fargs, image)
				}
				if slotOther {
					fargs = append([]string{"--slot-other"}, fargs...)
					s.plan.DetermineSlot()
				}
				t, err := s.plan.ParseFlashCommand(fargs)
				if err != nil {
					return nil, usageError(err)
				}
				t.ApplyVbmeta = applyVbmeta || engine.IsVbmetaPartition(t.Partition)
				return nil, s.plan.RunTask(s.ctx, t)
			})
		},
	}
	cmd.Flags().BoolVar(&applyVbmeta, "apply-vbmeta", false, "apply --disable-verity/--disable-verification to this image")
	cmd.Flags().BoolVar(&slotOther, "slot-other", false, "flash the slot after the current one")
	return cmd
}

func newEraseCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "erase PARTITION",
		Short: "Erase a flash partition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd, opts, nil, func(s *session) ([]engine.Task, error) {
				return nil, s.plan.Erase(args[0])
			})
		},
	}
}

func newFormatCmd(opts *options) *cobra.Command {
	var fsType, size string
	cmd := &cobra.Command{
		Use:   "format PARTITION",
		Short: "Format a flash partition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd, opts, nil, func(s *session) ([]engine.Task, error) {
				return nil, s.plan.ForPartitions(args[0], true, func(name string) error {
					return s.plan.Format(s.ctx, name, false, fsType, size)
				})
			})
		},
	}
	cmd.Flags().StringVar(&fsType, "type", "", "filesystem type (default: partition-type reported by the device)")
	cmd.Flags().StringVar(&size, "size", "", "filesystem size in bytes (default: partition size)")
	return cmd
}

func newWipeSuperCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "wipe-super [SUPER_EMPTY]",
		Short: "Wipe the super partition and reset its metadata",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				data []byte
				err  error
			)
			if len(args) == 1 {
				data, err = os.ReadFile(args[0])
			} else {
				var src source.ImageSource
				if src, err = productSource(opts); err != nil {
					return err
				}
				data, err = src.ReadFile("super_empty.img")
			}
			if err != nil {
				return fatalError(fmt.Errorf("could not load super metadata: %w", err))
			}
			return runSession(cmd, opts, nil, func(s *session) ([]engine.Task, error) {
				return nil, s.plan.WipeSuper(s.ctx, data, s.plan.SlotOverride)
			})
		},
	}
}

func newCreateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:     "create-logical-partition NAME SIZE",
		Aliases: []string{"create"},
		Short:   "Create a logical partition in super",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd, opts, nil, func(s *session) ([]engine.Task, error) {
				return nil, s.dev.CreatePartition(args[0], args[1])
			})
		},
	}
}

func newDeleteCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:     "delete-logical-partition NAME",
		Aliases: []string{"delete"},
		Short:   "Delete a logical partition from super",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd, opts, nil, func(*session) ([]engine.Task, error) {
				return []engine.Task{&engine.DeleteTask{Partition: args[0]}}, nil
			})
		},
	}
}

func newResizeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:     "resize-logical-partition NAME SIZE",
		Aliases: []string{"resize"},
		Short:   "Resize a logical partition in super",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd, opts, nil, func(s *session) ([]engine.Task, error) {
				t := &engine.ResizeTask{Partition: args[0], Size: args[1], Slot: s.plan.SlotOverride}
				return nil, s.plan.RunTask(s.ctx, t)
			})
		},
	}
}

func newSetActiveCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:     "set_active SLOT",
		Aliases: []string{"set-active"},
		Short:   "Set the active slot",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd, opts, nil, func(s *session) ([]engine.Task, error) {
				target, err := slot.New(s.dev, s.log).Verify(args[0], false)
				if err != nil {
					return nil, usageError(err)
				}
				return nil, s.dev.SetActive(target)
			})
		},
	}
}

func newGetvarCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "getvar NAME",
		Short: "Display a bootloader variable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd, opts, nil, func(s *session) ([]engine.Task, error) {
				v, err := s.dev.GetVar(args[0])
				if err != nil {
					return nil, fmt.Errorf("getvar:%s: %w", args[0], err)
				}
				fmt.Fprintf(opts.stdout, "%s: %s\n", args[0], v)
				return nil, nil
			})
		},
	}
}

func newFetchCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "fetch PARTITION OUT_FILE",
		Short: "Fetch a partition image from the device",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd, opts, nil, func(s *session) ([]engine.Task, error) {
				out, err := os.Create(args[1])
				if err != nil {
					return nil, err
				}
				if err := s.plan.Fetch(s.ctx, args[0], out); err != nil {
					_ = out.Close()
					_ = os.Remove(args[1])
					return nil, err
				}
				return nil, out.Close()
			})
		},
	}
}

func newSnapshotUpdateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:       "snapshot-update [cancel|merge]",
		Short:     "Cancel or merge a pending snapshot update",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"cancel", "merge"},
		RunE: func(cmd *cobra.Command, args []string) error {
			arg := ""
			if len(args) == 1 {
				arg = args[0]
			}
			return runSession(cmd, opts, nil, func(s *session) ([]engine.Task, error) {
				return nil, s.dev.SnapshotUpdateCommand(arg)
			})
		},
	}
}

func newRebootCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:       "reboot [bootloader|recovery|fastboot]",
		Short:     "Reboot the device, optionally into another mode",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"bootloader", "recovery", "fastboot"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd, opts, nil, func(s *session) ([]engine.Task, error) {
				if len(args) == 0 && s.plan.SkipReboot {
					return nil, nil
				}
				t, err := engine.ParseRebootCommand(args)
				if err != nil {
					return nil, usageError(err)
				}
				return []engine.Task{t}, nil
			})
		},
	}
}

func newOemCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "oem COMMAND...",
		Short: "Send a raw OEM command",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd, opts, nil, func(s *session) ([]engine.Task, error) {
				resp, err := s.dev.RawCommand("oem "+strings.Join(args, " "), "")
				if err != nil {
					return nil, err
				}
				if resp != "" {
					fmt.Fprintln(opts.stdout, resp)
				}
				return nil, nil
			})
		},
	}
}
