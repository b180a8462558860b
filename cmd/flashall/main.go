package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/bamsammich/flashall/internal/config"
	"github.com/bamsammich/flashall/internal/engine"
	"github.com/bamsammich/flashall/internal/tmpfile"
)

var version = "dev"

func main() {
	code := run(os.Args[1:], os.Stdout, os.Stderr)
	tmpfile.Cleanup()
	os.Exit(code)
}

// options holds the global flags shared by every subcommand.
type options struct {
	serial     string
	simulate   string
	productOut string

	slot          string
	setActive     string
	sparseLimit   config.Size
	bwLimit       config.Size
	fsOptions     engine.FsOptions
	wipe          bool
	force         bool
	skipSecondary bool
	skipReboot    bool

	disableVerity       bool
	disableVerification bool
	disableSuperOpt     bool
	disableFastbootInfo bool
	excludeDynamic      bool

	journal     bool
	journalPath string
	configPath  string
	logFile     string
	verbose     bool
	quiet       bool
	noProgress  bool

	stdout io.Writer
	stderr io.Writer
}

// setActiveDefault is the --set-active value when the flag is given
// without a slot: the --slot override or the current slot.
const setActiveDefault = "auto"

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &options{stdout: stdout, stderr: stderr}
	var showVersion bool

	rootCmd := &cobra.Command{
		Use:   "flashall [flags] <command>",
		Short: "Flash Android build artifacts onto a fastboot device",
		Long: `flashall drives a device in bootloader or userspace fastboot mode.

With only -w or --set-active and no command, the device is wiped or
switched to the requested slot.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if showVersion {
				fmt.Fprintf(stdout, "flashall %s\n", version)
				return nil
			}
			if !opts.wipe && !cmd.Flags().Changed("set-active") {
				return usageError(errors.New("no command"))
			}
			return runSession(cmd, opts, nil, func(*session) ([]engine.Task, error) {
				return nil, nil
			})
		},
	}
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)
	rootCmd.Flags().BoolVar(&showVersion, "version", false, "print version and exit")

	f := rootCmd.PersistentFlags()
	f.StringVarP(&opts.serial, "serial", "s", "", "device serial (default: $FASTBOOT_DEVICE or $ANDROID_SERIAL)")
	f.StringVar(&opts.simulate, "simulate", "", "drive a simulated device described by a TOML profile")
	f.StringVarP(&opts.productOut, "product-out", "p", "", "image directory (default: $ANDROID_PRODUCT_OUT)")
	f.StringVar(&opts.slot, "slot", "", "slot to flash: a letter, 'other' or 'all'")
	f.StringVarP(&opts.setActive, "set-active", "a", "", "set the active slot after flashing (default: --slot or current)")
	f.Lookup("set-active").NoOptDefVal = setActiveDefault
	f.VarP(&opts.sparseLimit, "sparse-limit", "S", "split sparse transfers at SIZE (e.g. 256M)")
	f.Var(&opts.bwLimit, "bwlimit", "bandwidth limit for downloads (e.g. 20M)")
	f.Var(&opts.fsOptions, "fs-options", "filesystem features for format and wipe: casefold,projid,compress")
	f.BoolVarP(&opts.wipe, "wipe", "w", false, "wipe userdata, cache and metadata")
	f.BoolVar(&opts.force, "force", false, "flash even when requirements are not met")
	f.BoolVar(&opts.skipSecondary, "skip-secondary", false, "do not flash secondary slots")
	f.BoolVar(&opts.skipReboot, "skip-reboot", false, "do not reboot after flashall or update")
	f.BoolVar(&opts.disableVerity, "disable-verity", false, "set the disable-verity flag in vbmeta")
	f.BoolVar(&opts.disableVerification, "disable-verification", false, "set the disable-verification flag in vbmeta")
	f.BoolVar(&opts.disableSuperOpt, "disable-super-optimization", false, "flash dynamic partitions one by one")
	f.BoolVar(&opts.disableFastbootInfo, "disable-fastboot-info", false, "ignore fastboot-info.txt in the package")
	f.BoolVar(&opts.excludeDynamic, "exclude-dynamic-partitions", false, "only flash static partitions")
	f.BoolVar(&opts.journal, "journal", false, "record the run in the flash journal")
	f.StringVar(&opts.journalPath, "journal-path", "", "journal database (default: $XDG_STATE_HOME/flashall/journal.db)")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "verbose output")
	f.BoolVarP(&opts.quiet, "quiet", "q", false, "suppress all output except errors")
	f.BoolVar(&opts.noProgress, "no-progress", false, "disable the in-place progress display")
	f.StringVar(&opts.logFile, "log", "", "write structured JSON log to FILE")
	f.StringVar(&opts.configPath, "config", "", "config file (default: $XDG_CONFIG_HOME/flashall/config.toml)")

	rootCmd.AddCommand(
		newFlashallCmd(opts),
		newUpdateCmd(opts),
		newFlashCmd(opts),
		newEraseCmd(opts),
		newFormatCmd(opts),
		newWipeSuperCmd(opts),
		newCreateCmd(opts),
		newDeleteCmd(opts),
		newResizeCmd(opts),
		newSetActiveCmd(opts),
		newGetvarCmd(opts),
		newFetchCmd(opts),
		newSnapshotUpdateCmd(opts),
		newRebootCmd(opts),
		newOemCmd(opts),
		newHistoryCmd(opts),
		newDocsCmd(),
	)
	return rootCmd
}

func run(args []string, stdout, stderr io.Writer) int {
	rootCmd := newRootCmd(stdout, stderr)
	rootCmd.SetArgs(args)
	if err := rootCmd.Execute(); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			if exitErr.err != nil {
				fmt.Fprintf(stderr, "Error: %v\n", exitErr.err)
			}
			return exitErr.code
		}
		// Cobra's own errors are flag and argument problems.
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	return 0
}

// applyConfigDefaults applies config file defaults for flags not
// explicitly set on the CLI.
func applyConfigDefaults(cmd *cobra.Command, opts *options, d config.DefaultsConfig) error {
	changed := cmd.Flags().Changed
	if !changed("slot") && d.Slot != nil {
		opts.slot = *d.Slot
	}
	if !changed("skip-secondary") && d.SkipSecondary != nil {
		opts.skipSecondary = *d.SkipSecondary
	}
	if !changed("skip-reboot") && d.SkipReboot != nil {
		opts.skipReboot = *d.SkipReboot
	}
	if !changed("disable-super-optimization") && d.DisableSuperOptimization != nil {
		opts.disableSuperOpt = *d.DisableSuperOptimization
	}
	if !changed("disable-fastboot-info") && d.DisableFastbootInfo != nil {
		opts.disableFastbootInfo = *d.DisableFastbootInfo
	}
	if !changed("journal") && d.Journal != nil {
		opts.journal = *d.Journal
	}
	if !changed("sparse-limit") && d.SparseLimit != nil {
		if err := opts.sparseLimit.Set(*d.SparseLimit); err != nil {
			return fmt.Errorf("config sparse_limit: %w", err)
		}
	}
	if !changed("bwlimit") && d.BWLimit != nil {
		if err := opts.bwLimit.Set(*d.BWLimit); err != nil {
			return fmt.Errorf("config bwlimit: %w", err)
		}
	}
	return nil
}

// exitError carries the process exit code: 1 for a failed operation, 2
// for a usage error.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit code %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func usageError(err error) error { return &exitError{code: 2, err: err} }

func fatalError(err error) error { return &exitError{code: 1, err: err} }
