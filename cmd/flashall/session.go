package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/bamsammich/flashall/internal/config"
	"github.com/bamsammich/flashall/internal/device"
	"github.com/bamsammich/flashall/internal/device/sim"
	"github.com/bamsammich/flashall/internal/engine"
	"github.com/bamsammich/flashall/internal/event"
	"github.com/bamsammich/flashall/internal/slot"
	"github.com/bamsammich/flashall/internal/source"
	"github.com/bamsammich/flashall/internal/stats"
	"github.com/bamsammich/flashall/internal/ui"
)

// session is one connected invocation: the device, the plan built from
// the flags and the presenter consuming its events.
type session struct {
	ctx  context.Context
	opts *options
	plan *engine.FlashingPlan
	dev  *device.Device
	log  *slog.Logger
}

// commandFunc runs a subcommand against the session. It returns tasks to
// run after wipe and set-active, such as the final reboot.
type commandFunc func(s *session) ([]engine.Task, error)

// runSession loads config, connects to the device and runs fn followed
// by the wipe, set-active and deferred tasks of the command line.
//
//nolint:gocyclo // CLI entry point wires every global flag into the plan
func runSession(cmd *cobra.Command, opts *options, src source.ImageSource, fn commandFunc) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return usageError(err)
	}
	if err := applyConfigDefaults(cmd, opts, cfg.Defaults); err != nil {
		return usageError(err)
	}

	logger, closeLog, err := setupLogging(opts)
	if err != nil {
		return fatalError(err)
	}
	defer closeLog()
	cmd.Flags().Visit(func(f *pflag.Flag) {
		logger.Debug("flag", "name", f.Name, "value", f.Value.String())
	})

	if c, ok := src.(io.Closer); ok {
		defer c.Close()
	}

	conn, err := connector(opts)
	if err != nil {
		return usageError(err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serial := resolveSerial(opts)
	dev, err := device.Connect(ctx, conn, serial, logger)
	if err != nil {
		return fatalError(err)
	}
	defer dev.Close()

	collector := stats.NewCollector()
	dev.OnBytes = collector.AddBytesSent
	if opts.bwLimit > 0 {
		dev.Limiter = device.NewBWLimiter(int64(opts.bwLimit))
	}

	plan := engine.NewPlan(dev, src)
	plan.Log = logger
	plan.Stats = collector
	plan.WantsWipe = opts.wipe
	plan.ForceFlash = opts.force
	plan.SkipSecondary = opts.skipSecondary
	plan.SkipReboot = opts.skipReboot
	plan.UseFastbootInfo = !opts.disableFastbootInfo
	plan.OptimizeFlashSuper = !opts.disableSuperOpt
	plan.ExcludeDynamicPartitions = opts.excludeDynamic
	plan.DisableVerity = opts.disableVerity
	plan.DisableVerification = opts.disableVerification
	plan.SparseLimit = int64(opts.sparseLimit)
	plan.FsOptions = opts.fsOptions

	resolver := slot.New(dev, logger)
	if opts.slot != "" {
		if plan.SlotOverride, err = resolver.Verify(opts.slot, true); err != nil {
			return usageError(err)
		}
	}
	var nextActive string
	if cmd.Flags().Changed("set-active") {
		plan.WantsSetActive = true
		if opts.setActive != setActiveDefault {
			if nextActive, err = resolver.Verify(opts.setActive, false); err != nil {
				return usageError(err)
			}
		}
	}

	if opts.journal {
		j, err := engine.OpenJournal(opts.journalPath, serial)
		if err != nil {
			return fatalError(err)
		}
		defer j.Close()
		plan.Journal = j
		logger.Debug("journal opened", "path", j.Path(), "run", j.RunID())
	}

	events := make(chan event.Event, 256)
	plan.Events = events
	presenter := ui.NewPresenter(ui.Config{
		Writer:     opts.stdout,
		ErrWriter:  opts.stderr,
		Stats:      collector,
		IsTTY:      ui.IsTerminal(opts.stderr),
		Width:      ui.Width(opts.stderr),
		Quiet:      opts.quiet,
		Verbose:    opts.verbose,
		NoProgress: opts.noProgress,
	})
	presenterEvents := teeEvents(events, opts.logFile != "", logger)

	var presenterErr error
	var presenterWg sync.WaitGroup
	presenterWg.Add(1)
	go func() {
		defer presenterWg.Done()
		presenterErr = presenter.Run(presenterEvents)
	}()

	start := time.Now()
	s := &session{ctx: ctx, opts: opts, plan: plan, dev: dev, log: logger}
	runErr := s.execute(fn, nextActive)

	close(events)
	presenterWg.Wait()
	if presenterErr != nil {
		fmt.Fprintf(opts.stderr, "presenter: %v\n", presenterErr)
	}
	if !opts.quiet {
		if summary := presenter.Summary(); summary != "" {
			fmt.Fprintln(opts.stderr, summary)
		}
	}

	if runErr != nil {
		logger.Debug("run failed", "elapsed", time.Since(start), "error", runErr)
		var ee *exitError
		if errors.As(runErr, &ee) {
			return ee
		}
		return fatalError(runErr)
	}
	fmt.Fprintf(opts.stderr, "Finished. Total time: %.3fs\n", time.Since(start).Seconds())
	return nil
}

func (s *session) execute(fn commandFunc, nextActive string) error {
	deferred, err := fn(s)
	if err != nil {
		return err
	}
	tasks, err := s.plan.Finalize(deferred, nextActive)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return nil
	}
	s.plan.Stats.SetTasksTotal(s.plan.Stats.Snapshot().TasksTotal + int64(len(tasks)))
	for _, t := range tasks {
		if err := s.ctx.Err(); err != nil {
			return err
		}
		if err := s.plan.RunTask(s.ctx, t); err != nil {
			return err
		}
	}
	return nil
}

// rebootUnlessSkipped returns the final reboot of flashall and update.
func (s *session) rebootUnlessSkipped() []engine.Task {
	if s.plan.SkipReboot {
		return nil
	}
	return []engine.Task{&engine.RebootTask{}}
}

func loadConfig(opts *options) (config.Config, error) {
	if opts.configPath != "" {
		return config.LoadFile(opts.configPath)
	}
	return config.Load()
}

// connector returns the transport used to open the device. Only the
// simulated device is built in; hardware transports plug in here.
//
//nolint:ireturn // connector implementations vary by transport
func connector(opts *options) (device.Connector, error) {
	if opts.simulate == "" {
		return nil, errors.New("no device transport available; use --simulate PROFILE")
	}
	d, err := sim.LoadProfile(opts.simulate)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func resolveSerial(opts *options) string {
	if opts.serial != "" {
		return opts.serial
	}
	if s := os.Getenv("FASTBOOT_DEVICE"); s != "" {
		return s
	}
	return os.Getenv("ANDROID_SERIAL")
}

// productSource opens the image directory named by -p or
// ANDROID_PRODUCT_OUT.
func productSource(opts *options) (source.ImageSource, error) {
	dir := opts.productOut
	if dir == "" {
		dir = os.Getenv("ANDROID_PRODUCT_OUT")
	}
	if dir == "" {
		return nil, usageError(errors.New("neither -p product specified nor ANDROID_PRODUCT_OUT set"))
	}
	src, err := source.Open(dir)
	if err != nil {
		return nil, usageError(fmt.Errorf("product out %s: %w", dir, err))
	}
	return src, nil
}

// setupLogging configures slog: a text handler on stderr at Warn (-q),
// Info or Debug (-v), teed into a JSON file with --log.
func setupLogging(opts *options) (*slog.Logger, func(), error) {
	logLevel := slog.LevelInfo
	if opts.verbose {
		logLevel = slog.LevelDebug
	} else if opts.quiet {
		logLevel = slog.LevelWarn
	}
	textHandler := slog.NewTextHandler(opts.stderr, &slog.HandlerOptions{Level: logLevel})
	var logHandler slog.Handler = textHandler
	closeLog := func() {}
	if opts.logFile != "" {
		lf, err := os.Create(opts.logFile)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		closeLog = func() { _ = lf.Close() }
		jsonHandler := slog.NewJSONHandler(lf, &slog.HandlerOptions{Level: slog.LevelDebug})
		logHandler = ui.NewMultiHandler(textHandler, jsonHandler)
	}
	logger := slog.New(logHandler)
	slog.SetDefault(logger)
	return logger, closeLog, nil
}

// teeEvents writes every event to the structured log before forwarding
// it to the presenter when a log file is configured.
func teeEvents(events <-chan event.Event, enabled bool, logger *slog.Logger) <-chan event.Event {
	if !enabled {
		return events
	}
	teed := make(chan event.Event, 256)
	go func() {
		defer close(teed)
		for ev := range events {
			attrs := []slog.Attr{
				slog.String("type", ev.Type.String()),
				slog.String("task", ev.Task),
				slog.String("partition", ev.Partition),
				slog.Int64("size", ev.Size),
			}
			if ev.State != "" {
				attrs = append(attrs, slog.String("state", ev.State))
			}
			if ev.Error != nil {
				attrs = append(attrs, slog.String("error", ev.Error.Error()))
			}
			logger.LogAttrs(context.Background(), slog.LevelDebug, "flashall.event", attrs...)
			teed <- ev
		}
	}()
	return teed
}
