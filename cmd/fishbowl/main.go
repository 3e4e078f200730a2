// Command fishbowl bootstraps a FishBowl, attaches the output handlers,
// schedules a couple of demonstration routines, and runs until the user
// quits the dashboard or sends SIGINT/SIGTERM. Grounded on the teacher's
// cmd/gopomodoro bootstrap (ezchuang-GoPomodoro) and the flag/logger
// layering of SiwaNetwork-ShiwaTime's cmd/shiwatime/main.go.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/livecoder/fishbowl/internal/fishbowl"
	"github.com/livecoder/fishbowl/internal/handlers/midi"
	"github.com/livecoder/fishbowl/internal/handlers/notify"
	"github.com/livecoder/fishbowl/internal/handlers/osc"
	"github.com/livecoder/fishbowl/internal/handlers/player"
	"github.com/livecoder/fishbowl/internal/handlers/supercollider"
	"github.com/livecoder/fishbowl/internal/handlers/tui"
)

var (
	tempo            float64
	beatsPerBar      uint32
	pulsesPerQuarter uint32
	logLevel         string
	headless         bool

	version = "0.1.0"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fishbowl",
		Short: "FishBowl - a live-coding musical clock and scheduler",
		Run:   run,
	}

	rootCmd.PersistentFlags().Float64VarP(&tempo, "tempo", "t", 120, "tempo in beats per minute")
	rootCmd.PersistentFlags().Uint32Var(&beatsPerBar, "beats-per-bar", 4, "beats per bar")
	rootCmd.PersistentFlags().Uint32Var(&pulsesPerQuarter, "pulses-per-quarter", 24, "pulses per quarter note")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&headless, "headless", false, "run without the terminal dashboard")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("fishbowl %s\n", version)
		},
	}
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) {
	logger := logrus.New()
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		logger.Fatal("invalid log level: ", logLevel)
	}
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})

	bowl, err := fishbowl.New(tempo, beatsPerBar, pulsesPerQuarter, fishbowl.WithLogger(logger))
	if err != nil {
		logger.Fatal("failed to create bowl: ", err)
	}
	logger.WithField("bowl_id", bowl.ID()).Info("fishbowl created")

	var tuiHandler *tui.Handler
	if !headless {
		tuiHandler = tui.New(bowl)
		if err := bowl.AddHandler(tuiHandler); err != nil {
			logger.Fatal("failed to attach dashboard: ", err)
		}
	}
	if err := bowl.AddHandler(notify.New()); err != nil {
		logger.WithError(err).Warn("failed to attach desktop notifier")
	}
	if err := bowl.AddHandler(midi.New(logger)); err != nil {
		logger.WithError(err).Warn("failed to attach midi handler")
	}
	if err := bowl.AddHandler(osc.New(logger, "127.0.0.1:57110")); err != nil {
		logger.WithError(err).Warn("failed to attach osc handler")
	}
	if err := bowl.AddHandler(supercollider.New(logger, 1000)); err != nil {
		logger.WithError(err).Warn("failed to attach supercollider handler")
	}

	if _, err := bowl.Schedule("kick", player.New(logger, "kick", []any{"bd", "~", "bd", "~"}), nil, map[string]any{"p": 0.5}); err != nil {
		logger.WithError(err).Error("failed to schedule kick")
	}
	if _, err := bowl.Schedule("lead", player.New(logger, "lead", []any{"c4", "e4", "g4"}), nil, map[string]any{"p": 1.0}); err != nil {
		logger.WithError(err).Error("failed to schedule lead")
	}

	if err := bowl.Start(); err != nil {
		logger.Fatal("failed to start bowl: ", err)
	}
	logger.Info("fishbowl started")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
		select {
		case sig := <-sigCh:
			logger.WithField("signal", sig).Info("received shutdown signal")
			cancel()
		case <-gctx.Done():
		}
		return nil
	})

	if tuiHandler != nil {
		g.Go(func() error {
			err := tuiHandler.Run()
			cancel()
			return err
		})
	} else {
		g.Go(func() error {
			<-gctx.Done()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("dashboard exited with error")
	}

	logger.Info("shutting down fishbowl...")
	if err := bowl.Stop(); err != nil {
		logger.WithError(err).Error("failed to stop bowl cleanly")
	}
	logger.Info("fishbowl stopped")
}
