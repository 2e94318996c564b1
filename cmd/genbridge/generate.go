package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"genbridge/internal/bridge"
	"genbridge/internal/scheduler"
)

func newGenerateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "generate [prompt]",
		Short:   "Generate once and print fragments as they arrive",
		Example: "  genbridge generate --model-path ~/models/phi \"Write a haiku about the ocean\"",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			script, _ := cmd.Flags().GetString("script")
			log := newLogger(cfg.LogLevel)
			eng, err := newEngine(cfg, script, log)
			if err != nil {
				return err
			}
			if eng == nil {
				return errors.New("no inference engine available")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			worker := scheduler.NewWorker()
			defer worker.Close()
			frames := scheduler.NewFrameLoop(cfg.FPS)
			bcfg := bridgeConfig(cfg, log)
			bcfg.Engine, bcfg.Background, bcfg.Foreground = eng, worker, frames

			frameCtx, stopFrames := context.WithCancel(ctx)
			var g errgroup.Group
			g.Go(func() error {
				if err := frames.Run(frameCtx); !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			})
			err = runOnce(ctx, bcfg, modelOptions(cfg), strings.Join(args, " "), cmd)
			stopFrames()
			return errors.Join(err, g.Wait())
		},
	}
	addModelFlags(cmd.Flags())
	return cmd
}

// runOnce loads the model, streams one generation to cmd's output and
// releases the model.
func runOnce(ctx context.Context, bcfg bridge.Config, opts bridge.Options, prompt string, cmd *cobra.Command) (err error) {
	b, err := bridge.Initialize(ctx, opts, bcfg)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, b.Dispose()) }()

	out := cmd.OutOrStdout()
	s := b.GenerateStream(ctx, prompt)
	for frag, ferr := range s.Fragments() {
		if ferr != nil {
			return ferr
		}
		if _, werr := fmt.Fprint(out, frag); werr != nil {
			return werr
		}
	}
	fmt.Fprintln(out)
	if s.State() == bridge.StateCancelled {
		return context.Canceled
	}
	return nil
}
