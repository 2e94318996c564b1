package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"genbridge/internal/config"
	"genbridge/internal/httpapi"
	"genbridge/internal/manager"
	"genbridge/internal/scheduler"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the generation HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			script, _ := cmd.Flags().GetString("script")
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, script, newLogger(cfg.LogLevel))
		},
	}
	fs := cmd.Flags()
	fs.String("addr", "", "HTTP listen address (defaults GENBRIDGE_ADDR or :8080)")
	addModelFlags(fs)
	fs.Int("max-queue-depth", 0, "Requests allowed to wait for the generation slot (default 32)")
	fs.Int64("max-wait-seconds", 0, "Longest a request waits for the generation slot (default 30)")
	fs.Bool("preload", false, "Load the model at startup instead of on the first request")
	fs.Int64("max-body-bytes", 0, "Maximum request body size (default 1MiB)")
	fs.Int64("infer-timeout-seconds", 0, "Per-request generation timeout (0 disables)")
	fs.Bool("cors", false, "Enable CORS")
	fs.String("cors-origins", "", "Comma-separated allowed origins (default *)")
	fs.String("cors-methods", "", "Comma-separated allowed methods")
	fs.String("cors-headers", "", "Comma-separated allowed headers")
	return cmd
}

// serve runs the HTTP server, the frame loop and the background worker until
// ctx is done, then drains and releases the model.
func serve(ctx context.Context, cfg config.Config, script string, log zerolog.Logger) error {
	eng, err := newEngine(cfg, script, log)
	if err != nil {
		return err
	}
	worker := scheduler.NewWorker()
	defer worker.Close()
	frames := scheduler.NewFrameLoop(cfg.FPS)

	mgr := manager.NewWithConfig(manager.ManagerConfig{
		Engine:        eng,
		Background:    worker,
		Foreground:    frames,
		Model:         modelOptions(cfg),
		Bridge:        bridgeConfig(cfg, log.With().Str("component", "bridge").Logger()),
		MaxQueueDepth: cfg.MaxQueueDepth,
		MaxWait:       maxWait(cfg),
		Publisher:     logPublisher{log: log.With().Str("component", "manager").Logger()},
	})

	httpapi.SetLogger(log.With().Str("component", "http").Logger())
	httpapi.SetDefaultLogLevel(cfg.LogLevel)
	httpapi.SetMaxBodyBytes(cfg.MaxBodyBytes)
	httpapi.SetGenerateTimeoutSeconds(cfg.InferTimeoutSeconds)
	httpapi.SetCORSOptions(cfg.CORSEnabled, cfg.CORSAllowedOrigins, cfg.CORSAllowedMethods, cfg.CORSAllowedHeaders)
	httpapi.SetBaseContext(ctx)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.NewMux(mgr),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Frames outlive the HTTP server so queued work can drain during Close.
	frameCtx, stopFrames := context.WithCancel(context.Background())
	defer stopFrames()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := frames.Run(frameCtx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		log.Info().Str("addr", cfg.Addr).Str("model_path", cfg.ModelPath).Str("engine", cfg.Engine).Msg("genbridge listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if cfg.Preload {
		g.Go(func() error {
			if err := mgr.EnsureReady(gctx); err != nil && gctx.Err() == nil {
				log.Error().Err(err).Msg("preload failed")
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(sctx)
		if cerr := mgr.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
		stopFrames()
		log.Info().Msg("genbridge stopped")
		return err
	})
	return g.Wait()
}

// logPublisher reports manager lifecycle events to the log.
type logPublisher struct{ log zerolog.Logger }

func (p logPublisher) Publish(e manager.Event) {
	ev := p.log.Info()
	if e.Name == manager.EventModelError {
		ev = p.log.Error()
	}
	ev.Str("event", e.Name).Str("model_path", e.ModelPath).Fields(e.Fields).Msg("lifecycle")
}
