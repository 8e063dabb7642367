package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/example/cutout/internal/config"
	"github.com/example/cutout/internal/export"
	"github.com/example/cutout/internal/intake"
	"github.com/example/cutout/internal/logging"
	"github.com/example/cutout/internal/segmentation"
	"github.com/example/cutout/internal/workflow"
)

const (
	fetchCacheBytes = 64 << 20
	fetchCacheTTL   = 10 * time.Minute
)

func newRootCommand() *cobra.Command {
	var envFile string

	root := &cobra.Command{
		Use:          "cutout",
		Short:        "Upload an image, remove its background, download the result",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd, envFile, runServe)
		},
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP service",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withRuntime(cmd, envFile, runServe)
			},
		},
		newRemoveCommand(&envFile),
		newSegmenterCommand(&envFile),
		&cobra.Command{
			Use:   "fsm",
			Short: "Print the workflow state machine as graphviz",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), workflow.Visualize())
				return err
			},
		},
	)
	return root
}

type runtimeFunc func(ctx context.Context, cfg *config.Config, logger *zap.Logger) error

func withRuntime(cmd *cobra.Command, envFile string, fn runtimeFunc) error {
	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return fn(ctx, cfg, logger)
}

func newRemoveCommand(envFile *string) *cobra.Command {
	var in, out string
	cmd := &cobra.Command{
		Use:   "remove",
		Short: "Remove the background of one image and write " + export.DefaultFilename,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd, *envFile, func(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
				path, err := runRemove(ctx, cfg, logger, in, out, cmd.ErrOrStderr())
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), path)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&in, "in", "", "image path or http(s) URL")
	cmd.Flags().StringVar(&out, "out", ".", "directory to write the result into")
	_ = cmd.MarkFlagRequired("in")
	return cmd
}

// runRemove drives one load, process and download cycle through a controller.
func runRemove(ctx context.Context, cfg *config.Config, logger *zap.Logger, in, out string, progress io.Writer) (string, error) {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return "", err
	}
	defer a.Close()

	ctrl := a.newController("cli")
	defer ctrl.Close(context.Background()) //nolint:errcheck

	src, name, err := openInput(ctx, in)
	if err != nil {
		return "", err
	}
	_, err = ctrl.Load(ctx, src, name)
	_ = src.Close()
	if err != nil {
		return "", err
	}

	events, cancel := ctrl.Watch(16)
	go func() {
		for ev := range events {
			if ev.Progress != nil {
				fmt.Fprintf(progress, "%s %3.0f%%\n", ev.Progress.Stage, ev.Progress.Fraction*100)
			}
		}
	}()
	defer cancel()

	run, err := ctrl.Process()
	if err != nil {
		return "", err
	}
	if err := run.Wait(ctx); err != nil {
		return "", err
	}
	if err := ctrl.Download(ctx, export.File{Store: a.store, Dir: out}); err != nil {
		return "", err
	}
	return filepath.Join(out, export.DefaultFilename), nil
}

func openInput(ctx context.Context, in string) (io.ReadCloser, string, error) {
	if intake.IsURL(in) {
		return intake.NewFetcher(fetchCacheBytes, fetchCacheTTL).Open(ctx, in)
	}
	f, err := os.Open(in)
	if err != nil {
		return nil, "", &intake.ReadError{Filename: in, Err: err}
	}
	return f, filepath.Base(in), nil
}

func newSegmenterCommand(envFile *string) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "segmenter",
		Short: "Serve the built-in background remover over gRPC",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd, *envFile, func(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
				lis, err := net.Listen("tcp", addr)
				if err != nil {
					return err
				}
				keyer := segmentation.NewKeyer()
				keyer.MaxPixels = cfg.MaxImagePixels
				return serveSegmenter(ctx, lis, keyer, logger)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":50051", "gRPC listen address")
	return cmd
}

func serveSegmenter(ctx context.Context, lis net.Listener, svc segmentation.Service, logger *zap.Logger) error {
	srv := grpc.NewServer()
	segmentation.RegisterSegmenterServer(srv, svc)

	go func() {
		<-ctx.Done()
		logger.Info("stopping segmenter")
		srv.GracefulStop()
	}()

	logger.Info("segmenter listening", zap.String("addr", lis.Addr().String()))
	if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}
