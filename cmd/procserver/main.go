package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sys/unix"

	"github.com/robolab/procserver/deploy"
	"github.com/robolab/procserver/internal/files"
	"github.com/robolab/procserver/logdir"
	"github.com/robolab/procserver/server"
	"github.com/robolab/procserver/spawn"
)

func main() {
	if spawn.RunHelper() {
		return
	}

	app := &cli.App{
		Name:  "procserver",
		Usage: "network supervisor for deployment processes",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "listen-addr",
				Usage: "The address for the supervisor to listen on.",
				Value: server.DefaultListenAddr,
			},
			&cli.StringFlag{
				Name:  "index",
				Usage: "Path to the deployment index. Defaults to the nearest " + deploy.IndexFileName + " above the working directory.",
			},
			&cli.StringFlag{
				Name:  "log-base-dir",
				Usage: "Base directory log directories are created under.",
				Value: "logs",
			},
			&cli.StringFlag{
				Name:  "work-dir",
				Usage: "Directory processes run in before a log directory is created.",
			},
			&cli.IntFlag{
				Name:  "gdb-port",
				Usage: "Default gdbserver port for start requests that enable gdb without one.",
				Value: server.DefaultGDBPort,
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging.",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(ctx *cli.Context) error {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	if !ctx.Bool("debug") {
		logger = logger.WithOptions(zap.IncreaseLevel(zapcore.InfoLevel))
	}
	slog := logger.Named("procserver").Sugar()

	indexPath := ctx.String("index")
	if indexPath == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("getting working directory: %w", err)
		}
		indexPath = files.FindUp(deploy.IndexFileName, wd)
		if indexPath == "" {
			return fmt.Errorf("no %s found above %s; pass --index", deploy.IndexFileName, wd)
		}
	}
	index, err := deploy.LoadIndex(indexPath)
	if err != nil {
		return err
	}

	logBase, err := filepath.Abs(ctx.String("log-base-dir"))
	if err != nil {
		return fmt.Errorf("resolving log base dir: %w", err)
	}
	workDir := ctx.String("work-dir")
	if workDir == "" {
		workDir = logBase
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return fmt.Errorf("creating work dir: %w", err)
	}

	srv := server.New(
		index,
		logdir.New(logBase, logdir.WithLogger(slog.Named("logdir"))),
		server.WithLogger(slog.Named("server")),
		server.WithListenAddr(ctx.String("listen-addr")),
		server.WithWorkDir(workDir),
		server.WithDefaultGDBPort(ctx.Int("gdb-port")),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, unix.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Infow("received signal, shutting down", "Signal", sig.String())
		srv.Stop()
	}()

	runErr := srv.Run()

	// drain whatever is still tracked; idempotent if a quit command already did
	if err := srv.Registry().Shutdown(context.Background()); err != nil {
		slog.Errorw("draining processes", "Error", err)
	}
	return runErr
}
