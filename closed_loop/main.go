package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"balancebot-core/utils"
)

func main() {
	app := &cli.App{
		Name:  "balancebot",
		Usage: "run the balance controller and formation link",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config/robot.yaml",
				Usage:   "load robot configuration from `FILE`",
			},
			&cli.StringFlag{
				Name:  "iface",
				Usage: "SocketCAN interface, overrides can.interface",
			},
			&cli.StringFlag{
				Name:  "log",
				Usage: "trace|debug|info|warn|error|critical, overrides log.level",
			},
			&cli.BoolFlag{
				Name:  "skip-calibration",
				Usage: "use the configured dead zones instead of measuring them",
			},
			&cli.BoolFlag{
				Name:  "run",
				Usage: "start balancing without waiting for the operator",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "ERROR:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := LoadConfig(c.String("config"))
	if err != nil {
		return err
	}
	if c.IsSet("iface") {
		cfg.CAN.Interface = c.String("iface")
	}
	if c.IsSet("log") {
		cfg.Log.Level = c.String("log")
	}
	if c.Bool("skip-calibration") {
		cfg.Motor.Calibrate = false
	}
	if c.Bool("run") {
		cfg.Control.Run = true
	}

	log, err := utils.NewFileLogger(cfg.Log.File, utils.ParseLevel(cfg.Log.Level), cfg.Log.Stdout)
	if err != nil {
		return cli.Exit(fmt.Sprintf("cannot open %s: %v", cfg.Log.File, err), 1)
	}
	defer log.Close()

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner, err := NewRunner(ctx, cfg, log)
	if err != nil {
		log.Critical("Startup failed: %v", err)
		return err
	}
	defer func() {
		if err := runner.Close(); err != nil {
			log.Error("shutdown: %v", err)
		}
	}()

	if err := runner.Run(ctx); err != nil && err != context.Canceled {
		log.Critical("Run failed: %v", err)
		return err
	}
	return nil
}
