// carbot はキーボードで操作するカメラ付きロボットを動かす。
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli"

	"github.com/Rione/carbot/app"
	"github.com/Rione/carbot/config"
	"github.com/Rione/carbot/teleop"
)

// errInterrupted はシグナルで止まった時に返す
var errInterrupted = errors.New("interrupted")

var runFlags = []cli.Flag{
	cli.StringFlag{
		Name:   "config, c",
		Value:  "drive",
		Usage:  "run config name under ./configs or path to a YAML file",
		EnvVar: "CARBOT_CONFIG",
	},
	cli.Float64Flag{
		Name:  "hz",
		Usage: "override control loop rate",
	},
	cli.Float64Flag{
		Name:  "status-hz",
		Usage: "override status print rate",
	},
	cli.BoolFlag{
		Name:  "no-status",
		Usage: "do not print the status line",
	},
	cli.BoolFlag{
		Name:  "debug-keys",
		Usage: "show the last key in the status line",
	},
	cli.StringFlag{
		Name:  "log-level",
		Value: "info",
		Usage: "debug, info, warn or error",
	},
}

func main() {
	os.Exit(run(os.Args))
}

func run(args []string) int {
	a := cli.NewApp()
	a.Name = "carbot"
	a.Usage = "drive the robot from the keyboard and stream its camera"
	a.Version = getVersion()
	a.Flags = runFlags
	a.Action = runAction
	a.Commands = []cli.Command{
		{
			Name:   "run",
			Usage:  "run the robot with a config (default)",
			Flags:  runFlags,
			Action: runAction,
		},
		{
			Name:  "version",
			Usage: "print the version",
			Action: func(c *cli.Context) error {
				fmt.Println(getVersion())
				return nil
			},
		},
		{
			Name:  "update",
			Usage: "update the binary to the latest release",
			Flags: []cli.Flag{
				cli.BoolFlag{Name: "check", Usage: "only report whether an update exists"},
				cli.StringFlag{Name: "log-level", Value: "info"},
			},
			Action: updateAction,
		},
	}

	err := a.Run(args)
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errInterrupted):
		return 130
	default:
		fmt.Fprintln(os.Stderr, "carbot:", err)
		return 1
	}
}

func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
}

func loadConfig(c *cli.Context) (*config.Config, string, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, "", err
	}
	path, err := config.Resolve(c.String("config"), config.DefaultDir)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}

	if c.IsSet("hz") {
		cfg.Control.Hz = c.Float64("hz")
	}
	if c.IsSet("status-hz") {
		cfg.Status.Hz = c.Float64("status-hz")
	}
	if c.Bool("no-status") {
		cfg.Status.Disabled = true
	}
	if c.Bool("debug-keys") && cfg.Teleop != nil {
		cfg.Teleop.DebugKeys = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func runAction(c *cli.Context) error {
	logger, err := newLogger(c.String("log-level"))
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	cfg, path, err := loadConfig(c)
	if err != nil {
		return err
	}

	robot, err := app.Build(cfg, app.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("build: %w", err)
	}
	defer robot.Close()

	if robot.Teleop != nil {
		fmt.Print(teleop.HelpText(robot.Teleop, path))
	}
	logger.Info("carbot starting", "config", path, "robot_id", cfg.RobotID, "version", getVersion())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := robot.Run(ctx)
	closeErr := robot.Close()
	switch {
	case runErr != nil:
		return runErr
	case ctx.Err() != nil:
		logger.Info("stopped by signal")
		return errInterrupted
	}
	return closeErr
}
