package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	chlog "github.com/charmbracelet/log"
	"github.com/muesli/termenv"
	"github.com/urfave/cli/v2"

	"github.com/mklimuk/i2cmem/cmd/eeprom/command"
	"github.com/mklimuk/i2cmem/config"
)

var commit string
var date string

func main() {
	os.Exit(run())
}

func run() int {
	version := config.Version
	if version == "" {
		version = "dev"
	}
	app := cli.NewApp()
	app.Name = "eeprom"
	app.EnableBashCompletion = true
	app.Version = fmt.Sprintf("%s-%s-%s", version, date, commit)
	app.Usage = "24LC256 serial EEPROM cli"
	app.Flags = []cli.Flag{
		&cli.BoolFlag{
			Name:  "verbose",
			Usage: "enable verbose logging",
		},
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "YAML configuration file",
			EnvVars: []string{"EEPROM_CONFIG"},
		},
		&cli.StringFlag{
			Name:  "adapter",
			Usage: "bus adapter: " + strings.Join(config.Adapters, ", "),
			Value: config.AdapterSim,
		},
		&cli.StringFlag{
			Name:  "device",
			Usage: "7-bit device address",
			Value: "0x50",
		},
		&cli.BoolFlag{
			Name:  "yes",
			Usage: "do not ask for confirmation before writing",
		},
	}
	app.Before = func(ctx *cli.Context) error {
		charm := chlog.NewWithOptions(os.Stdout, chlog.Options{
			ReportCaller:    true,
			ReportTimestamp: true,
			TimeFormat:      time.DateTime,
		})
		charm.SetColorProfile(termenv.TrueColor)
		charm.SetLevel(chlog.InfoLevel)
		if ctx.Bool("verbose") {
			charm.SetLevel(chlog.DebugLevel)
		}
		slog.SetDefault(slog.New(charm))
		return nil
	}
	app.Commands = cli.Commands{
		command.ReadCmd,
		command.WriteCmd,
		command.PollCmd,
		command.CurrentCmd,
		command.ChecksumCmd,
		command.SelfTestCmd,
		&configCmd,
		&usbCmd,
		&mcp2221Cmd,
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	err := app.RunContext(ctx, os.Args)
	if err != nil {
		log.Printf("unexpected error: %v", err)
		var exerr cli.ExitCoder
		if errors.As(err, &exerr) {
			return exerr.ExitCode()
		}
		return 1
	}
	return 0
}
