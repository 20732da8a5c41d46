package main

import (
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/mklimuk/i2cmem/adapter"
	"github.com/mklimuk/i2cmem/cmd/eeprom/console"
	"github.com/mklimuk/i2cmem/memctx"
)

var mcp2221Cmd = cli.Command{
	Name:  "mcp2221",
	Usage: "inspect the MCP2221 USB bridge",
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "index", Usage: "bridge index as listed by usb detect", Value: -1},
	},
	Subcommands: cli.Commands{
		&mcp2221StatusCmd,
		&mcp2221ReleaseCmd,
	},
}

func bridge(c *cli.Context) *adapter.MCP2221 {
	if i := c.Int("index"); i >= 0 {
		return adapter.NewMCP2221(adapter.WithIndex(i))
	}
	return adapter.NewMCP2221()
}

func printStatus(status *adapter.MCP2221Status) error {
	enc := yaml.NewEncoder(console.Writer())
	defer func() { _ = enc.Close() }()
	if err := enc.Encode(status); err != nil {
		return console.Exit(1, "encoding error: %s", console.Red(err))
	}
	return nil
}

var mcp2221StatusCmd = cli.Command{
	Name: "status",
	Action: func(c *cli.Context) error {
		ctx := memctx.SetVerbose(c.Context, c.Bool("verbose"))
		status, err := bridge(c).Status(ctx)
		if err != nil {
			return console.Exit(1, "adapter communication error: %s", console.Red(err))
		}
		return printStatus(status)
	},
}

var mcp2221ReleaseCmd = cli.Command{
	Name:  "release",
	Usage: "cancel the current transfer and free the bus",
	Action: func(c *cli.Context) error {
		ctx := memctx.SetVerbose(c.Context, c.Bool("verbose"))
		status, err := bridge(c).ReleaseBus(ctx)
		if err != nil {
			return console.Exit(1, "adapter communication error: %s", console.Red(err))
		}
		return printStatus(status)
	},
}
