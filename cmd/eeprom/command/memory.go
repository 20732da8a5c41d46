package command

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/mklimuk/i2cmem"
	"github.com/mklimuk/i2cmem/cmd/eeprom/console"
	"github.com/mklimuk/i2cmem/memctx"
	"github.com/mklimuk/i2cmem/selftest"
)

type poller interface {
	WaitForWriteComplete(ctx context.Context) (int, error)
}

type currentReader interface {
	ReadCurrent(ctx context.Context) (byte, error)
}

var addressFlag = &cli.StringFlag{Name: "address", Aliases: []string{"a"}, Usage: "memory address, decimal or 0x prefixed", Value: "0"}

func parseAddress(s string) (uint16, error) {
	addr, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", s, err)
	}
	if addr >= i2cmem.Capacity {
		return 0, fmt.Errorf("%w: address %#x", i2cmem.ErrOutOfRange, addr)
	}
	return uint16(addr), nil
}

// withTarget opens the configured memory for the duration of action.
func withTarget(c *cli.Context, action func(ctx context.Context, t *Target) error) error {
	cfg, err := Settings(c)
	if err != nil {
		return console.Exit(1, "configuration error: %s", console.Red(err))
	}
	ctx := memctx.SetVerbose(c.Context, c.Bool("verbose"))
	t, err := Open(ctx, cfg)
	if err != nil {
		return console.Exit(1, "could not open %s adapter: %s", cfg.Adapter, console.Red(err))
	}
	defer func() {
		if err := t.Close(); err != nil {
			slog.Warn("could not release adapter", "adapter", cfg.Adapter, "error", err)
		}
	}()
	slog.Debug("memory opened", "target", t.Name, "device", fmt.Sprintf("%#02x", cfg.Device))
	return action(ctx, t)
}

var ReadCmd = &cli.Command{
	Name:  "read",
	Usage: "read a region of the memory",
	Flags: []cli.Flag{
		addressFlag,
		&cli.IntFlag{Name: "length", Aliases: []string{"n"}, Usage: "number of bytes to read", Value: 16},
		&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "write the raw bytes to a file instead of dumping them"},
	},
	Action: func(c *cli.Context) error {
		addr, err := parseAddress(c.String("address"))
		if err != nil {
			return console.Exit(1, "%s", err)
		}
		length := c.Int("length")
		if err := i2cmem.CheckRange(addr, length); err != nil || length == 0 {
			return console.Exit(1, "length out of range: %d", length)
		}
		return withTarget(c, func(ctx context.Context, t *Target) error {
			buf := make([]byte, length)
			if err := t.Memory.Read(ctx, addr, buf); err != nil {
				return console.Exit(1, "read error: %s", console.Red(err))
			}
			if out := c.String("output"); out != "" {
				if err := os.WriteFile(out, buf, 0o644); err != nil {
					return console.Exit(1, "could not save read data: %s", console.Red(err))
				}
				console.PInfof(console.PictoFinish, "%d bytes from %s saved to %s", length, console.White(fmt.Sprintf("0x%04x", addr)), out)
				return nil
			}
			console.Printf("%s %d bytes at %s\n", console.Bold(t.Name), length, console.White(fmt.Sprintf("0x%04x", addr)))
			console.Print(hex.Dump(buf))
			return nil
		})
	},
}

var WriteCmd = &cli.Command{
	Name:  "write",
	Usage: "write bytes to the memory",
	Flags: []cli.Flag{
		addressFlag,
		&cli.StringFlag{Name: "data", Usage: "hex bytes to write (e.g. '01FF23')"},
		&cli.StringFlag{Name: "text", Usage: "text to write"},
		&cli.StringFlag{Name: "input", Aliases: []string{"i"}, Usage: "file whose content is written"},
	},
	Action: func(c *cli.Context) error {
		addr, err := parseAddress(c.String("address"))
		if err != nil {
			return console.Exit(1, "%s", err)
		}
		data, err := payload(c)
		if err != nil {
			return console.Exit(1, "%s", err)
		}
		if err := i2cmem.CheckRange(addr, len(data)); err != nil {
			return console.Exit(1, "%s", err)
		}
		return withTarget(c, func(ctx context.Context, t *Target) error {
			question := fmt.Sprintf("write %d bytes at 0x%04x on %s?", len(data), addr, t.Name)
			ok, err := console.Confirm(question, c.Bool("yes"))
			if err != nil {
				return console.Exit(1, "prompt error: %s", err)
			}
			if !ok {
				console.PInfof(console.PictoStop, "nothing written")
				return nil
			}
			if err := t.Memory.Write(ctx, addr, data); err != nil {
				return console.Exit(1, "write error: %s", console.Red(err))
			}
			console.PInfof(console.PictoFinish, "wrote %d bytes at %s", len(data), console.White(fmt.Sprintf("0x%04x", addr)))
			return nil
		})
	},
}

func payload(c *cli.Context) ([]byte, error) {
	var sources []string
	for _, name := range []string{"data", "text", "input"} {
		if c.IsSet(name) {
			sources = append(sources, name)
		}
	}
	if len(sources) != 1 {
		return nil, fmt.Errorf("exactly one of --data, --text or --input is required")
	}
	var data []byte
	var err error
	switch sources[0] {
	case "data":
		data, err = hex.DecodeString(strings.ReplaceAll(c.String("data"), " ", ""))
		if err != nil {
			return nil, fmt.Errorf("invalid data hex string: %w", err)
		}
	case "text":
		data = []byte(c.String("text"))
	case "input":
		data, err = os.ReadFile(c.String("input"))
		if err != nil {
			return nil, fmt.Errorf("could not read input: %w", err)
		}
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("nothing to write")
	}
	return data, nil
}

var PollCmd = &cli.Command{
	Name:  "poll",
	Usage: "wait until the memory acknowledges its address",
	Action: func(c *cli.Context) error {
		return withTarget(c, func(ctx context.Context, t *Target) error {
			p, ok := t.Memory.(poller)
			if !ok {
				return console.Exit(1, "%s does not support acknowledge polling", t.Name)
			}
			attempts, err := p.WaitForWriteComplete(ctx)
			if err != nil {
				return console.Exit(1, "device not ready after %d polls: %s", attempts, console.Red(err))
			}
			console.PInfof(console.PictoPin, "%s ready after %s polls", t.Name, console.White(attempts))
			return nil
		})
	},
}

var CurrentCmd = &cli.Command{
	Name:  "current",
	Usage: "read one byte at the internal address pointer",
	Action: func(c *cli.Context) error {
		return withTarget(c, func(ctx context.Context, t *Target) error {
			r, ok := t.Memory.(currentReader)
			if !ok {
				return console.Exit(1, "%s does not support current address reads", t.Name)
			}
			b, err := r.ReadCurrent(ctx)
			if err != nil {
				return console.Exit(1, "read error: %s", console.Red(err))
			}
			console.Printf("%s\n", console.White(fmt.Sprintf("%#02x", b)))
			return nil
		})
	},
}

var ChecksumCmd = &cli.Command{
	Name:  "checksum",
	Usage: "compute the CRC-8/MAXIM of a region",
	Flags: []cli.Flag{
		addressFlag,
		&cli.IntFlag{Name: "length", Aliases: []string{"n"}, Usage: "number of bytes, up to the end of the memory by default"},
	},
	Action: func(c *cli.Context) error {
		addr, err := parseAddress(c.String("address"))
		if err != nil {
			return console.Exit(1, "%s", err)
		}
		length := i2cmem.Capacity - int(addr)
		if c.IsSet("length") {
			length = c.Int("length")
		}
		if err := i2cmem.CheckRange(addr, length); err != nil {
			return console.Exit(1, "%s", err)
		}
		return withTarget(c, func(ctx context.Context, t *Target) error {
			buf := make([]byte, length)
			if err := t.Memory.Read(ctx, addr, buf); err != nil {
				return console.Exit(1, "read error: %s", console.Red(err))
			}
			console.Printf("0x%04x+%d: %s\n", addr, length, console.White(fmt.Sprintf("%#02x", selftest.Checksum(buf))))
			return nil
		})
	},
}

var SelfTestCmd = &cli.Command{
	Name:  "selftest",
	Usage: "write random blocks and verify them",
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "size", Usage: "bytes per block", Value: selftest.DefaultSize},
		&cli.Uint64Flag{Name: "seed", Usage: "seed for reproducible blocks"},
		&cli.IntFlag{Name: "rounds", Usage: "number of blocks to test", Value: 1},
	},
	Action: func(c *cli.Context) error {
		opts := []selftest.Opt{selftest.WithSize(c.Int("size"))}
		return withTarget(c, func(ctx context.Context, t *Target) error {
			question := fmt.Sprintf("self-test overwrites %d bytes per round on %s, continue?", c.Int("size"), t.Name)
			ok, err := console.Confirm(question, c.Bool("yes"))
			if err != nil {
				return console.Exit(1, "prompt error: %s", err)
			}
			if !ok {
				console.PInfof(console.PictoStop, "self-test cancelled")
				return nil
			}
			failed := 0
			for round := 0; round < c.Int("rounds"); round++ {
				roundOpts := opts
				if c.IsSet("seed") {
					roundOpts = append(roundOpts, selftest.WithSeed(c.Uint64("seed")+uint64(round)))
				}
				report, err := selftest.Run(ctx, t.Memory, roundOpts...)
				if err != nil {
					return console.Exit(1, "round %d at 0x%04x: %s", round+1, report.Address, console.Red(err))
				}
				if !report.Passed {
					failed++
				}
				console.Printf("0x%04x - %5d %s (crc %#02x, write %s, read %s)\n",
					report.Address, report.Length, console.Verdict(report.Passed), report.Checksum, report.WriteTime, report.ReadTime)
				if !report.Passed {
					console.Warnf("%d mismatches, first at offset %d", report.Mismatches, report.FirstMismatch)
				}
			}
			if failed > 0 {
				return console.Exit(2, "%d of %d rounds failed", failed, c.Int("rounds"))
			}
			return nil
		})
	},
}
