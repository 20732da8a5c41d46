package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/urfave/cli/v2"
	gi2c "gobot.io/x/gobot/v2/drivers/i2c"
	"gobot.io/x/gobot/v2/platforms/friendlyelec/nanopi"

	"github.com/mklimuk/i2cmem"
	"github.com/mklimuk/i2cmem/adapter"
	"github.com/mklimuk/i2cmem/bitbang"
	"github.com/mklimuk/i2cmem/buspirate"
	"github.com/mklimuk/i2cmem/config"
	"github.com/mklimuk/i2cmem/eeprom"
	"github.com/mklimuk/i2cmem/i2c"
	lc256 "github.com/mklimuk/i2cmem/memory/24lc256"
	"github.com/mklimuk/i2cmem/sim"
)

// Target is an opened memory together with whatever has to be released
// once the command is done with it.
type Target struct {
	Memory  i2cmem.Memory
	Name    string
	closers []func() error
}

func (t *Target) onClose(f func() error) {
	t.closers = append(t.closers, f)
}

func (t *Target) Close() error {
	var errs []error
	for i := len(t.closers) - 1; i >= 0; i-- {
		errs = append(errs, t.closers[i]())
	}
	return errors.Join(errs...)
}

// Settings loads the configuration file named by --config and applies the
// global flags over it.
func Settings(c *cli.Context) (config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return cfg, err
	}
	if c.IsSet("adapter") {
		cfg.Adapter = c.String("adapter")
	}
	if c.IsSet("device") {
		device, err := strconv.ParseUint(c.String("device"), 0, 8)
		if err != nil {
			return cfg, fmt.Errorf("invalid device address %q: %w", c.String("device"), err)
		}
		cfg.Device = byte(device)
	}
	return cfg, cfg.Validate()
}

func engineOpts(cfg config.Config) []eeprom.Opt {
	return []eeprom.Opt{
		eeprom.WithDevice(cfg.Device),
		eeprom.WithMaxPollAttempts(cfg.Poll.Attempts),
		eeprom.WithPollDeadline(cfg.Poll.Deadline),
		eeprom.WithPollInterval(cfg.Poll.Interval),
		eeprom.WithMaxTransfer(cfg.MaxTransfer),
	}
}

// Open connects to the memory through the configured adapter.
func Open(ctx context.Context, cfg config.Config) (*Target, error) {
	t := &Target{Name: cfg.Adapter}
	opts := engineOpts(cfg)
	busOpts := []i2c.BusOpt{i2c.WithWaitTimeout(cfg.WaitTimeout)}
	clock := cfg.Clock.Frequency()

	switch cfg.Adapter {
	case config.AdapterSim:
		dev := sim.New(sim.WithDevice(cfg.Device))
		t.Memory = eeprom.New(i2c.NewBus(dev, i2c.WithWait(dev.Wait)), opts...)
		t.Name = "simulated 24LC256"

	case config.AdapterLinux:
		bus, err := i2c.OpenHost(cfg.Bus)
		if err != nil {
			return nil, err
		}
		t.onClose(bus.Close)
		if err := bus.SetSpeed(clock); err != nil {
			slog.Warn("could not set bus speed", "speed", clock.String(), "error", err)
		}
		t.Memory = eeprom.NewTx(bus, opts...)
		t.Name = bus.String()

	case config.AdapterMCP2221:
		adapterOpts := []adapter.Opt{adapter.WithContext(ctx)}
		if cfg.Index >= 0 {
			adapterOpts = append(adapterOpts, adapter.WithIndex(cfg.Index))
		}
		bridge := adapter.NewMCP2221(adapterOpts...)
		if err := bridge.SetSpeed(clock); err != nil {
			return nil, fmt.Errorf("could not configure adapter: %w", err)
		}
		if cfg.MaxTransfer == 0 || cfg.MaxTransfer > adapter.MaxTransfer {
			opts = append(opts, eeprom.WithMaxTransfer(adapter.MaxTransfer))
		}
		t.Memory = eeprom.NewTx(bridge, opts...)
		t.Name = bridge.String()

	case config.AdapterBusPirate:
		ctrl, closer, err := buspirate.Open(cfg.Port, cfg.Baud, buspirate.WithClock(clock), buspirate.WithPower(true))
		if err != nil {
			return nil, err
		}
		t.onClose(closer.Close)
		t.Memory = eeprom.New(i2c.NewBus(ctrl, busOpts...), opts...)
		t.Name = "bus pirate on " + cfg.Port

	case config.AdapterGPIO:
		sda, scl, err := bitbang.OpenPins(cfg.Pins.SDA, cfg.Pins.SCL)
		if err != nil {
			return nil, err
		}
		ctrl := bitbang.New(sda, scl, bitbang.WithClock(clock))
		t.Memory = eeprom.New(i2c.NewBus(ctrl, busOpts...), opts...)
		t.Name = fmt.Sprintf("gpio %s/%s", cfg.Pins.SDA, cfg.Pins.SCL)

	case config.AdapterNanoPi:
		npi := nanopi.NewNeoAdaptor()
		if err := npi.Connect(); err != nil {
			return nil, fmt.Errorf("adaptor connect error: %w", err)
		}
		t.onClose(npi.Finalize)
		sda := bitbang.NewAdaptorLine(npi, cfg.Pins.SDA)
		scl := bitbang.NewAdaptorLine(npi, cfg.Pins.SCL)
		ctrl := bitbang.New(sda, scl, bitbang.WithClock(clock))
		t.Memory = eeprom.New(i2c.NewBus(ctrl, busOpts...), opts...)
		t.Name = fmt.Sprintf("nanopi pins %s/%s", cfg.Pins.SDA, cfg.Pins.SCL)

	case config.AdapterGobot:
		busNr, err := cfg.BusNumber()
		if err != nil {
			return nil, err
		}
		npi := nanopi.NewNeoAdaptor()
		if err := npi.I2cBusAdaptor.Connect(); err != nil {
			return nil, fmt.Errorf("adaptor connect error: %w", err)
		}
		t.onClose(npi.I2cBusAdaptor.Finalize)
		drv := lc256.NewWithEngine(npi, cfg.Device, opts, func(c gi2c.Config) {
			c.SetBus(busNr)
		})
		if err := drv.Start(); err != nil {
			_ = t.Close()
			return nil, fmt.Errorf("start error: %w", err)
		}
		t.onClose(drv.Halt)
		t.Memory = drv
		t.Name = drv.String()

	default:
		return nil, fmt.Errorf("unknown adapter %q", cfg.Adapter)
	}
	return t, nil
}
