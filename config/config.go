// Package config holds the settings of the eeprom command: which adapter
// drives the bus, where the memory sits and how long writes may take.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
	"periph.io/x/conn/v3/physic"

	"github.com/mklimuk/i2cmem"
)

// Version is set at build time.
var Version string

const (
	AdapterSim       = "sim"
	AdapterLinux     = "linux"
	AdapterMCP2221   = "mcp2221"
	AdapterBusPirate = "buspirate"
	AdapterGPIO      = "gpio"
	AdapterNanoPi    = "nanopi"
	AdapterGobot     = "gobot"
)

var Adapters = []string{AdapterSim, AdapterLinux, AdapterMCP2221, AdapterBusPirate, AdapterGPIO, AdapterNanoPi, AdapterGobot}

var ErrInvalid = errors.New("invalid configuration")

// Frequency is a clock rate written the way periph prints it, e.g. "100kHz".
type Frequency physic.Frequency

func (f Frequency) Frequency() physic.Frequency {
	return physic.Frequency(f)
}

func (f Frequency) String() string {
	return physic.Frequency(f).String()
}

func (f *Frequency) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	var pf physic.Frequency
	if err := pf.Set(s); err != nil {
		return fmt.Errorf("line %d: clock %q: %w", value.Line, s, err)
	}
	*f = Frequency(pf)
	return nil
}

func (f Frequency) MarshalYAML() (any, error) {
	return f.String(), nil
}

// Pins names the data and clock lines of a bit-banged bus.
type Pins struct {
	SDA string `yaml:"sda"`
	SCL string `yaml:"scl"`
}

// Poll bounds the acknowledge polling after every page write.
type Poll struct {
	Attempts int           `yaml:"attempts"`
	Deadline time.Duration `yaml:"deadline"`
	Interval time.Duration `yaml:"interval"`
}

type Config struct {
	Adapter string `yaml:"adapter"`
	Device  byte   `yaml:"device"`
	// Bus is the kernel bus name for linux, or the bus number for gobot.
	Bus     string    `yaml:"bus"`
	Index   int       `yaml:"index"`
	Port    string    `yaml:"port"`
	Baud    int       `yaml:"baud"`
	Pins    Pins      `yaml:"pins"`
	Clock   Frequency `yaml:"clock"`
	Poll    Poll      `yaml:"poll"`
	// WaitTimeout bounds every busy wait on a controller status flag.
	WaitTimeout time.Duration `yaml:"wait_timeout"`
	MaxTransfer int           `yaml:"max_transfer"`
}

func Default() Config {
	return Config{
		Adapter: AdapterSim,
		Device:  i2cmem.DefaultDevice,
		Index:   -1,
		Port:    "/dev/ttyUSB0",
		Baud:    115200,
		Pins:    Pins{SDA: "GPIO2", SCL: "GPIO3"},
		Clock:   Frequency(100 * physic.KiloHertz),
		Poll: Poll{
			Attempts: 1000,
			Deadline: 50 * time.Millisecond,
		},
		WaitTimeout: 10 * time.Millisecond,
	}
}

// Load reads the YAML file at path over the defaults. An empty path returns
// the defaults.
func Load(path string) (Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("could not read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("could not parse config %s: %w", path, err)
	}
	return c, c.Validate()
}

func (c Config) Validate() error {
	if !slices.Contains(Adapters, c.Adapter) {
		return fmt.Errorf("%w: unknown adapter %q", ErrInvalid, c.Adapter)
	}
	if err := i2cmem.CheckDevice(c.Device); err != nil {
		return fmt.Errorf("%w: device: %w", ErrInvalid, err)
	}
	if c.Clock <= 0 {
		return fmt.Errorf("%w: clock must be positive", ErrInvalid)
	}
	if c.Poll.Attempts < 0 || c.Poll.Deadline < 0 || c.Poll.Interval < 0 {
		return fmt.Errorf("%w: negative poll bound", ErrInvalid)
	}
	if c.Poll.Attempts == 0 && c.Poll.Deadline == 0 {
		return fmt.Errorf("%w: polling needs an attempt limit or a deadline", ErrInvalid)
	}
	if c.MaxTransfer != 0 && c.MaxTransfer < 3 {
		return fmt.Errorf("%w: max transfer %d leaves no room for data", ErrInvalid, c.MaxTransfer)
	}
	switch c.Adapter {
	case AdapterBusPirate:
		if c.Port == "" || c.Baud <= 0 {
			return fmt.Errorf("%w: bus pirate needs a port and a baud rate", ErrInvalid)
		}
	case AdapterGPIO, AdapterNanoPi:
		if c.Pins.SDA == "" || c.Pins.SCL == "" {
			return fmt.Errorf("%w: bit-banged bus needs sda and scl pins", ErrInvalid)
		}
	case AdapterGobot:
		if _, err := c.BusNumber(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalid, err)
		}
	}
	return nil
}

// BusNumber returns Bus as a gobot bus number; an empty Bus is bus 0.
func (c Config) BusNumber() (int, error) {
	if c.Bus == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(c.Bus)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("bus %q is not a bus number", c.Bus)
	}
	return n, nil
}
