// Package buspirate drives a Dangerous Prototypes Bus Pirate in binary I2C
// mode. The Bus Pirate does the bit level work; the Controller maps each
// framing step onto one binary command.
package buspirate

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/tarm/serial"
	"periph.io/x/conn/v3/physic"

	"github.com/mklimuk/i2cmem"
)

var _ i2cmem.Controller = &Controller{}

const (
	cmdReset      = 0x00
	cmdEnterI2C   = 0x02
	cmdStart      = 0x02
	cmdStop       = 0x03
	cmdRead       = 0x04
	cmdACK        = 0x06
	cmdNACK       = 0x07
	cmdBulkWrite  = 0x10
	cmdPeripheral = 0x40
	cmdSpeed      = 0x60
	cmdExit       = 0x0F

	ansOK = 0x01

	peripheralPower   = 0x08
	peripheralPullups = 0x04

	resetAttempts = 20
	readAttempts  = 3
)

var ErrNoResponse = errors.New("bus pirate did not answer")

// speeds lists the clock rates selectable with the speed command.
var speeds = []physic.Frequency{
	5 * physic.KiloHertz,
	50 * physic.KiloHertz,
	100 * physic.KiloHertz,
	400 * physic.KiloHertz,
}

// SpeedCode returns the speed setting closest to f without exceeding it.
func SpeedCode(f physic.Frequency) byte {
	code := byte(0)
	for i, s := range speeds {
		if s <= f {
			code = byte(i)
		}
	}
	return code
}

type Opts struct {
	Clock   physic.Frequency
	Power   bool
	Pullups bool
	Logger  *slog.Logger
}

type Opt func(*Opts)

func WithClock(f physic.Frequency) Opt {
	return func(o *Opts) {
		o.Clock = f
	}
}

// WithPower switches on the 3.3V and 5V supplies of the Bus Pirate.
func WithPower(on bool) Opt {
	return func(o *Opts) {
		o.Power = on
	}
}

func WithPullups(on bool) Opt {
	return func(o *Opts) {
		o.Pullups = on
	}
}

func WithLogger(l *slog.Logger) Opt {
	return func(o *Opts) {
		o.Logger = l
	}
}

// Controller talks to a Bus Pirate already in I2C mode.
type Controller struct {
	rw     io.ReadWriter
	logger *slog.Logger

	acked bool
	rx    byte
}

// Open opens the serial port of a Bus Pirate and switches it to I2C mode.
func Open(port string, baud int, opts ...Opt) (*Controller, io.Closer, error) {
	p, err := serial.OpenPort(&serial.Config{Name: port, Baud: baud, ReadTimeout: 100 * time.Millisecond})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open serial port %s: %w", port, err)
	}
	c, err := New(p, opts...)
	if err != nil {
		_ = p.Close()
		return nil, nil, err
	}
	return c, closer{c: c, port: p}, nil
}

type closer struct {
	c    *Controller
	port io.Closer
}

func (c closer) Close() error {
	if err := c.c.Exit(); err != nil {
		slog.Warn("could not reset bus pirate", "error", err)
	}
	return c.port.Close()
}

// New enters binary I2C mode on rw and configures the bus.
func New(rw io.ReadWriter, opts ...Opt) (*Controller, error) {
	config := Opts{
		Clock:   100 * physic.KiloHertz,
		Pullups: true,
		Logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(&config)
	}
	c := &Controller{rw: rw, logger: config.Logger}
	if err := c.enterBinary(); err != nil {
		return nil, err
	}
	if err := c.enterI2C(); err != nil {
		return nil, err
	}
	peripherals := byte(cmdPeripheral)
	if config.Power {
		peripherals |= peripheralPower
	}
	if config.Pullups {
		peripherals |= peripheralPullups
	}
	if err := c.command(peripherals); err != nil {
		return nil, fmt.Errorf("configure peripherals: %w", err)
	}
	if err := c.command(cmdSpeed | SpeedCode(config.Clock)); err != nil {
		return nil, fmt.Errorf("set speed: %w", err)
	}
	c.logger.Debug("bus pirate ready", "clock", config.Clock.String(), "power", config.Power, "pullups", config.Pullups)
	return c, nil
}

func (c *Controller) enterBinary() error {
	var resp []byte
	buf := make([]byte, 16)
	for i := 0; i < resetAttempts; i++ {
		if _, err := c.rw.Write([]byte{cmdReset}); err != nil {
			return fmt.Errorf("enter binary mode: %w", err)
		}
		n, err := c.rw.Read(buf)
		resp = append(resp, buf[:n]...)
		if bytes.Contains(resp, []byte("BBIO1")) {
			return nil
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("enter binary mode: %w", err)
		}
	}
	return fmt.Errorf("enter binary mode: %w (got %q)", ErrNoResponse, resp)
}

func (c *Controller) enterI2C() error {
	if _, err := c.rw.Write([]byte{cmdEnterI2C}); err != nil {
		return fmt.Errorf("enter i2c mode: %w", err)
	}
	var version [4]byte
	for i := range version {
		b, err := c.readByte()
		if err != nil {
			return fmt.Errorf("enter i2c mode: %w", err)
		}
		version[i] = b
	}
	if string(version[:]) != "I2C1" {
		return fmt.Errorf("expected version string \"I2C1\", got %q", version)
	}
	return nil
}

// Exit returns the Bus Pirate to its user terminal.
func (c *Controller) Exit() error {
	if _, err := c.rw.Write([]byte{cmdReset, cmdExit}); err != nil {
		return fmt.Errorf("exit: %w", err)
	}
	return nil
}

func (c *Controller) readByte() (byte, error) {
	var b [1]byte
	for i := 0; i < readAttempts; i++ {
		n, err := c.rw.Read(b[:])
		if n == 1 {
			return b[0], nil
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return 0, err
		}
	}
	return 0, ErrNoResponse
}

func (c *Controller) exchange(cmd byte) (byte, error) {
	if _, err := c.rw.Write([]byte{cmd}); err != nil {
		return 0, err
	}
	return c.readByte()
}

// command sends cmd and expects the OK answer.
func (c *Controller) command(cmd byte) error {
	ans, err := c.exchange(cmd)
	if err != nil {
		return err
	}
	if ans != ansOK {
		return fmt.Errorf("command %#02x: unexpected answer %#02x", cmd, ans)
	}
	return nil
}
