// Package bitbang implements an I2C master on two general purpose I/O lines.
//
// Both lines are handled as open drain: the master only ever pulls a line low
// or releases it to the external pull-up. Every command runs synchronously,
// so the status methods of the Controller report completion right away.
package bitbang

import (
	"fmt"
	"time"

	"periph.io/x/conn/v3/physic"

	"github.com/mklimuk/i2cmem"
)

var _ i2cmem.Controller = &Controller{}

// Line is one open-drain signal.
type Line interface {
	// Low drives the line low.
	Low() error
	// Release lets the pull-up take the line high.
	Release() error
	// High samples the line.
	High() (bool, error)
}

type Opts struct {
	Clock physic.Frequency
	// Stretch bounds how long a slave may hold SCL low.
	Stretch time.Duration
	Delay   func(time.Duration)
}

type Opt func(*Opts)

func WithClock(f physic.Frequency) Opt {
	return func(o *Opts) {
		o.Clock = f
	}
}

func WithStretch(d time.Duration) Opt {
	return func(o *Opts) {
		o.Stretch = d
	}
}

// WithDelay replaces the function used to pace the clock.
func WithDelay(f func(time.Duration)) Opt {
	return func(o *Opts) {
		o.Delay = f
	}
}

type Controller struct {
	sda, scl Line
	half     time.Duration
	stretch  time.Duration
	delay    func(time.Duration)

	acked bool
	rx    byte
}

func New(sda, scl Line, opts ...Opt) *Controller {
	config := Opts{
		Clock:   100 * physic.KiloHertz,
		Stretch: time.Millisecond,
		Delay:   time.Sleep,
	}
	for _, opt := range opts {
		opt(&config)
	}
	half := time.Duration(0)
	if config.Clock > 0 {
		half = config.Clock.Period() / 2
	}
	return &Controller{sda: sda, scl: scl, half: half, stretch: config.Stretch, delay: config.Delay}
}

func (c *Controller) wait() {
	c.delay(c.half)
}

// releaseClock lets SCL go high and waits while a slave stretches the clock.
func (c *Controller) releaseClock() error {
	if err := c.scl.Release(); err != nil {
		return fmt.Errorf("release scl: %w", err)
	}
	polls := 1
	if c.half > 0 {
		polls = int(c.stretch/c.half) + 1
	}
	for i := 0; i < polls; i++ {
		high, err := c.scl.High()
		if err != nil {
			return fmt.Errorf("read scl: %w", err)
		}
		if high {
			return nil
		}
		c.wait()
	}
	return fmt.Errorf("%w: clock held low", i2cmem.ErrTimeout)
}

func (c *Controller) sdaHigh() (bool, error) {
	high, err := c.sda.High()
	if err != nil {
		return false, fmt.Errorf("read sda: %w", err)
	}
	return high, nil
}

func (c *Controller) BusIdle() bool {
	sda, err := c.sda.High()
	if err != nil {
		return false
	}
	scl, err := c.scl.High()
	return err == nil && sda && scl
}

func (c *Controller) Start() error {
	high, err := c.sdaHigh()
	if err != nil {
		return err
	}
	if !high {
		return i2cmem.ErrBusCollision
	}
	return c.start()
}

func (c *Controller) start() error {
	if err := c.sda.Low(); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	c.wait()
	if err := c.scl.Low(); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	return nil
}

func (c *Controller) RepeatStart() error {
	if err := c.sda.Release(); err != nil {
		return fmt.Errorf("repeated start: %w", err)
	}
	c.wait()
	if err := c.releaseClock(); err != nil {
		return err
	}
	c.wait()
	return c.start()
}

func (c *Controller) StartComplete() bool        { return true }
func (c *Controller) TransmitterReady() bool     { return true }
func (c *Controller) TransmissionComplete() bool { return true }
func (c *Controller) ByteAcknowledged() bool     { return c.acked }
func (c *Controller) DataAvailable() bool        { return true }
func (c *Controller) AcknowledgeComplete() bool  { return true }
func (c *Controller) ReceivedByte() byte         { return c.rx }
func (c *Controller) StopComplete() bool         { return true }

// SendByte clocks out b MSB first and samples the acknowledge bit. Reading a
// low SDA while sending a 1 means another master won arbitration.
func (c *Controller) SendByte(b byte) error {
	for i := 7; i >= 0; i-- {
		one := b&(1<<i) != 0
		if err := c.setData(one); err != nil {
			return err
		}
		c.wait()
		if err := c.releaseClock(); err != nil {
			return err
		}
		high, err := c.sdaHigh()
		if err != nil {
			return err
		}
		if one && !high {
			_ = c.sda.Release()
			return i2cmem.ErrBusCollision
		}
		c.wait()
		if err := c.scl.Low(); err != nil {
			return fmt.Errorf("clock low: %w", err)
		}
	}
	bit, err := c.readBit()
	if err != nil {
		return err
	}
	c.acked = !bit
	return nil
}

func (c *Controller) setData(one bool) error {
	var err error
	if one {
		err = c.sda.Release()
	} else {
		err = c.sda.Low()
	}
	if err != nil {
		return fmt.Errorf("set sda: %w", err)
	}
	return nil
}

// readBit releases SDA and samples it during one clock pulse.
func (c *Controller) readBit() (bool, error) {
	if err := c.sda.Release(); err != nil {
		return false, fmt.Errorf("release sda: %w", err)
	}
	c.wait()
	if err := c.releaseClock(); err != nil {
		return false, err
	}
	bit, err := c.sdaHigh()
	if err != nil {
		return false, err
	}
	c.wait()
	if err := c.scl.Low(); err != nil {
		return false, fmt.Errorf("clock low: %w", err)
	}
	return bit, nil
}

func (c *Controller) EnableReceiver() error {
	var b byte
	for i := 0; i < 8; i++ {
		bit, err := c.readBit()
		if err != nil {
			return err
		}
		b <<= 1
		if bit {
			b |= 1
		}
	}
	c.rx = b
	return nil
}

func (c *Controller) Acknowledge(ack bool) error {
	if err := c.setData(!ack); err != nil {
		return err
	}
	c.wait()
	if err := c.releaseClock(); err != nil {
		return err
	}
	c.wait()
	if err := c.scl.Low(); err != nil {
		return fmt.Errorf("clock low: %w", err)
	}
	if err := c.sda.Release(); err != nil {
		return fmt.Errorf("release sda: %w", err)
	}
	return nil
}

func (c *Controller) Stop() error {
	if err := c.sda.Low(); err != nil {
		return fmt.Errorf("stop: %w", err)
	}
	c.wait()
	if err := c.releaseClock(); err != nil {
		return err
	}
	c.wait()
	if err := c.sda.Release(); err != nil {
		return fmt.Errorf("stop: %w", err)
	}
	c.wait()
	return nil
}
