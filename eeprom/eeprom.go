// Package eeprom drives a Microchip 24LC256 (32 KiB, 64-byte page) serial EEPROM
// over I2C.
//
// Writes are split on page boundaries; every page is followed by acknowledge
// polling until the device has finished its internal write cycle. Reads stream
// the whole range in a single bus transaction.
//
// Datasheet reference: Microchip 24AA256/24LC256/24FC256 (DS21203), sections 6 to 8.
//
// Example usage:
//
//	bus := i2c.NewBus(ctrl)
//	e := eeprom.New(bus, eeprom.WithMaxPollAttempts(1000))
//	if err := e.Write(ctx, 0x1000, []byte("hello")); err != nil { log.Fatal(err) }
//	buf := make([]byte, 5)
//	err := e.Read(ctx, 0x1000, buf)
package eeprom

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mklimuk/i2cmem"
)

var _ i2cmem.Memory = &EEPROM{}

type Opts struct {
	Device byte
	// MaxPollAttempts bounds acknowledge polling after a page write; 0 polls forever.
	MaxPollAttempts int
	// PollDeadline bounds the time spent polling after a page write; 0 disables it.
	PollDeadline time.Duration
	// PollInterval is slept between two unacknowledged polls.
	PollInterval time.Duration
	// MaxTransfer caps the bytes moved by one transaction of a TxEEPROM.
	MaxTransfer int
	Logger      *slog.Logger
}

type Opt func(*Opts)

func WithDevice(device byte) Opt {
	return func(o *Opts) {
		o.Device = device
	}
}

func WithMaxPollAttempts(n int) Opt {
	return func(o *Opts) {
		o.MaxPollAttempts = n
	}
}

func WithPollDeadline(d time.Duration) Opt {
	return func(o *Opts) {
		o.PollDeadline = d
	}
}

func WithPollInterval(d time.Duration) Opt {
	return func(o *Opts) {
		o.PollInterval = d
	}
}

func WithMaxTransfer(n int) Opt {
	return func(o *Opts) {
		o.MaxTransfer = n
	}
}

func WithLogger(l *slog.Logger) Opt {
	return func(o *Opts) {
		o.Logger = l
	}
}

func newOpts(opts []Opt) Opts {
	config := Opts{
		Device: i2cmem.DefaultDevice,
		Logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&config)
	}
	return config
}

// EEPROM runs transfers on a bus driven byte by byte. It holds no state
// between calls; the caller must not share the bus during a call.
type EEPROM struct {
	bus    i2cmem.Primitives
	config Opts
}

func New(bus i2cmem.Primitives, opts ...Opt) *EEPROM {
	return &EEPROM{bus: bus, config: newOpts(opts)}
}

func (e *EEPROM) Device() byte {
	return e.config.Device
}

// WriteEEPROM writes data to the device starting at addr.
func WriteEEPROM(ctx context.Context, bus i2cmem.Primitives, device byte, addr uint16, data []byte) error {
	return New(bus, WithDevice(device)).Write(ctx, addr, data)
}

// ReadEEPROM fills buffer from the device starting at addr.
func ReadEEPROM(ctx context.Context, bus i2cmem.Primitives, device byte, addr uint16, buffer []byte) error {
	return New(bus, WithDevice(device)).Read(ctx, addr, buffer)
}

// WaitForWriteComplete polls the device until it acknowledges its address.
func WaitForWriteComplete(ctx context.Context, bus i2cmem.Primitives, device byte) (int, error) {
	return New(bus, WithDevice(device)).WaitForWriteComplete(ctx)
}

func checkRequest(device byte, addr uint16, n int) error {
	if err := i2cmem.CheckDevice(device); err != nil {
		return err
	}
	return i2cmem.CheckRange(addr, n)
}

// pollLoop runs poll until it reports an acknowledge, applying the configured
// attempt bound, deadline and interval. Errors wrapping ErrNotAcknowledged or
// ErrBusCollision count as a busy device; any other error ends the loop.
func pollLoop(ctx context.Context, config Opts, poll func(ctx context.Context) (bool, error)) (int, error) {
	if config.PollDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.PollDeadline)
		defer cancel()
	}
	for attempts := 1; ; attempts++ {
		acked, err := poll(ctx)
		if err == nil && acked {
			return attempts, nil
		}
		if err != nil && !errors.Is(err, i2cmem.ErrNotAcknowledged) && !errors.Is(err, i2cmem.ErrBusCollision) {
			return attempts, err
		}
		if config.MaxPollAttempts > 0 && attempts >= config.MaxPollAttempts {
			return attempts, fmt.Errorf("%w: device busy after %d polls", i2cmem.ErrTimeout, attempts)
		}
		if err := sleep(ctx, config.PollInterval); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return attempts, fmt.Errorf("%w: device busy after %d polls: %w", i2cmem.ErrTimeout, attempts, err)
			}
			return attempts, err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
