// Package lc256 provides a Gobot driver for the Microchip 24LC256 256-Kbit I2C EEPROM.
// It supports reads and writes with automatic page handling and acknowledge polling.
//
// Datasheet reference: Microchip 24AA256/24LC256/24FC256 (DS21203), page size 64 bytes.
//
// The adaptor's I2C connection runs each write and each read as its own
// transaction, so random reads set the address pointer with one write and
// fetch the data with a current address read.
//
// Example usage:
//
//	adaptor := nanopi.NewNeoAdaptor()
//	e := lc256.New(adaptor, 0x50, func(c i2c.Config) { c.SetBus(0) })
//	if err := e.Start(); err != nil { log.Fatal(err) }
//	buf := make([]byte, 16)
//	err := e.Read(ctx, 0x0000, buf)
//
//	err = e.Write(ctx, 0x1000, []byte("gobot-rocks"))
//	if err != nil { log.Fatal(err) }
//
//	_ = e.Halt() // optional on shutdown
package lc256

import (
	"context"
	"errors"
	"fmt"

	gi2c "gobot.io/x/gobot/v2/drivers/i2c"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"

	"github.com/mklimuk/i2cmem"
	"github.com/mklimuk/i2cmem/eeprom"
)

var (
	_ i2c.Bus       = &EEPROM24LC256{}
	_ i2cmem.Memory = &EEPROM24LC256{}
)

var ErrNotStarted = errors.New("i2c driver not started")

// EEPROM24LC256 implements gobot.Driver for the 24LC256 device. It is also a
// periph i2c.Bus limited to the address it was created for.
type EEPROM24LC256 struct {
	*gi2c.GenericDriver
	device  byte
	started bool
	mem     *eeprom.TxEEPROM
}

// New returns a new driver bound to a Gobot I2C adaptor. device is the 7-bit
// address selected by the A2..A0 pins. Driver options (e.g. the bus number) are
// applied as in other Gobot I2C drivers.
func New(adaptor gi2c.Connector, device byte, opts ...func(gi2c.Config)) *EEPROM24LC256 {
	return NewWithEngine(adaptor, device, nil, opts...)
}

// NewWithEngine is New with options for the transfer engine.
func NewWithEngine(adaptor gi2c.Connector, device byte, engine []eeprom.Opt, opts ...func(gi2c.Config)) *EEPROM24LC256 {
	e := &EEPROM24LC256{
		GenericDriver: gi2c.NewGenericDriver(adaptor, "24LC256", int(device), opts...),
		device:        device,
	}
	engine = append([]eeprom.Opt{eeprom.WithDevice(device)}, engine...)
	e.mem = eeprom.NewTx(e, engine...)
	return e
}

// Start connects to the device. Required by Gobot.Driver interface.
func (e *EEPROM24LC256) Start() error {
	if err := e.GenericDriver.Start(); err != nil {
		return err
	}
	e.started = true
	return nil
}

// Halt releases the connection.
func (e *EEPROM24LC256) Halt() error {
	e.started = false
	return e.GenericDriver.Halt()
}

func (e *EEPROM24LC256) String() string {
	return fmt.Sprintf("24LC256(%#02x)", e.device)
}

// Read fills buffer starting at addr.
func (e *EEPROM24LC256) Read(ctx context.Context, addr uint16, buffer []byte) error {
	return e.mem.Read(ctx, addr, buffer)
}

// Write writes data at addr, one page at a time, and waits for every internal
// write cycle to complete.
func (e *EEPROM24LC256) Write(ctx context.Context, addr uint16, data []byte) error {
	return e.mem.Write(ctx, addr, data)
}

// WaitForWriteComplete polls the device until it acknowledges a read.
func (e *EEPROM24LC256) WaitForWriteComplete(ctx context.Context) (int, error) {
	return e.mem.WaitForWriteComplete(ctx)
}

// Tx writes w and then reads r, each as a separate transaction.
func (e *EEPROM24LC256) Tx(addr uint16, w, r []byte) error {
	if addr != uint16(e.device) {
		return fmt.Errorf("%w: driver bound to %#x, got %#x", i2cmem.ErrInvalidAddress, e.device, addr)
	}
	if !e.started {
		return ErrNotStarted
	}
	if len(w) > 0 {
		if err := e.GenericDriver.Write(w); err != nil {
			return fmt.Errorf("write to %#x: %w", addr, err)
		}
	}
	if len(r) > 0 {
		if err := e.GenericDriver.Read(r); err != nil {
			return fmt.Errorf("read from %#x: %w", addr, err)
		}
	}
	return nil
}

// SetSpeed is not supported; the bus clock belongs to the adaptor.
func (e *EEPROM24LC256) SetSpeed(f physic.Frequency) error {
	return fmt.Errorf("cannot set bus speed to %s through a gobot adaptor", f)
}
