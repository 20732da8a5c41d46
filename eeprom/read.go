package eeprom

import (
	"context"
	"fmt"

	"github.com/mklimuk/i2cmem"
)

// Read fills buffer with the memory content starting at addr using a single
// sequential read: the address pointer is set with a write header, then a
// REPEATED START turns the bus around. Every byte but the last is ACKed.
func (e *EEPROM) Read(ctx context.Context, addr uint16, buffer []byte) error {
	device := e.config.Device
	if err := checkRequest(device, addr, len(buffer)); err != nil {
		return fmt.Errorf("read: %w", err)
	}
	if len(buffer) == 0 {
		return nil
	}
	err := e.readSequential(ctx, addr, buffer)
	stopErr := e.bus.EndTransfer(context.WithoutCancel(ctx))
	if err == nil {
		err = stopErr
	}
	if err != nil {
		return &i2cmem.TransferError{Op: "read", Device: device, Addr: addr, Err: err}
	}
	return nil
}

func (e *EEPROM) readSequential(ctx context.Context, addr uint16, buffer []byte) error {
	if err := e.bus.BeginTransfer(ctx, false); err != nil {
		return err
	}
	if err := e.transmit(ctx, e.header(addr)); err != nil {
		return fmt.Errorf("header: %w", err)
	}
	return e.receive(ctx, buffer)
}

// ReadCurrent reads one byte at the device's internal address pointer, which
// points just past the last byte accessed.
func (e *EEPROM) ReadCurrent(ctx context.Context) (byte, error) {
	device := e.config.Device
	if err := i2cmem.CheckDevice(device); err != nil {
		return 0, fmt.Errorf("read: %w", err)
	}
	var buf [1]byte
	err := e.bus.BeginTransfer(ctx, false)
	if err == nil {
		err = e.turnAround(ctx, buf[:])
	}
	stopErr := e.bus.EndTransfer(context.WithoutCancel(ctx))
	if err == nil {
		err = stopErr
	}
	if err != nil {
		return 0, &i2cmem.TransferError{Op: "current read", Device: device, Err: err}
	}
	return buf[0], nil
}

// receive opens the read phase with a REPEATED START.
func (e *EEPROM) receive(ctx context.Context, buffer []byte) error {
	if err := e.bus.BeginTransfer(ctx, true); err != nil {
		return err
	}
	return e.turnAround(ctx, buffer)
}

func (e *EEPROM) turnAround(ctx context.Context, buffer []byte) error {
	if err := e.transmit(ctx, []byte{i2cmem.AddressByte(e.config.Device, i2cmem.Read)}); err != nil {
		return fmt.Errorf("read address: %w", err)
	}
	last := len(buffer) - 1
	for i := 0; i < last; i++ {
		b, err := e.bus.ReceiveByte(ctx, true)
		if err != nil {
			return fmt.Errorf("byte %d: %w", i, err)
		}
		buffer[i] = b
	}
	// NACK releases the device from driving the bus
	b, err := e.bus.ReceiveByte(ctx, false)
	if err != nil {
		return fmt.Errorf("byte %d: %w", last, err)
	}
	buffer[last] = b
	return nil
}
