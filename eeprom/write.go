package eeprom

import (
	"context"
	"fmt"

	"github.com/mklimuk/i2cmem"
)

// Write writes data starting at addr. Each page touched by the range is written
// in its own frame and committed before the next one is sent. A failure stops
// the call; pages written before it stay in the device.
func (e *EEPROM) Write(ctx context.Context, addr uint16, data []byte) error {
	device := e.config.Device
	if err := checkRequest(device, addr, len(data)); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	offset := 0
	for _, span := range i2cmem.SplitPages(addr, len(data), 0) {
		chunk := data[offset : offset+span.Len]
		if err := e.writePage(ctx, span.Addr, chunk); err != nil {
			return &i2cmem.TransferError{Op: "write", Device: device, Addr: span.Addr, Err: err}
		}
		attempts, err := e.WaitForWriteComplete(ctx)
		if err != nil {
			return &i2cmem.TransferError{Op: "write", Device: device, Addr: span.Addr, Err: err}
		}
		e.config.Logger.Debug("page written", "addr", fmt.Sprintf("0x%04x", span.Addr), "len", span.Len, "polls", attempts)
		offset += span.Len
	}
	return nil
}

// writePage sends one frame: START, address byte, memory address, data, STOP.
// The STOP is issued whatever happened before it.
func (e *EEPROM) writePage(ctx context.Context, addr uint16, chunk []byte) error {
	err := e.sendPage(ctx, addr, chunk)
	stopErr := e.bus.EndTransfer(context.WithoutCancel(ctx))
	if err != nil {
		return err
	}
	return stopErr
}

func (e *EEPROM) sendPage(ctx context.Context, addr uint16, chunk []byte) error {
	if err := e.bus.BeginTransfer(ctx, false); err != nil {
		return err
	}
	if err := e.transmit(ctx, e.header(addr)); err != nil {
		return fmt.Errorf("header: %w", err)
	}
	if err := e.transmit(ctx, chunk); err != nil {
		return fmt.Errorf("data: %w", err)
	}
	return nil
}

func (e *EEPROM) header(addr uint16) []byte {
	return []byte{i2cmem.AddressByte(e.config.Device, i2cmem.Write), byte(addr >> 8), byte(addr)}
}

// transmit sends buffer byte by byte and stops at the first byte the device
// does not acknowledge.
func (e *EEPROM) transmit(ctx context.Context, buffer []byte) error {
	for i, b := range buffer {
		if err := e.bus.TransmitByte(ctx, b); err != nil {
			return err
		}
		if !e.bus.ByteWasAcknowledged() {
			return fmt.Errorf("byte %d (%#02x): %w", i, b, i2cmem.ErrNotAcknowledged)
		}
	}
	return nil
}
