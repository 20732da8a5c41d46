package eeprom

import (
	"context"
	"fmt"

	"periph.io/x/conn/v3/i2c"

	"github.com/mklimuk/i2cmem"
)

var _ i2cmem.Memory = &TxEEPROM{}

// TxEEPROM runs the same transfers on a bus that only exposes whole
// transactions, such as a Linux i2c-dev node or a USB bridge. Framing and
// acknowledge checking are left to the bus driver.
type TxEEPROM struct {
	bus    i2c.Bus
	config Opts
}

func NewTx(bus i2c.Bus, opts ...Opt) *TxEEPROM {
	return &TxEEPROM{bus: bus, config: newOpts(opts)}
}

func (e *TxEEPROM) Device() byte {
	return e.config.Device
}

func (e *TxEEPROM) Write(ctx context.Context, addr uint16, data []byte) error {
	device := e.config.Device
	if err := checkRequest(device, addr, len(data)); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	limit := 0
	if e.config.MaxTransfer > 2 {
		// two bytes of every payload carry the memory address
		limit = e.config.MaxTransfer - 2
	}
	offset := 0
	for _, span := range i2cmem.SplitPages(addr, len(data), limit) {
		if err := ctx.Err(); err != nil {
			return &i2cmem.TransferError{Op: "write", Device: device, Addr: span.Addr, Err: err}
		}
		w := make([]byte, 0, span.Len+2)
		w = append(w, byte(span.Addr>>8), byte(span.Addr))
		w = append(w, data[offset:offset+span.Len]...)
		if err := e.bus.Tx(uint16(device), w, nil); err != nil {
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

// Read sets the address pointer and reads back in one transaction per
// MaxTransfer bytes.
func (e *TxEEPROM) Read(ctx context.Context, addr uint16, buffer []byte) error {
	device := e.config.Device
	if err := checkRequest(device, addr, len(buffer)); err != nil {
		return fmt.Errorf("read: %w", err)
	}
	step := len(buffer)
	if e.config.MaxTransfer > 0 {
		step = e.config.MaxTransfer
	}
	for offset := 0; offset < len(buffer); offset += step {
		at := addr + uint16(offset)
		if err := ctx.Err(); err != nil {
			return &i2cmem.TransferError{Op: "read", Device: device, Addr: at, Err: err}
		}
		end := min(offset+step, len(buffer))
		if err := e.bus.Tx(uint16(device), []byte{byte(at >> 8), byte(at)}, buffer[offset:end]); err != nil {
			return &i2cmem.TransferError{Op: "read", Device: device, Addr: at, Err: err}
		}
	}
	return nil
}

// WaitForWriteComplete issues one-byte reads until the device answers. Any
// transaction error is taken as a busy device, so the poll bounds should be
// set when a transport failure is possible.
func (e *TxEEPROM) WaitForWriteComplete(ctx context.Context) (int, error) {
	var one [1]byte
	return pollLoop(ctx, e.config, func(ctx context.Context) (bool, error) {
		if err := e.bus.Tx(uint16(e.config.Device), nil, one[:]); err != nil {
			return false, nil
		}
		return true, nil
	})
}
