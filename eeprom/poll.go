package eeprom

import (
	"context"

	"github.com/mklimuk/i2cmem"
)

// WaitForWriteComplete addresses the device until it acknowledges, which it
// only does once its internal write cycle is over. It returns the number of
// attempts, always at least one.
func (e *EEPROM) WaitForWriteComplete(ctx context.Context) (int, error) {
	addr := i2cmem.AddressByte(e.config.Device, i2cmem.Write)
	attempts, err := pollLoop(ctx, e.config, func(ctx context.Context) (bool, error) {
		return e.poll(ctx, addr)
	})
	if err != nil {
		e.config.Logger.Debug("ack polling failed", "attempts", attempts, "error", err)
	}
	return attempts, err
}

func (e *EEPROM) poll(ctx context.Context, addr byte) (bool, error) {
	acked := false
	err := e.bus.BeginTransfer(ctx, false)
	if err == nil {
		err = e.bus.TransmitByte(ctx, addr)
		if err == nil {
			acked = e.bus.ByteWasAcknowledged()
		}
	}
	stopErr := e.bus.EndTransfer(context.WithoutCancel(ctx))
	if err == nil {
		err = stopErr
	}
	return acked, err
}
