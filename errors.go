package i2cmem

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrBusCollision    = errors.New("bus collision")
	ErrNotAcknowledged = errors.New("not acknowledged")
	ErrReceiveOverflow = errors.New("receive overflow")
	ErrTimeout         = errors.New("timeout")
	ErrInvalidAddress  = errors.New("invalid device address")
	ErrOutOfRange      = errors.New("memory address out of range")
	ErrBusBusy         = fmt.Errorf("I2C engine is busy (command not completed)")
)

// Result classifies the outcome of a transfer.
type Result int

const (
	Success Result = iota
	BusCollision
	NotAcknowledged
	ReceiveOverflow
	Timeout
	// Failed covers transport errors and cancellation.
	Failed
)

func (r Result) String() string {
	switch r {
	case Success:
		return "success"
	case BusCollision:
		return "bus collision"
	case NotAcknowledged:
		return "not acknowledged"
	case ReceiveOverflow:
		return "receive overflow"
	case Timeout:
		return "timeout"
	default:
		return "failed"
	}
}

// ResultOf maps an error returned by a transfer to its Result.
func ResultOf(err error) Result {
	switch {
	case err == nil:
		return Success
	case errors.Is(err, ErrBusCollision):
		return BusCollision
	case errors.Is(err, ErrNotAcknowledged):
		return NotAcknowledged
	case errors.Is(err, ErrReceiveOverflow):
		return ReceiveOverflow
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return Timeout
	default:
		return Failed
	}
}

// TransferError reports the memory address of the chunk a transfer failed on.
// Bytes of earlier chunks are already committed to the device.
type TransferError struct {
	Op     string
	Device byte
	Addr   uint16
	Err    error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("%s at 0x%04x (device %#02x): %v", e.Op, e.Addr, e.Device, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}
