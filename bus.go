package i2cmem

import (
	"context"
)

// Direction bit appended to a 7-bit device address on the wire.
const (
	Write byte = 0
	Read  byte = 1
)

// Controller is the command and status surface of one I2C master peripheral.
// Commands start a bus action; the matching status query reports when the
// hardware has finished it. Implementations are not safe for concurrent use.
type Controller interface {
	BusIdle() bool

	Start() error
	RepeatStart() error
	StartComplete() bool

	TransmitterReady() bool
	// SendByte returns ErrBusCollision when the master lost the bus.
	SendByte(b byte) error
	TransmissionComplete() bool
	// ByteAcknowledged reports the ACK bit latched after the last SendByte.
	ByteAcknowledged() bool

	// EnableReceiver returns ErrReceiveOverflow when the receive buffer
	// overflowed instead of clocking in a new byte.
	EnableReceiver() error
	DataAvailable() bool
	Acknowledge(ack bool) error
	AcknowledgeComplete() bool
	ReceivedByte() byte

	Stop() error
	StopComplete() bool
}

// Primitives are the frame level operations the transfer engines are built on.
type Primitives interface {
	BeginTransfer(ctx context.Context, repeated bool) error
	TransmitByte(ctx context.Context, value byte) error
	ByteWasAcknowledged() bool
	ReceiveByte(ctx context.Context, ack bool) (byte, error)
	EndTransfer(ctx context.Context) error
}

type MemoryReader interface {
	Read(ctx context.Context, addr uint16, buffer []byte) error
}

type MemoryWriter interface {
	Write(ctx context.Context, addr uint16, data []byte) error
}

// Memory is a byte addressable serial memory.
type Memory interface {
	MemoryReader
	MemoryWriter
}

// AddressByte forms the first byte of a frame from a 7-bit address and a direction bit.
func AddressByte(device byte, dir byte) byte {
	return device<<1 | dir&0x01
}
