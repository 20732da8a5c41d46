// Package adapter drives the Microchip MCP2221 USB to I2C bridge over HID.
// The bridge is exposed as a periph.io i2c.Bus so whole transactions can be
// run on it.
package adapter

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/karalabe/hid"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"

	"github.com/mklimuk/i2cmem"
	"github.com/mklimuk/i2cmem/memctx"
)

const VendorID = 0x04D8
const ProductID = 0x00DD

// MaxTransfer is the largest payload carried by one HID report.
const MaxTransfer = 60

const (
	cmdStatus         = 0x10
	cmdWrite          = 0x90
	cmdWriteNoStop    = 0x94
	cmdRead           = 0x91
	cmdReadRepeated   = 0x93
	cmdGetData        = 0x40
	subCancel         = 0x10
	subSetSpeed       = 0x20
	speedAccepted     = 0x20
	engineBusy        = 0x01
	readFailed        = 0x41
	statusNACK        = 0x40
	clock             = 12 * physic.MegaHertz
	reportSize        = 64
	invalidDataLength = 127
)

var ErrCommandFailed = errors.New("command failed")

var _ i2c.BusCloser = &MCP2221{}

// Opener returns a connection to the bridge for a single exchange.
type Opener func() (io.ReadWriteCloser, error)

type MCP2221 struct {
	mx           sync.Mutex
	request      []byte
	response     []byte
	responseWait time.Duration
	open         Opener
	ctx          context.Context
}

type MCP2221Status struct {
	I2CDataBufferCounter   int
	I2CSpeedDivider        int
	I2CTimeout             int
	CurrentAddress         string
	LastWriteRequestedSize uint16
	LastWriteSentSize      uint16
	ReadPending            int
	NACK                   bool
}

type Opt func(*MCP2221)

// WithOpener replaces HID enumeration, e.g. to talk to a device found elsewhere.
func WithOpener(open Opener) Opt {
	return func(d *MCP2221) {
		d.open = open
	}
}

// WithIndex selects the bridge among several connected ones.
func WithIndex(id int) Opt {
	return func(d *MCP2221) {
		d.open = openHID(id)
	}
}

func WithResponseWait(wait time.Duration) Opt {
	return func(d *MCP2221) {
		d.responseWait = wait
	}
}

// WithContext sets the context used by Tx, which has no context argument.
func WithContext(ctx context.Context) Opt {
	return func(d *MCP2221) {
		d.ctx = ctx
	}
}

func NewMCP2221(opts ...Opt) *MCP2221 {
	d := &MCP2221{
		request:      make([]byte, reportSize),
		response:     make([]byte, reportSize),
		responseWait: 5 * time.Millisecond,
		open:         openHID(-1),
		ctx:          context.Background(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *MCP2221) String() string {
	return "MCP2221"
}

func (d *MCP2221) Close() error {
	return nil
}

// Tx runs one I2C transaction: a write, a read, or a write followed by a
// repeated START and a read.
func (d *MCP2221) Tx(addr uint16, w, r []byte) error {
	if addr > 0x7F {
		return fmt.Errorf("%w: %#x", i2cmem.ErrInvalidAddress, addr)
	}
	if len(w) > MaxTransfer || len(r) > MaxTransfer {
		return fmt.Errorf("transfer of %d/%d bytes exceeds %d", len(w), len(r), MaxTransfer)
	}
	d.mx.Lock()
	defer d.mx.Unlock()
	device := byte(addr)
	switch {
	case len(w) > 0 && len(r) > 0:
		if err := d.write(d.ctx, cmdWriteNoStop, device, w); err != nil {
			return err
		}
		return d.read(d.ctx, cmdReadRepeated, device, r)
	case len(r) > 0:
		return d.read(d.ctx, cmdRead, device, r)
	default:
		return d.write(d.ctx, cmdWrite, device, w)
	}
}

// SetSpeed programs the clock divider of the bridge.
func (d *MCP2221) SetSpeed(f physic.Frequency) error {
	if f < 47*physic.KiloHertz || f > 400*physic.KiloHertz {
		return fmt.Errorf("speed %s out of range", f)
	}
	d.mx.Lock()
	defer d.mx.Unlock()
	d.resetBuffers()
	d.request[0] = cmdStatus
	d.request[3] = subSetSpeed
	d.request[4] = Divider(f)
	if err := d.send(d.ctx); err != nil {
		return fmt.Errorf("set speed failed: %w", err)
	}
	if d.response[3] != speedAccepted {
		return fmt.Errorf("set speed: %w (transfer in progress)", ErrCommandFailed)
	}
	return nil
}

// Divider returns the clock divider value for f.
func Divider(f physic.Frequency) byte {
	return byte(clock/f - 3)
}

func (d *MCP2221) write(ctx context.Context, cmd byte, address byte, buffer []byte) error {
	d.resetBuffers()
	d.request[0] = cmd
	binary.LittleEndian.PutUint16(d.request[1:3], uint16(len(buffer)))
	d.request[3] = address << 1
	copy(d.request[4:], buffer)
	err := d.send(ctx)
	if err != nil {
		return fmt.Errorf("write to %#x failed: %w", address, err)
	}
	// write could not be performed
	if d.response[1] == engineBusy {
		slog.Debug("adapter busy")
		return i2cmem.ErrBusBusy
	}
	status, err := d.status(ctx)
	if err != nil {
		return err
	}
	if status.NACK {
		_, _ = d.releaseBus(ctx)
		return fmt.Errorf("write to %#x: %w", address, i2cmem.ErrNotAcknowledged)
	}
	return nil
}

func (d *MCP2221) read(ctx context.Context, cmd byte, address byte, buffer []byte) error {
	d.resetBuffers()
	d.request[0] = cmd
	binary.LittleEndian.PutUint16(d.request[1:3], uint16(len(buffer)))
	d.request[3] = address<<1 + 1
	err := d.send(ctx)
	if err != nil {
		return fmt.Errorf("bus read from %#x failed: %w", address, err)
	}
	if d.response[1] == engineBusy {
		slog.Debug("adapter busy")
		return i2cmem.ErrBusBusy
	}
	d.resetBuffers()
	d.request[0] = cmdGetData
	err = d.send(ctx)
	if err != nil {
		return fmt.Errorf("error getting read data from adapter: %w", err)
	}
	if d.response[1] == readFailed {
		_, _ = d.releaseBus(ctx)
		return fmt.Errorf("read from %#x: %w", address, i2cmem.ErrNotAcknowledged)
	}
	if d.response[3] == invalidDataLength || int(d.response[3]) != len(buffer) {
		return fmt.Errorf("invalid data size byte; expected %d, got %d", len(buffer), d.response[3])
	}
	copy(buffer, d.response[4:4+len(buffer)])
	return nil
}

func (d *MCP2221) Status(ctx context.Context) (*MCP2221Status, error) {
	d.mx.Lock()
	defer d.mx.Unlock()
	return d.status(ctx)
}

func (d *MCP2221) status(ctx context.Context) (*MCP2221Status, error) {
	d.resetBuffers()
	d.request[0] = cmdStatus
	err := d.send(ctx)
	if err != nil {
		return nil, fmt.Errorf("status request failed: %w", err)
	}
	return bufferToStatus(d.response), nil
}

func bufferToStatus(buffer []byte) *MCP2221Status {
	/*
		9: Lower byte (16-bit value) of the requested I2C transfer length
		10: Higher byte (16-bit value) of the requested I2C transfer length
		11:	Lower byte (16-bit value) of the already transferred (through I2C) number of bytes
		12:	Higher byte (16-bit value) of the already transferred (through I2C) number of bytes
		13:	Internal I2C data buffer counter
		14: Current I2C communication speed divider value
		15: Current I2C timeout value
		16:	Lower byte (16-bit value) of the I2C address being used
		17:	Higher byte (16-bit value) of the I2C address being used
		20: bit 6 set when the slave did not acknowledge
	*/
	status := &MCP2221Status{
		I2CDataBufferCounter: int(buffer[13]),
		I2CSpeedDivider:      int(buffer[14]),
		I2CTimeout:           int(buffer[15]),
		ReadPending:          int(buffer[25]),
		CurrentAddress:       hex.EncodeToString(buffer[16:18]),
		NACK:                 buffer[20]&statusNACK != 0,
	}
	status.LastWriteRequestedSize = binary.LittleEndian.Uint16(buffer[9:11])
	status.LastWriteSentSize = binary.LittleEndian.Uint16(buffer[11:13])
	return status
}

func (d *MCP2221) Release(ctx context.Context) error {
	d.mx.Lock()
	defer d.mx.Unlock()
	_, err := d.releaseBus(ctx)
	return err
}

// ReleaseBus cancels the current transfer and frees the bus.
func (d *MCP2221) ReleaseBus(ctx context.Context) (*MCP2221Status, error) {
	d.mx.Lock()
	defer d.mx.Unlock()
	return d.releaseBus(ctx)
}

func (d *MCP2221) releaseBus(ctx context.Context) (*MCP2221Status, error) {
	d.resetBuffers()
	d.request[0] = cmdStatus
	d.request[2] = subCancel
	err := d.send(ctx)
	if err != nil {
		return nil, fmt.Errorf("release request failed: %w", err)
	}
	return bufferToStatus(d.response), nil
}

// openHID opens the bridge with the given enumeration index; a negative
// index requires exactly one bridge to be connected.
func openHID(id int) Opener {
	return func() (io.ReadWriteCloser, error) {
		devs := hid.Enumerate(VendorID, ProductID)
		if len(devs) == 0 {
			return nil, fmt.Errorf("MCP2221 device not found")
		}
		if id < 0 {
			if len(devs) > 1 {
				return nil, fmt.Errorf("ambiguous device identification")
			}
			id = 0
		}
		if id >= len(devs) {
			return nil, fmt.Errorf("no device with id %d", id)
		}
		dev, err := devs[id].Open()
		if err != nil {
			return nil, fmt.Errorf("error opening device: %w", err)
		}
		return dev, nil
	}
}

func (d *MCP2221) send(ctx context.Context) error {
	dev, err := d.open()
	if err != nil {
		return err
	}
	defer func() {
		if err := dev.Close(); err != nil {
			slog.Warn("could not close adapter", "error", err)
		}
	}()
	memctx.Dump(ctx, "sending message to adapter", d.request)
	n, err := dev.Write(d.request)
	if err != nil {
		return fmt.Errorf("could not write request: %w", err)
	}
	if n != reportSize {
		return fmt.Errorf("short write: %d", n)
	}
	if d.responseWait > 0 {
		time.Sleep(d.responseWait)
	}
	n, err = dev.Read(d.response)
	if err != nil {
		return fmt.Errorf("could not read response: %w", err)
	}
	if n != reportSize {
		return fmt.Errorf("short read: %d", n)
	}
	memctx.Dump(ctx, "read message from adapter", d.response)
	return nil
}

func (d *MCP2221) resetBuffers() {
	clear(d.request)
	clear(d.response)
}
