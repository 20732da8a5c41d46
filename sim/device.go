// Package sim models a 24LC256 serial EEPROM sitting behind an I2C master
// peripheral. A Device implements i2cmem.Controller, so the whole transfer
// stack can run against it without hardware.
//
// The model follows the datasheet closely enough to catch framing mistakes:
// data written past the end of a page wraps to the page start, nothing is
// committed before STOP, and the device ignores its address while the
// internal write cycle runs.
//
// Time is virtual. Every status query advances the clock by one tick and a
// command completes WithLatency ticks after it was issued.
//
// Example usage:
//
//	dev := sim.New(sim.WithBusyPolls(5))
//	bus := i2c.NewBus(dev, i2c.WithWait(dev.Wait))
//	err := eeprom.New(bus).Write(ctx, 0x0100, data)
package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mklimuk/i2cmem"
)

var _ i2cmem.Controller = &Device{}

type state int

const (
	stateIdle state = iota
	stateAddress
	stateAddrHigh
	stateAddrLow
	stateWriting
	stateReading
	stateReadDone
	stateIgnored
)

// Transmission describes a byte sent by the master, as seen by a NACK predicate.
type Transmission struct {
	// Frame counts START conditions since the device was created, from 1.
	Frame int
	// Pos is the byte position since the last START or REPEATED START; 0 is the address byte.
	Pos   int
	Value byte
	// Data is set for bytes that would be stored in the page buffer.
	Data bool
	// Pointer is the memory address a data byte would be stored at.
	Pointer uint16
}

// NackFunc decides whether the device refuses a byte it would otherwise acknowledge.
type NackFunc func(t Transmission) bool

// Commit is a page write cycle triggered by a STOP.
type Commit struct {
	// Addr is the memory address sent in the write header.
	Addr uint16
	// Len is the number of data bytes received, wrapped bytes included.
	Len int
}

type Opts struct {
	Device byte
	// BusyPolls is the number of address bytes NACKed after each commit.
	BusyPolls int
	// Busy makes the device NACK its address forever.
	Busy bool

	Latency           uint64
	WaitLimit         int
	Nack              NackFunc
	StartCollision    int
	ReceiveOverflow   int
	TransmitCollision int
}

type Opt func(*Opts)

func WithDevice(device byte) Opt {
	return func(o *Opts) {
		o.Device = device
	}
}

func WithBusyPolls(n int) Opt {
	return func(o *Opts) {
		o.BusyPolls = n
	}
}

// WithPermanentlyBusy simulates a device stuck in its write cycle or absent from the bus.
func WithPermanentlyBusy() Opt {
	return func(o *Opts) {
		o.Busy = true
	}
}

// WithLatency sets how many clock ticks every command takes to complete.
func WithLatency(ticks uint64) Opt {
	return func(o *Opts) {
		o.Latency = ticks
	}
}

// WithWaitLimit bounds a single Wait to n ticks; 0 means unbounded.
func WithWaitLimit(n int) Opt {
	return func(o *Opts) {
		o.WaitLimit = n
	}
}

func WithNack(f NackFunc) Opt {
	return func(o *Opts) {
		o.Nack = f
	}
}

// WithStartCollision makes the n-th START report a bus collision.
func WithStartCollision(n int) Opt {
	return func(o *Opts) {
		o.StartCollision = n
	}
}

// WithTransmitCollision makes the n-th transmitted byte report a bus collision.
func WithTransmitCollision(n int) Opt {
	return func(o *Opts) {
		o.TransmitCollision = n
	}
}

// WithReceiveOverflow makes the n-th receive report an overflow.
func WithReceiveOverflow(n int) Opt {
	return func(o *Opts) {
		o.ReceiveOverflow = n
	}
}

// Device is a simulated 24LC256 together with the master peripheral driving it.
// It is safe for concurrent inspection while a transfer runs.
type Device struct {
	mu     sync.Mutex
	config Opts

	mem     [i2cmem.Capacity]byte
	pointer uint16
	hi      byte
	busy    int

	state   state
	active  bool
	pos     int
	frame   int
	aborted bool

	// page buffer of the frame being written
	header  uint16
	written int
	pending map[uint16]byte

	tick    uint64
	readyAt uint64
	acked   bool
	rx      byte
	rxReady bool
	needAck bool
	lastAck bool

	starts    int
	receives  int
	transmits int

	trace      []Event
	commits    []Commit
	violations []string
}

func New(opts ...Opt) *Device {
	config := Opts{
		Device:    i2cmem.DefaultDevice,
		BusyPolls: 3,
	}
	for _, opt := range opts {
		opt(&config)
	}
	d := &Device{config: config}
	for i := range d.mem {
		d.mem[i] = 0xFF
	}
	return d
}

// Load presets memory content without any bus traffic.
func (d *Device) Load(addr uint16, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, b := range data {
		d.mem[(int(addr)+i)%i2cmem.Capacity] = b
	}
}

// Bytes returns a copy of n bytes of memory starting at addr.
func (d *Device) Bytes(addr uint16, n int) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]byte, n)
	for i := range out {
		out[i] = d.mem[(int(addr)+i)%i2cmem.Capacity]
	}
	return out
}

// Pointer returns the internal address pointer.
func (d *Device) Pointer() uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pointer
}

// Idle reports whether the bus is released.
func (d *Device) Idle() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.active
}

// Now returns the virtual clock.
func (d *Device) Now() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tick
}

// Wait is an i2c.WaitFunc driven by the virtual clock.
func (d *Device) Wait(ctx context.Context, ready func() bool) error {
	for i := 0; !ready(); i++ {
		if err := ctx.Err(); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("%w: %w", i2cmem.ErrTimeout, err)
			}
			return err
		}
		if d.config.WaitLimit > 0 && i >= d.config.WaitLimit {
			return fmt.Errorf("%w: no progress after %d ticks", i2cmem.ErrTimeout, i)
		}
	}
	return nil
}

func (d *Device) advance() bool {
	d.tick++
	return d.tick >= d.readyAt
}

func (d *Device) issue() {
	d.readyAt = d.tick + d.config.Latency
}

func (d *Device) violation(format string, args ...any) {
	d.violations = append(d.violations, fmt.Sprintf(format, args...))
}

func (d *Device) BusIdle() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.advance() && !d.active
}

func (d *Device) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.starts++
	if d.starts == d.config.StartCollision {
		d.trace = append(d.trace, Event{Kind: EventCollision})
		return i2cmem.ErrBusCollision
	}
	if d.active {
		d.violation("START while bus is active")
	}
	d.frame++
	d.active = true
	d.aborted = false
	d.pending = nil
	d.begin()
	d.trace = append(d.trace, Event{Kind: EventStart})
	return nil
}

func (d *Device) RepeatStart() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.active {
		d.violation("REPEATED START without START")
		d.active = true
		d.frame++
	}
	if d.needAck {
		d.violation("REPEATED START before acknowledging a received byte")
	}
	// an unterminated write is discarded
	d.pending = nil
	d.begin()
	d.trace = append(d.trace, Event{Kind: EventRepeatedStart})
	return nil
}

func (d *Device) begin() {
	d.state = stateAddress
	d.pos = 0
	d.needAck = false
	d.lastAck = false
	d.rxReady = false
	d.issue()
}

func (d *Device) StartComplete() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.advance()
}

func (d *Device) TransmitterReady() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.advance()
}

func (d *Device) SendByte(b byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.transmits++
	if d.transmits == d.config.TransmitCollision {
		d.trace = append(d.trace, Event{Kind: EventCollision, Value: b})
		return i2cmem.ErrBusCollision
	}
	d.issue()
	if !d.active {
		d.violation("byte %#02x sent without START", b)
		d.acked = false
		return nil
	}
	t := Transmission{Frame: d.frame, Pos: d.pos, Value: b, Pointer: d.pointer, Data: d.state == stateWriting}
	d.pos++
	ack := false
	if d.config.Nack == nil || !d.config.Nack(t) {
		ack = d.receiveByte(b)
	}
	if !ack {
		if d.state == stateWriting || d.state == stateAddrHigh || d.state == stateAddrLow {
			d.aborted = true
		}
		d.state = stateIgnored
	}
	d.acked = ack
	d.trace = append(d.trace, Event{Kind: EventWrite, Value: b, Ack: ack})
	return nil
}

// receiveByte advances the device state machine with a byte from the master
// and reports whether the device acknowledges it.
func (d *Device) receiveByte(b byte) bool {
	switch d.state {
	case stateAddress:
		if b>>1 != d.config.Device {
			d.state = stateIgnored
			return false
		}
		if d.config.Busy {
			return false
		}
		if d.busy > 0 {
			d.busy--
			return false
		}
		if b&0x01 == i2cmem.Read {
			d.state = stateReading
		} else {
			d.state = stateAddrHigh
		}
		return true
	case stateAddrHigh:
		// the most significant bit is a don't care on a 32 KiB device
		d.hi = b & 0x7F
		d.state = stateAddrLow
		return true
	case stateAddrLow:
		d.pointer = uint16(d.hi)<<8 | uint16(b)
		d.header = d.pointer
		d.written = 0
		d.pending = make(map[uint16]byte)
		d.state = stateWriting
		return true
	case stateWriting:
		d.pending[d.pointer] = b
		d.written++
		page := d.pointer &^ (i2cmem.PageSize - 1)
		d.pointer = page | (d.pointer+1)&(i2cmem.PageSize-1)
		return true
	case stateReading, stateReadDone:
		d.violation("byte %#02x sent during a read", b)
		return false
	default:
		return false
	}
}

func (d *Device) TransmissionComplete() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.advance()
}

func (d *Device) ByteAcknowledged() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tick++
	return d.acked
}

func (d *Device) EnableReceiver() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.receives++
	if d.receives == d.config.ReceiveOverflow {
		d.trace = append(d.trace, Event{Kind: EventOverflow})
		return i2cmem.ErrReceiveOverflow
	}
	d.issue()
	d.rxReady = true
	d.needAck = true
	switch d.state {
	case stateReading:
		d.rx = d.mem[d.pointer]
		d.pointer = uint16((int(d.pointer) + 1) % i2cmem.Capacity)
	case stateReadDone:
		d.violation("read after NACK")
		d.rx = 0xFF
	default:
		d.violation("read while not addressed for reading")
		d.rx = 0xFF
	}
	return nil
}

func (d *Device) DataAvailable() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.advance() && d.rxReady
}

func (d *Device) Acknowledge(ack bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.needAck {
		d.violation("acknowledge without a received byte")
	}
	d.issue()
	d.needAck = false
	d.lastAck = ack
	if !ack && d.state == stateReading {
		d.state = stateReadDone
	}
	d.trace = append(d.trace, Event{Kind: EventRead, Value: d.rx, Ack: ack})
	return nil
}

func (d *Device) AcknowledgeComplete() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.advance()
}

func (d *Device) ReceivedByte() byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rxReady = false
	return d.rx
}

func (d *Device) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.issue()
	d.trace = append(d.trace, Event{Kind: EventStop})
	if !d.active {
		return nil
	}
	if d.state == stateReading && d.lastAck {
		d.violation("STOP after an acknowledged read")
	}
	if d.state == stateWriting && !d.aborted && d.written > 0 {
		d.commit()
	}
	d.active = false
	d.state = stateIdle
	d.pending = nil
	return nil
}

func (d *Device) commit() {
	for addr, b := range d.pending {
		d.mem[addr] = b
	}
	d.commits = append(d.commits, Commit{Addr: d.header, Len: d.written})
	d.busy = d.config.BusyPolls
}

func (d *Device) StopComplete() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.advance()
}

// Trace returns the bus events recorded so far.
func (d *Device) Trace() []Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Event(nil), d.trace...)
}

// Writes returns the page write cycles, in commit order.
func (d *Device) Writes() []Commit {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Commit(nil), d.commits...)
}

// Violations returns the framing errors seen on the bus.
func (d *Device) Violations() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.violations...)
}

// Reset clears the recorded trace, commits and violations. Memory is kept.
func (d *Device) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.trace = nil
	d.commits = nil
	d.violations = nil
}
