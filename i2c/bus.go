package i2c

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mklimuk/i2cmem"
)

var _ i2cmem.Primitives = &Bus{}

// Bus drives the framing of one physical I2C channel through its Controller.
// A Bus is not reentrant: the caller must serialize whole transfers.
type Bus struct {
	ctrl   i2cmem.Controller
	wait   WaitFunc
	logger *slog.Logger
}

type BusOpts struct {
	Wait        WaitFunc
	WaitTimeout time.Duration
	Logger      *slog.Logger
}

type BusOpt func(*BusOpts)

// WithWait replaces the busy wait used for hardware status flags.
func WithWait(w WaitFunc) BusOpt {
	return func(o *BusOpts) {
		o.Wait = w
	}
}

// WithWaitTimeout bounds every status wait; an expired wait returns ErrTimeout.
func WithWaitTimeout(d time.Duration) BusOpt {
	return func(o *BusOpts) {
		o.WaitTimeout = d
	}
}

func WithLogger(l *slog.Logger) BusOpt {
	return func(o *BusOpts) {
		o.Logger = l
	}
}

func NewBus(ctrl i2cmem.Controller, opts ...BusOpt) *Bus {
	config := BusOpts{
		Wait:   Spin,
		Logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&config)
	}
	wait := config.Wait
	if config.WaitTimeout > 0 {
		wait = WithDeadline(wait, config.WaitTimeout)
	}
	return &Bus{ctrl: ctrl, wait: wait, logger: config.Logger}
}

// BeginTransfer issues a START, waiting for the bus to go idle first, or a
// REPEATED START when repeated is set. It returns once the condition is on the bus.
func (b *Bus) BeginTransfer(ctx context.Context, repeated bool) error {
	if repeated {
		if err := b.ctrl.RepeatStart(); err != nil {
			return fmt.Errorf("repeated start: %w", err)
		}
	} else {
		if err := b.wait(ctx, b.ctrl.BusIdle); err != nil {
			return fmt.Errorf("waiting for idle bus: %w", err)
		}
		if err := b.ctrl.Start(); err != nil {
			b.logger.Debug("start failed", "error", err)
			return fmt.Errorf("start: %w", err)
		}
	}
	if err := b.wait(ctx, b.ctrl.StartComplete); err != nil {
		return fmt.Errorf("waiting for start condition: %w", err)
	}
	return nil
}

// TransmitByte sends one byte. Whether it was acknowledged must be checked
// separately with ByteWasAcknowledged.
func (b *Bus) TransmitByte(ctx context.Context, value byte) error {
	if err := b.wait(ctx, b.ctrl.TransmitterReady); err != nil {
		return fmt.Errorf("waiting for transmitter: %w", err)
	}
	if err := b.ctrl.SendByte(value); err != nil {
		b.logger.Debug("transmit failed", "byte", fmt.Sprintf("%#02x", value), "error", err)
		return fmt.Errorf("transmit %#02x: %w", value, err)
	}
	if err := b.wait(ctx, b.ctrl.TransmissionComplete); err != nil {
		return fmt.Errorf("waiting for transmission: %w", err)
	}
	return nil
}

func (b *Bus) ByteWasAcknowledged() bool {
	return b.ctrl.ByteAcknowledged()
}

// ReceiveByte clocks in one byte and answers it with ACK or NACK.
func (b *Bus) ReceiveByte(ctx context.Context, ack bool) (byte, error) {
	if err := b.ctrl.EnableReceiver(); err != nil {
		b.logger.Debug("receive failed", "error", err)
		return 0, fmt.Errorf("receive: %w", err)
	}
	if err := b.wait(ctx, b.ctrl.DataAvailable); err != nil {
		return 0, fmt.Errorf("waiting for data: %w", err)
	}
	if err := b.ctrl.Acknowledge(ack); err != nil {
		return 0, fmt.Errorf("acknowledge: %w", err)
	}
	if err := b.wait(ctx, b.ctrl.AcknowledgeComplete); err != nil {
		return 0, fmt.Errorf("waiting for acknowledge: %w", err)
	}
	return b.ctrl.ReceivedByte(), nil
}

// EndTransfer issues a STOP and waits for it to complete. It may be called
// after any failed phase to return the bus to idle.
func (b *Bus) EndTransfer(ctx context.Context) error {
	if err := b.ctrl.Stop(); err != nil {
		return fmt.Errorf("stop: %w", err)
	}
	if err := b.wait(ctx, b.ctrl.StopComplete); err != nil {
		return fmt.Errorf("waiting for stop condition: %w", err)
	}
	return nil
}
