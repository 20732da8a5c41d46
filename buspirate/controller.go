package buspirate

import "fmt"

// The Bus Pirate has no bus state readout and answers each command only once
// it has been carried out, so every status check is satisfied immediately.
func (c *Controller) BusIdle() bool              { return true }
func (c *Controller) StartComplete() bool        { return true }
func (c *Controller) TransmitterReady() bool     { return true }
func (c *Controller) TransmissionComplete() bool { return true }
func (c *Controller) ByteAcknowledged() bool     { return c.acked }
func (c *Controller) DataAvailable() bool        { return true }
func (c *Controller) AcknowledgeComplete() bool  { return true }
func (c *Controller) ReceivedByte() byte         { return c.rx }
func (c *Controller) StopComplete() bool         { return true }

func (c *Controller) Start() error {
	if err := c.command(cmdStart); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	return nil
}

// RepeatStart uses the same command as Start; the Bus Pirate emits a
// repeated START when the bus is already taken.
func (c *Controller) RepeatStart() error {
	if err := c.command(cmdStart); err != nil {
		return fmt.Errorf("repeated start: %w", err)
	}
	return nil
}

func (c *Controller) Stop() error {
	if err := c.command(cmdStop); err != nil {
		return fmt.Errorf("stop: %w", err)
	}
	return nil
}

// SendByte runs a one byte bulk write; the Bus Pirate answers with 0x00 for
// ACK and 0x01 for NACK.
func (c *Controller) SendByte(b byte) error {
	if err := c.command(cmdBulkWrite); err != nil {
		return fmt.Errorf("bulk write: %w", err)
	}
	ack, err := c.exchange(b)
	if err != nil {
		return fmt.Errorf("bulk write %#02x: %w", b, err)
	}
	c.acked = ack == 0x00
	return nil
}

func (c *Controller) EnableReceiver() error {
	b, err := c.exchange(cmdRead)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}
	c.rx = b
	return nil
}

func (c *Controller) Acknowledge(ack bool) error {
	cmd := byte(cmdNACK)
	if ack {
		cmd = cmdACK
	}
	if err := c.command(cmd); err != nil {
		return fmt.Errorf("acknowledge: %w", err)
	}
	return nil
}
