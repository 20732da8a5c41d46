package bitbang

import (
	"fmt"

	"gobot.io/x/gobot/v2/drivers/gpio"
)

// DigitalPins is the part of a gobot adaptor needed to drive a line.
type DigitalPins interface {
	gpio.DigitalReader
	gpio.DigitalWriter
}

// AdaptorLine drives one pin of a gobot adaptor. Reading the pin switches it
// to input, which is how the line is released.
type AdaptorLine struct {
	pins DigitalPins
	id   string
}

func NewAdaptorLine(pins DigitalPins, id string) *AdaptorLine {
	return &AdaptorLine{pins: pins, id: id}
}

func (l *AdaptorLine) Low() error {
	if err := l.pins.DigitalWrite(l.id, 0); err != nil {
		return fmt.Errorf("pin %s: %w", l.id, err)
	}
	return nil
}

func (l *AdaptorLine) Release() error {
	_, err := l.High()
	return err
}

func (l *AdaptorLine) High() (bool, error) {
	v, err := l.pins.DigitalRead(l.id)
	if err != nil {
		return false, fmt.Errorf("pin %s: %w", l.id, err)
	}
	return v != 0, nil
}
