package bitbang

import (
	"fmt"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// PinLine drives a periph.io pin as an open-drain line. Releasing the line
// turns the pin into an input with the internal pull-up enabled.
type PinLine struct {
	pin gpio.PinIO
}

func NewPinLine(pin gpio.PinIO) *PinLine {
	return &PinLine{pin: pin}
}

func (l *PinLine) Low() error {
	return l.pin.Out(gpio.Low)
}

func (l *PinLine) Release() error {
	return l.pin.In(gpio.PullUp, gpio.NoEdge)
}

func (l *PinLine) High() (bool, error) {
	return l.pin.Read() == gpio.High, nil
}

// OpenPins initializes the host drivers and looks up two pins by name, e.g.
// "GPIO2" and "GPIO3". Both lines start released.
func OpenPins(sda, scl string) (*PinLine, *PinLine, error) {
	if _, err := host.Init(); err != nil {
		return nil, nil, fmt.Errorf("could not init host: %w", err)
	}
	lines := make([]*PinLine, 2)
	for i, name := range []string{sda, scl} {
		pin := gpioreg.ByName(name)
		if pin == nil {
			return nil, nil, fmt.Errorf("pin %q not found", name)
		}
		lines[i] = NewPinLine(pin)
		if err := lines[i].Release(); err != nil {
			return nil, nil, fmt.Errorf("could not release pin %q: %w", name, err)
		}
	}
	return lines[0], lines[1], nil
}
