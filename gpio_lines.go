package efio

import (
	"fmt"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
)

// GPIOLines is the periph.io backed DigitalIO. Pins are resolved by name
// from the host registry, inputs pulled down, outputs driven low at claim.
type GPIOLines struct {
	InputNames  [NumChannels]string
	OutputNames [NumChannels]string

	inputs  [NumChannels]gpio.PinIO
	outputs [NumChannels]gpio.PinIO
	claimed bool
}

func (l *GPIOLines) Claim() error {
	for i, name := range l.InputNames {
		pin := gpioreg.ByName(name)
		if pin == nil {
			return fmt.Errorf("gpio: input pin %q not found", name)
		}
		if err := pin.In(gpio.PullDown, gpio.NoEdge); err != nil {
			return fmt.Errorf("gpio: claim input %q: %w", name, err)
		}
		l.inputs[i] = pin
	}
	for i, name := range l.OutputNames {
		pin := gpioreg.ByName(name)
		if pin == nil {
			return fmt.Errorf("gpio: output pin %q not found", name)
		}
		if err := pin.Out(gpio.Low); err != nil {
			return fmt.Errorf("gpio: claim output %q: %w", name, err)
		}
		l.outputs[i] = pin
	}
	l.claimed = true
	return nil
}

func (l *GPIOLines) ReadInputs() ([NumChannels]int, error) {
	var values [NumChannels]int
	if !l.claimed {
		return values, fmt.Errorf("gpio: lines not claimed")
	}
	for i, pin := range l.inputs {
		if pin.Read() == gpio.High {
			values[i] = 1
		}
	}
	return values, nil
}

func (l *GPIOLines) WriteOutput(ch, value int) error {
	if !l.claimed {
		return fmt.Errorf("gpio: lines not claimed")
	}
	level := gpio.Low
	if value != 0 {
		level = gpio.High
	}
	return l.outputs[ch].Out(level)
}

func (l *GPIOLines) Close() error {
	var firstErr error
	for _, pin := range l.outputs {
		if pin == nil {
			continue
		}
		if err := pin.Halt(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	l.claimed = false
	return firstErr
}
