// Package gpio reads the hardware panic button and the hidden tap pads.
// The real implementation uses the Linux GPIO character device.
// The fake implementation allows testing without hardware.
package gpio

import "sort"

// Sample is one reading of every input, already in logical form.
type Sample struct {
	Panic bool   // panic button held
	Pad   string // name of the pressed tap pad, "" when none
}

// Reader reads the panic button and tap pads.
type Reader interface {
	// Read returns the current logical state of all inputs.
	// Inputs are wired active-low: a pressed switch reads raw 0.
	Read() (Sample, error)

	// Close releases GPIO resources.
	Close() error
}

// Pins maps inputs to line offsets (BCM numbering).
type Pins struct {
	Panic int
	Pads  map[string]int
}

// DefaultPins returns the stock wiring: the panic button on 17 and the four
// corner pads on 5, 6, 13 and 19.
func DefaultPins() Pins {
	return Pins{
		Panic: 17,
		Pads: map[string]int{
			"tl": 5,
			"tr": 6,
			"bl": 13,
			"br": 19,
		},
	}
}

// PadNames returns the pad names in a stable order.
func (p Pins) PadNames() []string {
	names := make([]string, 0, len(p.Pads))
	for name := range p.Pads {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
