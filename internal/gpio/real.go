//go:build linux

package gpio

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

// RealReader reads GPIO from actual hardware using Linux GPIO character device.
type RealReader struct {
	chip   *gpiocdev.Chip
	button *gpiocdev.Line
	pads   *gpiocdev.Lines
	names  []string
	vals   []int
}

// NewRealReader requests the panic and pad lines on chipName.
func NewRealReader(chipName string, pins Pins) (*RealReader, error) {
	chip, err := gpiocdev.NewChip(chipName)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip: %w", err)
	}

	// Switches pull to ground; active-low makes a press read as 1.
	panicLine, err := chip.RequestLine(pins.Panic, gpiocdev.AsInput, gpiocdev.WithPullUp, gpiocdev.AsActiveLow)
	if err != nil {
		chip.Close()
		return nil, fmt.Errorf("request panic pin %d: %w", pins.Panic, err)
	}

	r := &RealReader{chip: chip, button: panicLine, names: pins.PadNames()}
	if len(r.names) > 0 {
		offsets := make([]int, len(r.names))
		for i, name := range r.names {
			offsets[i] = pins.Pads[name]
		}
		pads, err := chip.RequestLines(offsets, gpiocdev.AsInput, gpiocdev.WithPullUp, gpiocdev.AsActiveLow)
		if err != nil {
			panicLine.Close()
			chip.Close()
			return nil, fmt.Errorf("request pad pins %v: %w", offsets, err)
		}
		r.pads = pads
		r.vals = make([]int, len(offsets))
	}
	return r, nil
}

// Read returns the logical state of the button and pads. When several pads
// are pressed at once the first in name order is reported.
func (r *RealReader) Read() (Sample, error) {
	v, err := r.button.Value()
	if err != nil {
		return Sample{}, fmt.Errorf("read panic pin: %w", err)
	}
	s := Sample{Panic: v == 1}

	if r.pads != nil {
		if err := r.pads.Values(r.vals); err != nil {
			return Sample{}, fmt.Errorf("read pad pins: %w", err)
		}
		for i, val := range r.vals {
			if val == 1 {
				s.Pad = r.names[i]
				break
			}
		}
	}
	return s, nil
}

// Close releases GPIO resources.
// Lines are returned to plain inputs with pull-up before closing so the
// switches stay at rest while the daemon is down.
func (r *RealReader) Close() error {
	var errs []error

	if r.button != nil {
		if err := r.button.Reconfigure(gpiocdev.AsInput, gpiocdev.WithPullUp); err != nil {
			errs = append(errs, fmt.Errorf("reconfigure panic pin: %w", err))
		}
		if err := r.button.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close panic pin: %w", err))
		}
	}
	if r.pads != nil {
		if err := r.pads.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pad pins: %w", err))
		}
	}
	if r.chip != nil {
		if err := r.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}
