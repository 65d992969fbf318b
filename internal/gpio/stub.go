//go:build !linux

package gpio

import "errors"

// ErrUnsupported is returned by the real reader off Linux.
var ErrUnsupported = errors.New("gpio: not supported on this platform (requires Linux)")

// RealReader is not available on non-Linux platforms.
type RealReader struct{}

// NewRealReader returns ErrUnsupported on non-Linux platforms.
func NewRealReader(chipName string, pins Pins) (*RealReader, error) {
	return nil, ErrUnsupported
}

// Read is not implemented on non-Linux platforms.
func (r *RealReader) Read() (Sample, error) {
	return Sample{}, ErrUnsupported
}

// Close is not implemented on non-Linux platforms.
func (r *RealReader) Close() error {
	return nil
}
