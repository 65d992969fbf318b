package gpio

import (
	"errors"
	"sync"
)

// FakeReader is a test double that returns scripted samples.
// Safe for concurrent use.
type FakeReader struct {
	mu sync.Mutex

	// Samples contains scripted readings. Each call to Read() consumes the
	// next sample; once exhausted the last sample repeats.
	Samples []Sample

	// index tracks current position in Samples
	index int

	// Closed tracks if Close was called
	Closed bool

	// ReadError, if set, will be returned by Read()
	ReadError error

	reads int
}

// NewFakeReader creates a FakeReader with the given samples.
func NewFakeReader(samples []Sample) *FakeReader {
	return &FakeReader{Samples: samples}
}

// Read returns the next scripted sample.
func (f *FakeReader) Read() (Sample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.ReadError != nil {
		return Sample{}, f.ReadError
	}

	if len(f.Samples) == 0 {
		return Sample{}, errors.New("no samples configured")
	}

	sample := f.Samples[f.index]
	if f.index < len(f.Samples)-1 {
		f.index++
	}
	return sample, nil
}

// Reads returns how many times Read was called.
func (f *FakeReader) Reads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

// SetError makes every following Read fail with err; nil clears it.
func (f *FakeReader) SetError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ReadError = err
}

// Close marks the reader as closed.
func (f *FakeReader) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}

// IsClosed reports whether Close was called.
func (f *FakeReader) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Closed
}

// Reset resets the reader to the beginning of samples.
func (f *FakeReader) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.index = 0
	f.reads = 0
	f.Closed = false
}

// Hold returns n samples with the panic button held, followed by one
// released sample.
func Hold(n int) []Sample {
	out := make([]Sample, 0, n+1)
	for i := 0; i < n; i++ {
		out = append(out, Sample{Panic: true})
	}
	return append(out, Sample{})
}

// Taps returns a press-release pair for each pad in order.
func Taps(pads ...string) []Sample {
	out := make([]Sample, 0, 2*len(pads))
	for _, p := range pads {
		out = append(out, Sample{Pad: p}, Sample{})
	}
	return out
}
