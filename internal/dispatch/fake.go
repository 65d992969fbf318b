package dispatch

import (
	"context"
	"sync"

	"github.com/sweeney/guardian/internal/logic"
)

// Call is one recorded Notify call.
type Call struct {
	Contacts []logic.Contact
	Message  Message
	Severity Severity
}

// FakeNotifier records notifications for test assertions.
// Safe for concurrent use.
type FakeNotifier struct {
	mu    sync.Mutex
	calls []Call
	// failures left before Notify starts succeeding
	failures int
	err      error
	attempts int
}

// NewFakeNotifier creates a FakeNotifier that always succeeds.
func NewFakeNotifier() *FakeNotifier {
	return &FakeNotifier{}
}

// FailNext makes the next n calls return err.
func (f *FakeNotifier) FailNext(n int, err error) {
	f.mu.Lock()
	f.failures = n
	f.err = err
	f.mu.Unlock()
}

// Notify records the call, or fails if FailNext is in effect.
func (f *FakeNotifier) Notify(_ context.Context, contacts []logic.Contact, msg Message, sev Severity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.failures > 0 {
		f.failures--
		return f.err
	}
	f.calls = append(f.calls, Call{
		Contacts: append([]logic.Contact(nil), contacts...),
		Message:  msg,
		Severity: sev,
	})
	return nil
}

// Calls returns a copy of the successful calls.
func (f *FakeNotifier) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Attempts returns how many times Notify was called, including failures.
func (f *FakeNotifier) Attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

// Kinds returns the message kinds of successful calls, in order.
func (f *FakeNotifier) Kinds() []Kind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Kind, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.Message.Kind
	}
	return out
}
