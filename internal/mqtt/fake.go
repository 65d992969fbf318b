package mqtt

import (
	"context"
	"sync"

	"github.com/sweeney/guardian/internal/dispatch"
	"github.com/sweeney/guardian/internal/logic"
)

// Notification is one recorded Notify call.
type Notification struct {
	Contacts []logic.Contact
	Message  dispatch.Message
	Severity dispatch.Severity
}

// FakePublisher records published messages and delivers injected inbound
// messages to subscribers. Safe for concurrent use.
type FakePublisher struct {
	mu sync.Mutex

	// Notifications contains all dispatch messages that were published.
	Notifications []Notification

	// Payloads contains the JSON payloads that were published on the alert topic.
	Payloads [][]byte

	// SystemEvents contains all system events that were published.
	SystemEvents []SystemEvent

	// SystemPayloads contains the JSON payloads for system events.
	SystemPayloads [][]byte

	// NotifyError, if set, will be returned by Notify.
	NotifyError error

	// PublishSystemError, if set, will be returned by PublishSystem.
	PublishSystemError error

	// SubscribeError, if set, will be returned by Subscribe.
	SubscribeError error

	// Closed tracks if Close was called.
	Closed bool

	// Connected controls the return value of IsConnected.
	Connected bool

	subs map[string]Handler
}

// NewFakePublisher creates a FakePublisher for testing.
func NewFakePublisher() *FakePublisher {
	return &FakePublisher{subs: make(map[string]Handler)}
}

// Notify records the dispatch message.
func (f *FakePublisher) Notify(_ context.Context, contacts []logic.Contact, msg dispatch.Message, sev dispatch.Severity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.NotifyError != nil {
		return f.NotifyError
	}

	payload, err := FormatAlertPayload(contacts, msg, sev)
	if err != nil {
		return err
	}
	f.Notifications = append(f.Notifications, Notification{
		Contacts: append([]logic.Contact(nil), contacts...),
		Message:  msg,
		Severity: sev,
	})
	f.Payloads = append(f.Payloads, payload)
	return nil
}

// PublishSystem records the system event.
func (f *FakePublisher) PublishSystem(event SystemEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishSystemError != nil {
		return f.PublishSystemError
	}

	payload, err := FormatSystemPayload(event)
	if err != nil {
		return err
	}
	f.SystemEvents = append(f.SystemEvents, event)
	f.SystemPayloads = append(f.SystemPayloads, payload)
	return nil
}

// Subscribe records h for topic.
func (f *FakePublisher) Subscribe(topic string, h Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SubscribeError != nil {
		return f.SubscribeError
	}
	f.subs[topic] = h
	return nil
}

// Deliver hands payload to the subscriber of topic, as if it arrived from
// the broker. It reports whether anyone was subscribed.
func (f *FakePublisher) Deliver(topic string, payload []byte) bool {
	f.mu.Lock()
	h, ok := f.subs[topic]
	f.mu.Unlock()
	if ok {
		h(topic, payload)
	}
	return ok
}

// Close marks the publisher as closed.
func (f *FakePublisher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}

// IsConnected reports whether the fake publisher is "connected".
func (f *FakePublisher) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Connected
}

// SetConnected changes the value reported by IsConnected.
func (f *FakePublisher) SetConnected(c bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Connected = c
}

// Sent returns a copy of the recorded notifications.
func (f *FakePublisher) Sent() []Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Notification(nil), f.Notifications...)
}

// System returns a copy of the recorded system events.
func (f *FakePublisher) System() []SystemEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SystemEvent(nil), f.SystemEvents...)
}

// Reset clears recorded messages.
func (f *FakePublisher) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Notifications = nil
	f.Payloads = nil
	f.SystemEvents = nil
	f.SystemPayloads = nil
	f.Closed = false
	f.NotifyError = nil
	f.PublishSystemError = nil
	f.SubscribeError = nil
	f.Connected = false
}
