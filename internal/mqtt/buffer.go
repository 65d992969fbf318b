package mqtt

import "go.uber.org/zap"

// bufferedMsg stores a serialized MQTT message for replay after reconnection.
type bufferedMsg struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
	alert    bool // alert traffic is never evicted
}

// ringBuffer is a fixed-capacity FIFO that stores messages while disconnected.
// Not safe for concurrent use; the caller must synchronize.
type ringBuffer struct {
	buf      []bufferedMsg
	capacity int
	head     int // next write position
	count    int
	overflow bool // true if any message was dropped since last drain
	log      *zap.Logger
}

func newRingBuffer(capacity int, log *zap.Logger) *ringBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &ringBuffer{
		buf:      make([]bufferedMsg, capacity),
		capacity: capacity,
		log:      log,
	}
}

func (r *ringBuffer) push(msg bufferedMsg) {
	if r.count == r.capacity {
		if !r.overflow {
			r.log.Warn("offline buffer full, dropping oldest", zap.Int("capacity", r.capacity))
			r.overflow = true
		}
		// Overwrite oldest: head is already pointing at it
		r.buf[r.head] = msg
		r.head = (r.head + 1) % r.capacity
		return
	}
	r.buf[r.head] = msg
	r.head = (r.head + 1) % r.capacity
	r.count++
}

func (r *ringBuffer) drainAll() []bufferedMsg {
	if r.count == 0 {
		return nil
	}

	result := make([]bufferedMsg, r.count)
	// Oldest item is at (head - count) mod capacity
	start := (r.head - r.count + r.capacity) % r.capacity
	for i := 0; i < r.count; i++ {
		result[i] = r.buf[(start+i)%r.capacity]
	}

	r.count = 0
	r.head = 0
	r.overflow = false
	return result
}

func (r *ringBuffer) len() int {
	return r.count
}

// offlineQueue holds everything published while disconnected. Alert
// messages are kept in full; system events share a bounded ring and are the
// only thing dropped when it fills.
// Not safe for concurrent use; the caller must synchronize.
type offlineQueue struct {
	alerts []bufferedMsg
	system *ringBuffer
}

func newOfflineQueue(systemCapacity int, log *zap.Logger) *offlineQueue {
	return &offlineQueue{system: newRingBuffer(systemCapacity, log)}
}

func (q *offlineQueue) push(msg bufferedMsg) {
	if msg.alert {
		q.alerts = append(q.alerts, msg)
		return
	}
	q.system.push(msg)
}

// drainAll empties the queue, alerts first, each group oldest first.
func (q *offlineQueue) drainAll() []bufferedMsg {
	system := q.system.drainAll()
	if len(q.alerts) == 0 {
		return system
	}
	out := append(q.alerts, system...)
	q.alerts = nil
	return out
}

func (q *offlineQueue) len() int {
	return len(q.alerts) + q.system.len()
}
