package mqtt

import "go.uber.org/zap"

// bufferedMsg stores a serialized MQTT message for replay after reconnection.
type bufferedMsg struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// ringBuffer is a fixed-capacity FIFO that holds at-least-once messages
// while the broker is unreachable. Not safe for concurrent use.
type ringBuffer struct {
	buf      []bufferedMsg
	capacity int
	head     int // next write position
	count    int
	dropped  int  // messages overwritten since last drain
	overflow bool // true if any message was dropped since last drain
	logger   *zap.Logger
}

func newRingBuffer(capacity int, logger *zap.Logger) *ringBuffer {
	if capacity < 1 {
		capacity = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ringBuffer{
		buf:      make([]bufferedMsg, capacity),
		capacity: capacity,
		logger:   logger,
	}
}

func (r *ringBuffer) push(msg bufferedMsg) {
	if r.count == r.capacity {
		if !r.overflow {
			r.logger.Warn("mqtt buffer full, dropping oldest",
				zap.Int("capacity", r.capacity), zap.String("topic", msg.topic))
			r.overflow = true
		}
		// head already points at the oldest entry
		r.buf[r.head] = msg
		r.head = (r.head + 1) % r.capacity
		r.dropped++
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

	if r.dropped > 0 {
		r.logger.Warn("mqtt buffer overflowed while disconnected", zap.Int("dropped", r.dropped))
	}
	r.count = 0
	r.head = 0
	r.dropped = 0
	r.overflow = false
	return result
}

// pushFront puts msgs back ahead of everything buffered, keeping their order.
// When the result exceeds capacity the oldest entries are dropped.
func (r *ringBuffer) pushFront(msgs []bufferedMsg) {
	if len(msgs) == 0 {
		return
	}
	all := make([]bufferedMsg, 0, len(msgs)+r.count)
	all = append(all, msgs...)
	start := (r.head - r.count + r.capacity) % r.capacity
	for i := 0; i < r.count; i++ {
		all = append(all, r.buf[(start+i)%r.capacity])
	}
	if over := len(all) - r.capacity; over > 0 {
		if !r.overflow {
			r.logger.Warn("mqtt buffer full, dropping oldest",
				zap.Int("capacity", r.capacity), zap.String("topic", all[0].topic))
			r.overflow = true
		}
		r.dropped += over
		all = all[over:]
	}
	copy(r.buf, all)
	r.count = len(all)
	r.head = r.count % r.capacity
}

func (r *ringBuffer) len() int {
	return r.count
}
