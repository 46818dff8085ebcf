package room

import "github.com/cliprelay/cliprelay/internal/ids"

// defaultSinkQueueDepth bounds how many outbound frames a slow member
// can have buffered before the oldest one is dropped to make room for
// the newest, per spec.md §4.5.
const defaultSinkQueueDepth = 32

// Sink is a per-member outbound frame queue. The room registry owns
// delivery into it; the session owning a Sink drains it and writes
// frames to the underlying WebSocket connection.
type Sink struct {
	DeviceID ids.DeviceID

	queue   chan []byte
	dropped func()
}

// NewSink creates a bounded outbound queue for deviceID. depth selects
// the queue bound (zero for the default). onDrop, if non-nil, is
// invoked every time backpressure forces the oldest queued frame out
// to make room for a new one — wire this to a metric.
func NewSink(deviceID ids.DeviceID, depth int, onDrop func()) *Sink {
	if depth <= 0 {
		depth = defaultSinkQueueDepth
	}
	return &Sink{
		DeviceID: deviceID,
		queue:    make(chan []byte, depth),
		dropped:  onDrop,
	}
}

// Send enqueues frame for delivery. If the queue is full, the oldest
// queued frame is discarded to make room — the sink never blocks the
// sender and never grows without bound.
func (s *Sink) Send(frame []byte) {
	for {
		select {
		case s.queue <- frame:
			return
		default:
		}

		select {
		case <-s.queue:
			if s.dropped != nil {
				s.dropped()
			}
		default:
		}
	}
}

// Recv exposes the queue for a session's write loop to drain.
func (s *Sink) Recv() <-chan []byte {
	return s.queue
}
