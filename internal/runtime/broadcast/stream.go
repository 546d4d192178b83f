package broadcast

import (
	"sync"
	"time"

	errspkg "github.com/drblury/reelflow/internal/runtime/errors"
)

// NoPayload is sent as the event data when the processed event carried no payload.
const NoPayload = "No payload"

// Event is one named message pushed to subscribers. Data is JSON.
type Event struct {
	Name string
	Data []byte
}

// Stream is the delivery channel of one subscriber. The events channel is never closed;
// readers select on Done to learn that the stream ended.
type Stream struct {
	key     string
	events  chan Event
	done    chan struct{}
	once    sync.Once
	onClose func(*Stream)
}

func newStream(key string, buffer int, onClose func(*Stream)) *Stream {
	return &Stream{
		key:     key,
		events:  make(chan Event, buffer),
		done:    make(chan struct{}),
		onClose: onClose,
	}
}

func (s *Stream) Key() string           { return s.key }
func (s *Stream) Events() <-chan Event  { return s.events }
func (s *Stream) Done() <-chan struct{} { return s.done }

// Close ends the stream and removes it from its registry. It is idempotent.
func (s *Stream) Close() {
	s.once.Do(func() {
		close(s.done)
		if s.onClose != nil {
			s.onClose(s)
		}
	})
}

// Closed reports whether Close was called.
func (s *Stream) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// send delivers ev within timeout. A zero timeout never blocks.
func (s *Stream) send(ev Event, timeout time.Duration) error {
	if s.Closed() {
		return errspkg.ErrStreamClosed
	}
	if timeout <= 0 {
		select {
		case s.events <- ev:
			return nil
		case <-s.done:
			return errspkg.ErrStreamClosed
		default:
			return errspkg.ErrSubscriberSlow
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case s.events <- ev:
		return nil
	case <-s.done:
		return errspkg.ErrStreamClosed
	case <-timer.C:
		return errspkg.ErrSubscriberSlow
	}
}
