package events

import (
	"strconv"
	"sync"

	"github.com/pkg/errors"
)

var (
	ErrStreamOverflow = errors.New("event stream buffer ceiling exceeded")
	ErrStreamClosed   = errors.New("event stream already terminated")
)

const DefaultStreamBufferSize = 1024

// Stream is the broadcast channel of a single turn.
//
// Every subscriber gets its own bounded buffer. One slot of each buffer is
// reserved for the terminal event, so a publish that would eat into that slot
// fails with ErrStreamOverflow instead of blocking the producer, and the
// terminal ERROR that follows is still guaranteed to be delivered.
//
// The stream keeps the envelopes it produced so that a subscriber attaching
// late (a reconnecting client) replays the turn from the start.
type Stream struct {
	id         string
	bufferSize int

	mu          sync.Mutex
	seq         uint64
	history     []Envelope
	subscribers map[uint64]chan Envelope
	nextSubID   uint64
	terminated  bool
	done        chan struct{}
}

func NewStream(id string, bufferSize int) *Stream {
	if bufferSize < 2 {
		bufferSize = DefaultStreamBufferSize
	}
	return &Stream{
		id:          id,
		bufferSize:  bufferSize,
		subscribers: make(map[uint64]chan Envelope),
		done:        make(chan struct{}),
	}
}

func (s *Stream) ID() string {
	return s.id
}

// Publish appends the event to the stream and fans it out to all subscribers.
// A terminal event closes the stream; later publishes return ErrStreamClosed.
func (s *Stream) Publish(ev ExecutionEvent) (Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.terminated {
		return Envelope{}, ErrStreamClosed
	}

	terminal := ev.IsTerminal()
	if !terminal {
		for _, ch := range s.subscribers {
			if len(ch) >= cap(ch)-1 {
				return Envelope{}, ErrStreamOverflow
			}
		}
	}

	s.seq++
	env := Envelope{
		ID:    strconv.FormatUint(s.seq, 10),
		Event: ev.Type,
		Data:  ev,
	}
	s.history = append(s.history, env)

	for id, ch := range s.subscribers {
		select {
		case ch <- env:
		default:
			// only reachable for a terminal event on a subscriber that was
			// already overflowing; drop the subscriber rather than block.
			close(ch)
			delete(s.subscribers, id)
		}
	}

	if terminal {
		s.terminated = true
		for id, ch := range s.subscribers {
			close(ch)
			delete(s.subscribers, id)
		}
		close(s.done)
	}
	return env, nil
}

// Subscribe returns a channel that first replays everything published so far
// and then receives live envelopes until the terminal event. The returned
// function detaches the subscriber; it is safe to call more than once.
func (s *Stream) Subscribe() (<-chan Envelope, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan Envelope, s.bufferSize+len(s.history))
	for _, env := range s.history {
		ch <- env
	}
	if s.terminated {
		close(ch)
		return ch, func() {}
	}

	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if c, ok := s.subscribers[id]; ok {
				delete(s.subscribers, id)
				close(c)
			}
		})
	}
}

// Done is closed once the terminal event has been published.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

func (s *Stream) Terminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminated
}

// History returns a copy of the envelopes published so far.
func (s *Stream) History() []Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Envelope, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Stream) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers)
}
