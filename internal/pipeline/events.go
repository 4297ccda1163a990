package pipeline

import (
	"sync"
	"time"
)

// Event reports one stage transition of a job. Terminal events carry the
// text (done) or the failure (failed, cancelled).
type Event struct {
	JobID     string
	SessionID string
	Stage     Stage
	Text      string
	RawText   string
	Failure   *Failure
	At        time.Time
}

// broadcaster fans events out to subscribers. Publishing never blocks; each
// subscriber receives every event in publish order.
type broadcaster struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*subscriber
}

type subscriber struct {
	mu     sync.Mutex
	queue  []Event
	closed bool
	notify chan struct{}
	quit   chan struct{}
	out    chan Event
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[int]*subscriber)}
}

func (b *broadcaster) subscribe() (<-chan Event, func()) {
	s := &subscriber{notify: make(chan struct{}, 1), quit: make(chan struct{}), out: make(chan Event)}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = s
	b.mu.Unlock()

	go s.pump()

	var once sync.Once
	return s.out, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(s.quit)
			s.close()
		})
	}
}

func (b *broadcaster) publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		s.push(e)
	}
}

func (b *broadcaster) closeAll() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[int]*subscriber)
	b.mu.Unlock()
	for _, s := range subs {
		s.close()
	}
}

func (s *subscriber) push(e Event) {
	s.mu.Lock()
	if !s.closed {
		s.queue = append(s.queue, e)
	}
	s.mu.Unlock()
	s.wake()
}

func (s *subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wake()
}

func (s *subscriber) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// pump delivers queued events until the subscriber is closed. Events still
// queued when the broadcaster shuts down are delivered first; unsubscribing
// drops them.
func (s *subscriber) pump() {
	defer close(s.out)
	for range s.notify {
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				closed := s.closed
				s.mu.Unlock()
				if closed {
					return
				}
				break
			}
			e := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			select {
			case s.out <- e:
			case <-s.quit:
				return
			}
		}
	}
}
