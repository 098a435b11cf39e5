package sessions

import (
	"sync"

	"github.com/haasonsaas/patchwork/pkg/models"
)

// maxPending bounds the per-subscriber queue. A consumer that falls this
// far behind is dropped rather than allowed to stall or silently lose
// individual events; the drop is signaled by closing the channel with
// Dropped reporting true.
const maxPending = 4096

// fanout is the per-session listener registry. It is a registry, not an
// ownership relation: the store invokes subscribers but does not own them.
type fanout struct {
	mu   sync.Mutex
	subs map[string]map[*Subscription]struct{}
}

func newFanout() *fanout {
	return &fanout{subs: make(map[string]map[*Subscription]struct{})}
}

// subscribe registers a new subscription for sessionID and starts its pump.
func (f *fanout) subscribe(sessionID string) *Subscription {
	sub := &Subscription{
		fan:       f,
		sessionID: sessionID,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		out:       make(chan *models.Event),
	}
	f.mu.Lock()
	set, ok := f.subs[sessionID]
	if !ok {
		set = make(map[*Subscription]struct{})
		f.subs[sessionID] = set
	}
	set[sub] = struct{}{}
	f.mu.Unlock()

	go sub.pump()
	return sub
}

// publish queues evt on every subscriber of its session. It never blocks on
// consumers; the caller must hold the store's write serialization so that
// queue order matches append order.
func (f *fanout) publish(evt *models.Event) {
	f.mu.Lock()
	set := f.subs[evt.SessionID]
	targets := make([]*Subscription, 0, len(set))
	for sub := range set {
		targets = append(targets, sub)
	}
	f.mu.Unlock()

	for _, sub := range targets {
		sub.enqueue(evt)
	}
}

func (f *fanout) unsubscribe(sub *Subscription) {
	f.mu.Lock()
	if set, ok := f.subs[sub.sessionID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(f.subs, sub.sessionID)
		}
	}
	f.mu.Unlock()
}

// closeAll detaches every subscriber; used on store shutdown.
func (f *fanout) closeAll() {
	f.mu.Lock()
	var all []*Subscription
	for _, set := range f.subs {
		for sub := range set {
			all = append(all, sub)
		}
	}
	f.subs = make(map[string]map[*Subscription]struct{})
	f.mu.Unlock()

	for _, sub := range all {
		sub.close(false)
	}
}

// Subscription is a live tail over one session's event stream. Events are
// delivered on Events in append order through an intermediate queue, so a
// slow consumer never blocks the append path.
type Subscription struct {
	fan       *fanout
	sessionID string

	mu      sync.Mutex
	queue   []*models.Event
	closed  bool
	dropped bool

	wake chan struct{}
	done chan struct{}
	out  chan *models.Event
}

// Events returns the delivery channel. It is closed when the subscription
// is closed or the consumer is dropped for falling too far behind.
func (s *Subscription) Events() <-chan *models.Event { return s.out }

// Dropped reports whether the subscription was terminated by the
// slow-consumer policy rather than by Close.
func (s *Subscription) Dropped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close detaches the subscription from the store.
func (s *Subscription) Close() { s.close(false) }

func (s *Subscription) close(dropped bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.dropped = dropped
	s.mu.Unlock()

	s.fan.unsubscribe(s)
	close(s.done)
}

func (s *Subscription) enqueue(evt *models.Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.queue) >= maxPending {
		s.mu.Unlock()
		s.close(true)
		return
	}
	s.queue = append(s.queue, evt)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		var next *models.Event
		if len(s.queue) > 0 {
			next = s.queue[0]
			s.queue = s.queue[1:]
		}
		s.mu.Unlock()

		if next == nil {
			select {
			case <-s.wake:
				continue
			case <-s.done:
				// Drain anything enqueued before close.
				s.mu.Lock()
				remaining := s.queue
				s.queue = nil
				s.mu.Unlock()
				for _, evt := range remaining {
					select {
					case s.out <- evt:
					default:
						return
					}
				}
				return
			}
		}

		select {
		case s.out <- next:
		case <-s.done:
			return
		}
	}
}
