package session

import "sync"

// Observer receives accepted samples. Samples are dropped for an observer whose buffer is
// full.
type Observer struct {
	C <-chan Accepted

	c       chan Accepted
	tracker *Tracker
	once    sync.Once
}

// Subscribe registers an observer of accepted samples.
func (t *Tracker) Subscribe(buffer int) *Observer {
	if buffer <= 0 {
		buffer = 1
	}
	c := make(chan Accepted, buffer)
	o := &Observer{C: c, c: c, tracker: t}
	t.obsMu.Lock()
	t.observers[o] = struct{}{}
	t.obsMu.Unlock()
	return o
}

// Cancel unregisters the observer and closes C.
func (o *Observer) Cancel() {
	o.once.Do(func() {
		o.tracker.obsMu.Lock()
		delete(o.tracker.observers, o)
		close(o.c)
		o.tracker.obsMu.Unlock()
	})
}

func (t *Tracker) publish(a Accepted) {
	t.obsMu.RLock()
	defer t.obsMu.RUnlock()
	for o := range t.observers {
		select {
		case o.c <- a:
		default:
			t.logger.Warn("observer buffer full, sample dropped", "sequence", a.Sequence)
		}
	}
}
