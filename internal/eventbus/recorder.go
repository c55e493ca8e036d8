package eventbus

import "sync"

// Recorder keeps a bounded in-memory history of bus events so the status
// endpoint can report recent pipeline activity without touching the store.
type Recorder struct {
	mu    sync.Mutex
	max   int
	items []Event
	unsub func()
	done  chan struct{}
}

// NewRecorder subscribes to b and retains the last max events.
func NewRecorder(b Bus, max int) *Recorder {
	if max <= 0 {
		max = 100
	}
	ch, unsub := b.Subscribe(max)
	r := &Recorder{max: max, unsub: unsub, done: make(chan struct{})}
	go func() {
		defer close(r.done)
		for e := range ch {
			r.mu.Lock()
			r.items = append(r.items, e)
			if len(r.items) > r.max {
				r.items = r.items[len(r.items)-r.max:]
			}
			r.mu.Unlock()
		}
	}()
	return r
}

// Recent returns the retained events, oldest first.
func (r *Recorder) Recent() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.items))
	copy(out, r.items)
	return out
}

// Close unsubscribes and waits for the collector goroutine to exit.
func (r *Recorder) Close() {
	r.unsub()
	<-r.done
}
