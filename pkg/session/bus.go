package session

import "sync"

// Event is a change notification for one key of the shared store.
// NewValue is empty when the key was removed.
type Event struct {
	Key      string
	NewValue string
}

// Bus is a publish/subscribe channel scoped to the set of contexts sharing an
// origin, modelled on browser shared storage plus its change events: a write
// notifies every subscriber except the writer. The logout broadcast writes a
// transient marker and removes it right away, so a context that subscribes
// later finds no residue to misread.
type Bus struct {
	mu   sync.Mutex
	data map[string]string
	subs map[*Subscription]struct{}
}

// Subscription identifies one subscriber; it doubles as the writer identity
// for self-exclusion on publish.
type Subscription struct {
	bus     *Bus
	handler func(Event)
}

func NewBus() *Bus {
	return &Bus{
		data: make(map[string]string),
		subs: make(map[*Subscription]struct{}),
	}
}

// Subscribe registers handler for change events. Cancel the returned
// subscription to stop receiving them.
func (b *Bus) Subscribe(handler func(Event)) *Subscription {
	s := &Subscription{bus: b, handler: handler}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Cancel removes the subscription. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
}

// Set stores key=value and notifies all subscribers except the writer.
// except may be nil.
func (b *Bus) Set(key, value string, except *Subscription) {
	b.notify(key, value, except, true)
}

// Remove deletes the key and notifies all subscribers except the writer with
// an empty NewValue.
func (b *Bus) Remove(key string, except *Subscription) {
	b.notify(key, "", except, false)
}

// Get returns the current value of key, empty if absent.
func (b *Bus) Get(key string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data[key]
}

func (b *Bus) notify(key, value string, except *Subscription, store bool) {
	b.mu.Lock()
	if store {
		b.data[key] = value
	} else {
		delete(b.data, key)
	}
	targets := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		if s != except {
			targets = append(targets, s)
		}
	}
	b.mu.Unlock()

	ev := Event{Key: key, NewValue: value}
	// Deliver asynchronously, like storage events: a handler may call back
	// into its own controller, which may itself publish.
	for _, s := range targets {
		go s.handler(ev)
	}
}
