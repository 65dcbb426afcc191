package platform

import (
	"context"
	"sync"
)

// ListenerID identifies one subscription for Off.
type ListenerID uint64

type listener struct {
	id   ListenerID
	once bool
	h    Handler
}

// Emitter is the named-event subscription table shared by the backends.
// The zero value is ready to use.
type Emitter struct {
	mu     sync.Mutex
	nextID ListenerID
	byName map[string][]listener
}

func (e *Emitter) On(event string, h Handler) ListenerID {
	return e.add(event, h, false)
}

// Once registers h to run for the next occurrence of event only.
func (e *Emitter) Once(event string, h Handler) ListenerID {
	return e.add(event, h, true)
}

func (e *Emitter) add(event string, h Handler, once bool) ListenerID {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.byName == nil {
		e.byName = make(map[string][]listener)
	}
	e.nextID++
	e.byName[event] = append(e.byName[event], listener{id: e.nextID, once: once, h: h})
	return e.nextID
}

func (e *Emitter) Off(id ListenerID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for name, ls := range e.byName {
		for i, l := range ls {
			if l.id != id {
				continue
			}
			e.byName[name] = append(ls[:i:i], ls[i+1:]...)
			if len(e.byName[name]) == 0 {
				delete(e.byName, name)
			}
			return
		}
	}
}

// OffAll detaches every subscription.
func (e *Emitter) OffAll() {
	e.mu.Lock()
	e.byName = nil
	e.mu.Unlock()
}

// ListenerCount reports how many handlers are attached to event.
func (e *Emitter) ListenerCount(event string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.byName[event])
}

// Emit runs the handlers registered for ev.Name in registration order on the
// calling goroutine. Once-handlers are removed before they run.
func (e *Emitter) Emit(ctx context.Context, ev Event) {
	e.mu.Lock()
	ls := e.byName[ev.Name]
	if len(ls) == 0 {
		e.mu.Unlock()
		return
	}
	run := make([]Handler, 0, len(ls))
	kept := ls[:0:0]
	for _, l := range ls {
		run = append(run, l.h)
		if !l.once {
			kept = append(kept, l)
		}
	}
	if len(kept) == 0 {
		delete(e.byName, ev.Name)
	} else {
		e.byName[ev.Name] = kept
	}
	e.mu.Unlock()

	for _, h := range run {
		h(ctx, ev)
	}
}
