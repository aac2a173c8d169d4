package emit

import "sync"

// Emitter receives pipeline events.
//
// Implementations must be safe for concurrent use and must not block the
// pipeline for long; Emit has no error return so a broken sink never fails
// a run.
type Emitter interface {
	Emit(event Event)
}

// MultiEmitter fans every event out to several emitters in order.
type MultiEmitter struct {
	mu       sync.RWMutex
	emitters []Emitter
}

// NewMultiEmitter creates a MultiEmitter. Nil emitters are skipped.
func NewMultiEmitter(emitters ...Emitter) *MultiEmitter {
	m := &MultiEmitter{}
	for _, e := range emitters {
		m.Add(e)
	}
	return m
}

// Add appends an emitter to the fan-out list.
func (m *MultiEmitter) Add(e Emitter) {
	if e == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emitters = append(m.emitters, e)
}

// Emit forwards the event to every registered emitter.
func (m *MultiEmitter) Emit(event Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.emitters {
		e.Emit(event)
	}
}
