package emit

// NullEmitter discards all events.
//
// Useful in tests and in library use where the caller does not care about
// observability output.
type NullEmitter struct{}

// NewNullEmitter creates a new NullEmitter.
func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

// Emit discards the event.
func (n *NullEmitter) Emit(Event) {}
