package engine

const (
	commandChanSize = 16
	eventChanSize   = 128
)

// EventKind labels engine notifications.
type EventKind string

const (
	// EventProgress reports one executed action as completed/total.
	EventProgress EventKind = "progress"

	// EventPassDone reports a finished pass with a summary in Detail.
	EventPassDone EventKind = "pass_done"
)

// Event is a non-blocking notification from the engine. Consumers that
// fall behind lose events; the sync log is the durable record.
type Event struct {
	Kind      EventKind
	Path      string
	Detail    string
	Completed int
	Total     int
}

// Events returns the engine's notification channel.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// emit delivers an event without blocking, dropping it when the buffer
// is full.
func (e *Engine) emit(ev Event) {
	select {
	case e.events <- ev:
	default:
	}
}
