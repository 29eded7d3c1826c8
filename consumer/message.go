package consumer

// Message is one item on the Messages channel. The set of implementations
// is closed: EventMessage, BatchMessage, ErrorMessage and ClosedMessage.
type Message interface {
	message()
}

// EventMessage carries a single event.
type EventMessage struct {
	Event Event
}

// BatchMessage repeats the events of one non-empty poll response, emitted
// after their individual EventMessages.
type BatchMessage struct {
	Events []Event
	Cursor string
}

// ErrorMessage reports a failed upstream call. The consumer keeps retrying.
type ErrorMessage struct {
	Op      string // "bootstrap" or "poll"
	Attempt int
	Err     error
}

// ClosedMessage is the final message before the channel closes.
type ClosedMessage struct{}

func (EventMessage) message()  {}
func (BatchMessage) message()  {}
func (ErrorMessage) message()  {}
func (ClosedMessage) message() {}
