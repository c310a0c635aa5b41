package migrate

// EventType enumerates emitted run events.
type EventType string

const (
	EventRunStart EventType = "run_start"
	EventProgress EventType = "progress"
	EventRunDone  EventType = "run_done"
)

// Event carries progress about a run.
type Event struct {
	Type    EventType
	Mailbox string
	Total   int
	Done    int
	Status  Status
	Err     error
}
