package telemetry

import (
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/sagernet/sing/common/observable"
)

type EventType string

const (
	EventSessionOpened   EventType = "session_opened"
	EventEscaperSelected EventType = "escaper_selected"
	EventHandshake       EventType = "handshake"
	EventSessionClosed   EventType = "session_closed"
)

const (
	SideClient = "client"
	SideServer = "server"
)

// Event is a single observation emitted by a session. Only the fields
// relevant to the event type are populated.
type Event struct {
	Type         EventType `json:"type"`
	SessionID    uuid.UUID `json:"session_id"`
	Timestamp    time.Time `json:"timestamp"`
	Source       string    `json:"source,omitempty"`
	Destination  string    `json:"destination,omitempty"`
	GenerationID uint64    `json:"generation_id,omitempty"`
	Escaper      string    `json:"escaper,omitempty"`
	Side         string    `json:"side,omitempty"`
	ServerName   string    `json:"server_name,omitempty"`
	Protocol     string    `json:"protocol,omitempty"`
	ErrorKind    string    `json:"error_kind,omitempty"`
	Error        string    `json:"error,omitempty"`
	Upload       int64     `json:"upload,omitempty"`
	Download     int64     `json:"download,omitempty"`
	DurationMs   int64     `json:"duration_ms,omitempty"`
}

func NewSessionID() uuid.UUID {
	return uuid.Must(uuid.NewV4())
}

// Broker fans session events out to API subscribers. Emit never blocks;
// slow subscribers drop their oldest events instead of stalling sessions.
type Broker struct {
	subscriber *observable.Subscriber[Event]
	observer   *observable.Observer[Event]
}

func NewBroker() *Broker {
	subscriber := observable.NewSubscriber[Event](256)
	return &Broker{
		subscriber: subscriber,
		observer:   observable.NewObserver[Event](subscriber, 64),
	}
}

func (b *Broker) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	b.subscriber.Emit(event)
}

func (b *Broker) Subscribe() (observable.Subscription[Event], <-chan struct{}, error) {
	return b.observer.Subscribe()
}

func (b *Broker) UnSubscribe(sub observable.Subscription[Event]) {
	b.observer.UnSubscribe(sub)
}

func (b *Broker) Close() error {
	return b.observer.Close()
}
