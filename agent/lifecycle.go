package agent

// State is the connection state of a session.
type State string

// Session states. Created moves to Connected on Connect; Connected ends in
// Closed on Close or Failed when the transport breaks.
const (
	StateCreated   State = "created"
	StateConnected State = "connected"
	StateClosed    State = "closed"
	StateFailed    State = "failed"
)

// EventType names a lifecycle event.
type EventType string

// Lifecycle events.
const (
	EventCreated   EventType = "created"
	EventConnected EventType = "connected"
	EventForked    EventType = "forked"
	EventClosing   EventType = "closing"
	EventClosed    EventType = "closed"
	EventFailed    EventType = "failed"
)

// LifecycleEvent reports a session transition. ParentID is set on forked
// events; Err on failed events.
type LifecycleEvent struct {
	Type      EventType
	SessionID string
	ParentID  string
	Err       error
}

// LifecycleHandler receives lifecycle events. It is called synchronously
// and must return quickly.
type LifecycleHandler func(LifecycleEvent)
