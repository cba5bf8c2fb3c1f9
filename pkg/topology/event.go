package topology

import "fmt"

// EventType enumerates the listener events.
type EventType int

const (
    // TopologyInit is the first event a listener receives, carrying the
    // current view.
    TopologyInit EventType = iota + 1
    // TopologyChanging announces that the old view is no longer valid.
    TopologyChanging
    // TopologyChanged carries the old and the new view.
    TopologyChanged
    // PropertiesChanged reports a change of instance properties only.
    PropertiesChanged
)

func (t EventType) String() string {
    switch t {
    case TopologyInit:
        return "TOPOLOGY_INIT"
    case TopologyChanging:
        return "TOPOLOGY_CHANGING"
    case TopologyChanged:
        return "TOPOLOGY_CHANGED"
    case PropertiesChanged:
        return "PROPERTIES_CHANGED"
    }
    return fmt.Sprintf("EventType(%d)", int(t))
}

// Event is delivered to listeners. Old is nil for TopologyInit, New is nil
// for TopologyChanging.
type Event struct {
    Type EventType
    Old  *View
    New  *View
}

func (e Event) String() string {
    return fmt.Sprintf("%s(old=%s new=%s)", e.Type, e.Old, e.New)
}

// Listener receives topology events. Calls for one listener never overlap.
type Listener interface {
    HandleTopologyEvent(Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(Event)

func (f ListenerFunc) HandleTopologyEvent(e Event) { f(e) }

// Syncer is the barrier run before a new view is announced. Sync must return
// quickly and invoke done later from another goroutine; CancelSync aborts the
// pending barrier without calling done.
type Syncer interface {
    Sync(v *View, done func())
    CancelSync()
}
