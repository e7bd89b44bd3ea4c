package manager

// Event names published by the manager.
const (
	EventLoadStart        = "load.start"
	EventLoadProgress     = "load.progress"
	EventLoadDone         = "load.done"
	EventLoadError        = "load.error"
	EventGenStart         = "gen.start"
	EventGenCommit        = "gen.commit"
	EventGenDone          = "gen.done"
	EventGenCancel        = "gen.cancel"
	EventGenError         = "gen.error"
	EventUnload           = "unload"
	EventCleanupEmergency = "cleanup.emergency"
)

// Event is one manager lifecycle event. Minimal and stable: name + model ID
// and optional fields via key/values.
type Event struct {
	Name    string
	ModelID string
	Fields  map[string]any
}

// EventPublisher receives events from the manager. Implementations should be
// lightweight and non-blocking; Publish must not panic.
type EventPublisher interface {
	Publish(Event)
}

// noopPublisher is the default; it drops events.
type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}
