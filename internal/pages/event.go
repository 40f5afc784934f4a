package pages

import "time"

// EventType names a page lifecycle notification.
type EventType string

const (
	EventLockAcquired EventType = "lock-acquired"
	EventLockRenewed  EventType = "lock-renewed"
	EventLockReleased EventType = "lock-released"
	EventLockForced   EventType = "lock-forced"
	EventSyncQueued   EventType = "sync-queued"
	EventSynced       EventType = "page-synced"
	EventSyncFailed   EventType = "sync-failed"
)

// Event is published whenever a page lock or sync state changes.
type Event struct {
	PageID    string
	Type      EventType
	Actor     string
	Version   int64
	Timestamp time.Time
}

// EventPublisher receives page events. Implementations must not block.
type EventPublisher interface {
	Publish(event Event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(Event) {}

// NopPublisher discards every event.
func NopPublisher() EventPublisher {
	return nopPublisher{}
}
