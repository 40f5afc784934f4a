package server

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/pagesync/internal/pages"
)

const (
	realtimeEventHeartbeat = "heartbeat"
	realtimeSource         = "pagesync"
	realtimeBufferSize     = 16
)

// RealtimeMessage is one page event delivered to stream subscribers.
type RealtimeMessage struct {
	PageID    string    `json:"page_id"`
	EventType string    `json:"event_type"`
	Actor     string    `json:"actor,omitempty"`
	Version   int64     `json:"version"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

// RealtimeDispatcher fans page events out to subscribers of that page. It implements
// pages.EventPublisher; slow subscribers drop messages instead of blocking publishers.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  realtimeBufferSize,
	}
}

// Subscribe registers a stream for pageID until ctx ends or the returned cleanup runs.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, pageID string) (<-chan RealtimeMessage, func()) {
	if pageID == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(pageID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(pageID, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish converts a page event and delivers it to the page's subscribers.
func (d *RealtimeDispatcher) Publish(event pages.Event) {
	d.deliver(RealtimeMessage{
		PageID:    event.PageID,
		EventType: string(event.Type),
		Actor:     event.Actor,
		Version:   event.Version,
		Timestamp: event.Timestamp.UTC(),
		Source:    realtimeSource,
	})
}

// SubscriberCount reports the live subscribers of pageID.
func (d *RealtimeDispatcher) SubscriberCount(pageID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[pageID])
}

func (d *RealtimeDispatcher) deliver(message RealtimeMessage) {
	if message.PageID == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.PageID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(pageID string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[pageID]; !ok {
		d.subscribers[pageID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[pageID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(pageID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[pageID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, pageID)
		}
	}
	d.mu.Unlock()
}
