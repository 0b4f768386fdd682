package coordinator

import (
	"context"
	"sync"
	"time"
)

// ChangeKind names what a ChangeEvent reports.
type ChangeKind string

const (
	ChangeConversationsSynced ChangeKind = "conversations-synced"
	ChangeMessagesRefreshed   ChangeKind = "messages-refreshed"
	ChangeMessageUpserted     ChangeKind = "message-upserted"
	ChangeMessagesDeleted     ChangeKind = "messages-deleted"
)

// ChangeEvent tells front ends which cached rows changed so they can re-query.
type ChangeEvent struct {
	Kind             ChangeKind
	ConversationKeys []int64
	MessageIDs       []int64
	Timestamp        time.Time
}

// Dispatcher fans change events out to subscribers. Slow subscribers miss events
// rather than stall the coordinator.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*changeSubscriber
	nextID      int64
	bufferSize  int
}

type changeSubscriber struct {
	id     int64
	stream chan ChangeEvent
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[int64]*changeSubscriber),
		bufferSize:  16,
	}
}

func (d *Dispatcher) Subscribe(ctx context.Context) (<-chan ChangeEvent, func()) {
	subscriber := &changeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan ChangeEvent, d.bufferSize),
	}
	d.registerSubscriber(subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (d *Dispatcher) Publish(event ChangeEvent) {
	if event.Kind == "" {
		return
	}
	d.mu.RLock()
	if len(d.subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*changeSubscriber, 0, len(d.subscribers))
	for _, subscriber := range d.subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) registerSubscriber(subscriber *changeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscribers[subscriber.id] = subscriber
}

func (d *Dispatcher) unregisterSubscriber(subscriberID int64) {
	d.mu.Lock()
	delete(d.subscribers, subscriberID)
	d.mu.Unlock()
}
