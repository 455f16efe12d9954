/*
Package events is an in-process publish/subscribe broker for orchestrator
events.

Handlers, the reconciler and the manager publish an Event whenever a UCI
changes state, fails, a zombie instance is detected or a snapshot is deleted:

	broker.Publish(&events.Event{
		Type:    events.EventUCIStateChanged,
		UCIID:   uci.ID,
		Message: "submitted -> pending",
	})

Publish never blocks the caller. Events are buffered and fanned out to
subscribers by a single goroutine; an event is dropped for a subscriber whose
buffer is full, and dropped entirely when the broker queue is full. Events are
notifications only: the store stays the source of truth.

Publish on a nil *Broker is a no-op, so components can run without one.

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)
	for event := range sub {
		fmt.Println(event.Type, event.UCIID)
	}
*/
package events
