// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package connmgr

import (
	"sync"
	"time"
)

// StatusEvent is an immutable notification of a connection status
// transition. It is delivered synchronously to every subscribed
// listener; listeners must not block.
type StatusEvent struct {
	Status            Status
	ReconnectAttempts int
	Uptime            time.Duration
}

// Listener receives status events.
type Listener func(StatusEvent)

// listenerSet is the broadcast registry for status events. Listener
// lifetime is bounded by the cancel function returned on subscribe,
// so no global mutable listener sets leak across components.
type listenerSet struct {
	mu        sync.Mutex
	listeners map[uint64]Listener
	nextID    uint64
}

func newListenerSet() *listenerSet {
	return &listenerSet{listeners: make(map[uint64]Listener)}
}

// add registers a listener and returns its cancel function.
func (ls *listenerSet) add(l Listener) func() {
	ls.mu.Lock()
	id := ls.nextID
	ls.nextID++
	ls.listeners[id] = l
	ls.mu.Unlock()

	return func() {
		ls.mu.Lock()
		delete(ls.listeners, id)
		ls.mu.Unlock()
	}
}

// notify delivers the event to all registered listeners. Listeners are
// invoked outside the registry lock so a listener may unsubscribe
// itself or subscribe others without deadlocking.
func (ls *listenerSet) notify(ev StatusEvent) {
	ls.mu.Lock()
	snapshot := make([]Listener, 0, len(ls.listeners))
	for _, l := range ls.listeners {
		snapshot = append(snapshot, l)
	}
	ls.mu.Unlock()

	for _, l := range snapshot {
		l(ev)
	}
}

func (ls *listenerSet) len() int {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.listeners)
}
