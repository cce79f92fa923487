// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package connmgr

import "sync/atomic"

// Status represents the shared connection status.
type Status uint32

// Connection statuses.
const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusClosed
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// stateMachine handles atomic status transitions.
type stateMachine struct {
	state uint32
}

func newStateMachine() *stateMachine {
	return &stateMachine{state: uint32(StatusDisconnected)}
}

// get returns the current status.
func (sm *stateMachine) get() Status {
	return Status(atomic.LoadUint32(&sm.state))
}

// set unconditionally sets the status.
func (sm *stateMachine) set(s Status) {
	atomic.StoreUint32(&sm.state, uint32(s))
}

// transition attempts to move from one status to another.
// Returns true if successful.
func (sm *stateMachine) transition(from, to Status) bool {
	return atomic.CompareAndSwapUint32(&sm.state, uint32(from), uint32(to))
}

// isConnected returns true if the connection is established.
func (sm *stateMachine) isConnected() bool {
	return sm.get() == StatusConnected
}

// isClosed returns true if the manager has been permanently closed.
func (sm *stateMachine) isClosed() bool {
	return sm.get() == StatusClosed
}
