// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package connmgr

import "errors"

// Manager errors.
var (
	ErrManagerClosed = errors.New("connection manager closed")
	ErrNoEndpoints   = errors.New("no broker endpoints configured")
	ErrNilDialer     = errors.New("nil transport dialer")
)
