// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package pipeline

import "errors"

// Pipeline errors.
var (
	ErrPipelineClosed = errors.New("pipeline closed")
	ErrNotConnected   = errors.New("not connected and buffering disabled")
	ErrBufferFull     = errors.New("durable buffer full")
	ErrRateLimited    = errors.New("rate limit exceeded")
	ErrInvalidSubject = errors.New("empty subject")
	ErrSerialize      = errors.New("payload could not be encoded")
)
