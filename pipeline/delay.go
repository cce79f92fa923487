// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"sync"
	"time"

	"github.com/natspipe/natspipe/envelope"
	"github.com/natspipe/natspipe/ratelimit"
)

// delayQueue holds rate-limited envelopes and re-submits them one by
// one as tokens replenish. A single drain goroutine preserves arrival
// order.
type delayQueue struct {
	limiter *ratelimit.Limiter
	submit  func(*envelope.Envelope)

	mu       sync.Mutex
	items    []*envelope.Envelope
	draining bool
	stopped  bool
	stopCh   chan struct{}
	done     sync.WaitGroup
}

func newDelayQueue(limiter *ratelimit.Limiter, submit func(*envelope.Envelope)) *delayQueue {
	return &delayQueue{
		limiter: limiter,
		submit:  submit,
		stopCh:  make(chan struct{}),
	}
}

// enqueue appends the envelope and starts the drain goroutine if idle.
func (q *delayQueue) enqueue(env *envelope.Envelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return ErrPipelineClosed
	}
	q.items = append(q.items, env)
	if !q.draining {
		q.draining = true
		q.done.Add(1)
		go q.drain()
	}
	return nil
}

func (q *delayQueue) drain() {
	defer q.done.Done()

	for {
		q.mu.Lock()
		if q.stopped || len(q.items) == 0 {
			q.draining = false
			q.mu.Unlock()
			return
		}
		env := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()

		if d := q.limiter.ReserveDelay(); d > 0 {
			timer := time.NewTimer(d)
			select {
			case <-timer.C:
			case <-q.stopCh:
				timer.Stop()
				// Put the envelope back so shutdown can persist it.
				q.mu.Lock()
				q.items = append([]*envelope.Envelope{env}, q.items...)
				q.draining = false
				q.mu.Unlock()
				return
			}
		}

		// The reservation above already consumed a token; the flag
		// makes the limiter stage skip this envelope on re-submission.
		env.RateLimited = true
		q.submit(env)
	}
}

// stop halts draining and returns the envelopes still pending.
func (q *delayQueue) stop() []*envelope.Envelope {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil
	}
	q.stopped = true
	close(q.stopCh)
	q.mu.Unlock()

	q.done.Wait()

	q.mu.Lock()
	defer q.mu.Unlock()
	rest := q.items
	q.items = nil
	return rest
}
