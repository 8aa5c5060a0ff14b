// Package recovery revives BROKEN agents. The dispatcher enqueues an
// agent id when it demotes an agent; the recoverer drains the queue and,
// depending on the broken reason, probes reachability or cancels the
// stuck remote task. Unrecovered agents are retried with a fixed delay
// for up to the give-up window.
package recovery

import (
	"log/slog"
	"time"
)

// queueCapacity bounds the recovery channel. The fleet is tiny compared
// to this; hitting the bound means something is seriously wrong and
// dropping is better than blocking a dispatch.
const queueCapacity = 1024

type entry struct {
	agentID    string
	enqueuedAt time.Time
}

// Queue is the multi-producer, single-consumer channel between the
// dispatcher and the recoverer.
type Queue struct {
	ch  chan entry
	log *slog.Logger
}

// NewQueue creates the recovery queue.
func NewQueue(log *slog.Logger) *Queue {
	return &Queue{
		ch:  make(chan entry, queueCapacity),
		log: log.With("component", "recovery"),
	}
}

// Enqueue adds an agent for recovery, stamped with the current time. The
// stamp survives re-enqueues, so the give-up window measures time since
// the original failure.
func (q *Queue) Enqueue(agentID string) {
	q.push(entry{agentID: agentID, enqueuedAt: time.Now()})
}

func (q *Queue) push(e entry) {
	select {
	case q.ch <- e:
	default:
		q.log.Warn("recovery queue full, dropping entry", "agent_id", e.agentID)
	}
}

// Len returns the number of queued entries.
func (q *Queue) Len() int {
	return len(q.ch)
}
