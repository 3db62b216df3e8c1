package controlplane

import (
	"log"

	"harness-mux/internal/wire"
)

// journal is the in-memory, bounded ring of ObservedEvents the server
// publishes to stream subscribers. It is independent of the durable event
// store: the journal exists only to drive live stream.event pushes and
// journal-gap detection for subscribers that fall behind, while the event
// store is the durable per-conversation log.
type journal struct {
	buf        []wire.ObservedEvent
	cap        int
	nextCursor int64

	subs map[string]*subscription
}

// subscription is a stream.subscribe registration: a scope filter and the
// connection's outbound channel to push matching ObservedEvents to.
type subscription struct {
	id            string
	connID        string
	filter        wire.Scope
	includeOutput bool
	push          func(wire.PushEnvelope) bool // false means the send was dropped (backpressure)
}

func newJournal(capacity int) *journal {
	return &journal{
		buf:  make([]wire.ObservedEvent, 0, capacity),
		cap:  capacity,
		subs: make(map[string]*subscription),
	}
}

// oldestCursor returns the cursor of the oldest retained event, or the next
// cursor to be assigned if the journal is empty (meaning nothing is
// retained yet, so any afterCursor is satisfiable going forward).
func (j *journal) oldestCursor() int64 {
	if len(j.buf) == 0 {
		return j.nextCursor
	}
	return j.buf[0].Cursor
}

// Publish appends ev (stamping its cursor) to the ring, trimming the
// oldest entry if at capacity, then fans it out to every subscription whose
// filter matches. Callers must hold the server's lock: publish-while-locked
// is what guarantees a subscribe enrolled under the same lock never misses
// the event that triggered it.
func (j *journal) Publish(ev wire.ObservedEvent) wire.ObservedEvent {
	j.nextCursor++
	ev.Cursor = j.nextCursor
	if len(j.buf) >= j.cap {
		j.buf = j.buf[1:]
	}
	j.buf = append(j.buf, ev)

	for _, sub := range j.subs {
		if !sub.wants(ev) {
			continue
		}
		evCopy := ev
		envelope := wire.PushEnvelope{
			Type:           wire.PushTypeStreamEvent,
			Cursor:         ev.Cursor,
			SubscriptionID: sub.id,
			Observed:       &evCopy,
		}
		if !sub.push(envelope) {
			log.Printf("controlplane: subscription %s dropped (backpressure)", sub.id)
			delete(j.subs, sub.id)
		}
	}
	return ev
}

// wants applies the subscription's conjunctive scope filter plus the
// includeOutput gate: session-output events are delivered only when the
// subscriber opted in.
func (s *subscription) wants(ev wire.ObservedEvent) bool {
	if ev.Type == wire.EventSessionOutput && !s.includeOutput {
		return false
	}
	return s.filter.Matches(ev.Scope)
}

// Subscribe registers sub and returns the replay slice of retained events
// with cursor > afterCursor matching the subscription's filter, plus whether
// a gap occurred (afterCursor was older than the oldest retained event,
// meaning some matching events may already have been evicted from the ring).
func (j *journal) Subscribe(sub *subscription, afterCursor int64) ([]wire.ObservedEvent, bool) {
	j.subs[sub.id] = sub
	gap := afterCursor > 0 && afterCursor < j.oldestCursor()-1
	var replay []wire.ObservedEvent
	for _, ev := range j.buf {
		if ev.Cursor > afterCursor && sub.wants(ev) {
			replay = append(replay, ev)
		}
	}
	return replay, gap
}

// CurrentCursor returns the highest cursor assigned so far.
func (j *journal) CurrentCursor() int64 {
	return j.nextCursor
}

// Unsubscribe removes a subscription by id. Idempotent.
func (j *journal) Unsubscribe(id string) {
	delete(j.subs, id)
}
