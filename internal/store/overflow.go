package store

import (
	"time"
)

// pendingRecord is a durably-unwritten record held in memory during a
// storage outage.
type pendingRecord struct {
	log      LogName
	payload  []byte
	queuedAt time.Time
	// desc identifies the record for data-loss logging (what/when).
	desc string
	// record carries the typed form so the commit observer can be notified
	// once the record finally reaches disk.
	record CommittedRecord
}

// overflowRing is a bounded FIFO of pending records. When full, pushing
// evicts the oldest entry so the buffer never grows past max.
type overflowRing struct {
	max     int
	entries []pendingRecord
}

func newOverflowRing(max int) *overflowRing {
	if max <= 0 {
		max = 1
	}
	return &overflowRing{max: max}
}

// push enqueues rec. If the ring is full the oldest entry is evicted and
// returned so the caller can raise a data-loss warning.
func (r *overflowRing) push(rec pendingRecord) (dropped *pendingRecord) {
	if len(r.entries) >= r.max {
		old := r.entries[0]
		r.entries = append(r.entries[:0], r.entries[1:]...)
		dropped = &old
	}
	r.entries = append(r.entries, rec)
	return dropped
}

// peek returns the oldest pending record without removing it.
func (r *overflowRing) peek() (pendingRecord, bool) {
	if len(r.entries) == 0 {
		return pendingRecord{}, false
	}
	return r.entries[0], true
}

// pop removes the oldest pending record.
func (r *overflowRing) pop() {
	if len(r.entries) > 0 {
		r.entries = append(r.entries[:0], r.entries[1:]...)
	}
}

func (r *overflowRing) len() int {
	return len(r.entries)
}
