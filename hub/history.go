package hub

import "time"

// HistoryEntry one emission retained for replay
type HistoryEntry struct {
	// Sequence is the hub assigned emission sequence number
	Sequence uint64 `json:"sequence"`
	// Namespace is the namespace the event was emitted to
	Namespace string `json:"namespace"`
	// EventName is the event name
	EventName string `json:"event"`
	// Payload is the event payload
	Payload interface{} `json:"payload"`
	// Timestamp is when the hub accepted the emission
	Timestamp time.Time `json:"timestamp"`
}

// historyRing fixed capacity FIFO of recent emissions. Not thread safe, the hub lock guards it.
type historyRing struct {
	entries []HistoryEntry
	start   int
	count   int
}

func newHistoryRing(capacity int) *historyRing {
	return &historyRing{entries: make([]HistoryEntry, capacity)}
}

// push append an entry, evicting the oldest when full
func (r *historyRing) push(entry HistoryEntry) {
	capacity := len(r.entries)
	if capacity == 0 {
		return
	}
	if r.count < capacity {
		r.entries[(r.start+r.count)%capacity] = entry
		r.count++
		return
	}
	r.entries[r.start] = entry
	r.start = (r.start + 1) % capacity
}

// snapshot the retained entries, oldest first
func (r *historyRing) snapshot() []HistoryEntry {
	result := make([]HistoryEntry, 0, r.count)
	for i := 0; i < r.count; i++ {
		result = append(result, r.entries[(r.start+i)%len(r.entries)])
	}
	return result
}

func (r *historyRing) len() int {
	return r.count
}

func (r *historyRing) clear() {
	r.entries = make([]HistoryEntry, len(r.entries))
	r.start = 0
	r.count = 0
}
