package models

// MessageStatus is the delivery state of a message. Transitions are
// strictly monotonic: SENT -> DELIVERED -> READ. Acknowledgements can
// arrive out of order across socket hops, so every advance goes through
// CanAdvanceTo rather than a bare field write.
type MessageStatus string

const (
	StatusSent      MessageStatus = "SENT"
	StatusDelivered MessageStatus = "DELIVERED"
	StatusRead      MessageStatus = "READ"
)

var statusRank = map[MessageStatus]int{
	StatusSent:      0,
	StatusDelivered: 1,
	StatusRead:      2,
}

// Valid reports whether s is one of the known statuses.
func (s MessageStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// CanAdvanceTo reports whether moving from s to next is a forward
// transition. A no-op or backward move (READ -> DELIVERED) returns false,
// which callers treat as "already done", not an error.
func (s MessageStatus) CanAdvanceTo(next MessageStatus) bool {
	cur, ok := statusRank[s]
	if !ok {
		return false
	}
	n, ok := statusRank[next]
	if !ok {
		return false
	}
	return n > cur
}

// StatusesBelow returns every status that may still advance to next.
// Used by the repository to build conditional updates: the durable store
// only flips status when the stored value is one of these.
func StatusesBelow(next MessageStatus) []MessageStatus {
	n, ok := statusRank[next]
	if !ok {
		return nil
	}
	var out []MessageStatus
	for s, r := range statusRank {
		if r < n {
			out = append(out, s)
		}
	}
	return out
}
