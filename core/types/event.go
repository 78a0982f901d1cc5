package types

// Event represents a typed event emitted during state transitions.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// EventRecord is an event as it was committed to the journal: its global
// sequence number and the runtime timestamp of the call that produced it.
type EventRecord struct {
	Sequence   int64             `json:"sequence"`
	Timestamp  int64             `json:"timestamp"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// Clone returns a deep copy of the record.
func (r EventRecord) Clone() EventRecord {
	out := r
	out.Attributes = make(map[string]string, len(r.Attributes))
	for k, v := range r.Attributes {
		out.Attributes[k] = v
	}
	return out
}

// Attr returns the attribute value for key or an empty string.
func (r EventRecord) Attr(key string) string {
	if r.Attributes == nil {
		return ""
	}
	return r.Attributes[key]
}
