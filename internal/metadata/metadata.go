package metadata

import "github.com/google/uuid"

// Metadata represents the headers carried alongside a broker message.
type Metadata map[string]string

// KeyCorrelationID is the header that threads a response back to a specific
// originating call. Its absence means the message is routed by wait key alone.
const KeyCorrelationID = "correlation_id"

func (m Metadata) cloneWithExtra(extra int) Metadata {
	size := len(m) + extra
	if size <= 0 {
		return Metadata{}
	}

	cloned := make(Metadata, size)
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	return m.cloneWithExtra(0)
}

// With returns a cloned metadata map containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.cloneWithExtra(1)
	cloned[key] = value
	return cloned
}

// CorrelationID returns the correlation header value and whether it was set.
func (m Metadata) CorrelationID() (string, bool) {
	v, ok := m[KeyCorrelationID]
	return v, ok && v != ""
}

// WithCorrelationID returns a clone carrying the given correlation id.
func (m Metadata) WithCorrelationID(id string) Metadata {
	return m.With(KeyCorrelationID, id)
}

// New constructs a Metadata map from alternating key/value pairs.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}

// NewCorrelationID mints an opaque correlation id for a multi-hop call chain.
func NewCorrelationID() string {
	return uuid.NewString()
}
