package metadata

// Metadata represents the headers carried alongside an event.
type Metadata map[string]string

// Reserved header names written and read by the pipeline.
const (
	// KeyCorrelationID tracks related messages across services.
	KeyCorrelationID = "correlation_id"

	// KeyPartitionKey carries the envelope partition key. Kafka publishers
	// use it as the record key so same-key events land on one partition.
	KeyPartitionKey = "partition_key"

	// KeyEventName mirrors the envelope event name for broker-side filtering.
	KeyEventName = "event_name"

	// KeyJobID correlates completion notifications with the originating job.
	KeyJobID = "job_id"

	// KeyErrorType is set on dead-letter messages.
	KeyErrorType = "error_type"

	// KeyTraceID stores the distributed tracing ID.
	KeyTraceID = "trace_id"
)

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

// WithAll returns a cloned metadata map containing the supplied entries.
func (m Metadata) WithAll(entries Metadata) Metadata {
	cloned := m.cloneWithExtra(len(entries))
	for k, v := range entries {
		cloned[k] = v
	}
	return cloned
}

// PartitionKey returns the partition key header, if any.
func (m Metadata) PartitionKey() string {
	return m[KeyPartitionKey]
}

// CorrelationID returns the correlation header, if any.
func (m Metadata) CorrelationID() string {
	return m[KeyCorrelationID]
}

// New constructs a Metadata map from alternating key/value pairs.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}
