package sink

// Record is a single unit of data destined for the remote ingestion endpoint.
// Records are immutable once enqueued; their identity is positional within the
// batch they are submitted in, there is no stable per-record id.
type Record struct {
	// Opaque payload.
	Data []byte
	// Key used by the endpoint to partition records. May be empty.
	PartitionKey string
}

// Size returns the number of bytes the record contributes to a batch.
func (r Record) Size() int {
	return len(r.Data) + len(r.PartitionKey)
}
