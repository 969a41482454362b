package sink

// recordQueue is the ordered buffer of records awaiting submission.
// It tracks the cumulative byte size of queued records so flush triggers
// can be evaluated without rescanning. Not safe for concurrent use; the
// owning sink serialises access with its mutex.
type recordQueue struct {
	records []Record
	bytes   int
}

func (q *recordQueue) pushBack(r Record) {
	q.records = append(q.records, r)
	q.bytes += r.Size()
}

func (q *recordQueue) pushFront(r Record) {
	q.records = append([]Record{r}, q.records...)
	q.bytes += r.Size()
}

func (q *recordQueue) len() int {
	return len(q.records)
}

// drain takes ownership of all queued records as one batch and resets the
// queue. The returned slice does not alias queue storage used afterwards.
func (q *recordQueue) drain() []Record {
	batch := q.records
	q.records = nil
	q.bytes = 0
	return batch
}
