package scheduler

// mainQueue is the process-local buffer of generated jobs. The contract is
// the selection rule, not the structure: extract the minimum priority across
// all tenants, earliest insertion wins on ties. A linear scan is fine at the
// scales the harness runs at (the queue stays well under a few thousand
// entries because dispatch drains it every tick).
type mainQueue struct {
	entries []mainQueueEntry
	seq     int64
}

type mainQueueEntry struct {
	job MainQueueJob
	seq int64
}

func newMainQueue() *mainQueue {
	return &mainQueue{}
}

func (q *mainQueue) push(job MainQueueJob) {
	q.seq++
	q.entries = append(q.entries, mainQueueEntry{job: job, seq: q.seq})
}

// popMin removes and returns the globally highest-priority job (smallest
// number), or nil when the queue is empty. Tenant capacity is the caller's
// concern.
func (q *mainQueue) popMin() *MainQueueJob {
	if len(q.entries) == 0 {
		return nil
	}
	best := 0
	for i := 1; i < len(q.entries); i++ {
		e, b := q.entries[i], q.entries[best]
		if e.job.Priority < b.job.Priority ||
			(e.job.Priority == b.job.Priority && e.seq < b.seq) {
			best = i
		}
	}
	job := q.entries[best].job
	q.entries = append(q.entries[:best], q.entries[best+1:]...)
	return &job
}

func (q *mainQueue) len() int {
	return len(q.entries)
}
