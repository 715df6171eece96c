// Package reqqueue implements the post-copy urgent-request FIFO: a queue of on-demand page ranges from the destination, serviced
// ahead of the scanner's background round-robin.
package reqqueue

import (
	"errors"
	"sync"

	"github.com/relmigrate/relmigrate/region"
)

// ErrOutOfRange is returned by Enqueue when offset+length exceeds the
// region's used length.
var ErrOutOfRange = errors.New("reqqueue: offset+length exceeds region used_length")

// entry is one queued byte range, split down to target-page granularity
// by Dequeue as needed.
type entry struct {
	r      *region.Region
	offset int64
	length int64
}

// Queue is the FIFO of outstanding urgent requests, protected by its own
// mutex.
type Queue struct {
	mu       sync.Mutex
	entries  []*entry
	lastUsed *region.Region // reused when Enqueue's reg is nil
	urgent   chan struct{}  // signaled (non-blocking) whenever a new entry lands
}

// New constructs an empty Queue.
func New() *Queue {
	return &Queue{urgent: make(chan struct{}, 1)}
}

// Enqueue adds a page range request. If reg is nil, the last region used
// by a previous Enqueue call is reused. Enqueue returns ErrOutOfRange
// when offset+length exceeds the region's UsedLength, or when reg is nil
// and no earlier call named a region.
func (q *Queue) Enqueue(reg *region.Region, offset, length int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if reg == nil {
		reg = q.lastUsed
	}

	if reg == nil {
		return ErrOutOfRange
	}

	if offset+length > reg.UsedLength {
		return ErrOutOfRange
	}

	q.lastUsed = reg
	q.entries = append(q.entries, &entry{r: reg, offset: offset, length: length})

	select {
	case q.urgent <- struct{}{}:
	default:
	}

	return nil
}

// Urgent returns a channel that is readable whenever the queue has (or
// recently had) pending entries; it coalesces signals so readers should
// re-check Len() rather than assume exactly one entry per receive.
func (q *Queue) Urgent() <-chan struct{} { return q.urgent }

// Len reports the number of outstanding (possibly multi-page) entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.entries)
}

// DequeueOne pops one target-page worth from the head entry, splitting it
// if longer than pageSize, and releases the region reference when the
// head is fully consumed. ok is false when the
// queue is empty.
func (q *Queue) DequeueOne(pageSize int64) (reg *region.Region, offset int64, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return nil, 0, false
	}

	head := q.entries[0]
	reg = head.r
	offset = head.offset

	if head.length <= pageSize {
		q.entries = q.entries[1:]
	} else {
		head.offset += pageSize
		head.length -= pageSize
	}

	return reg, offset, true
}
