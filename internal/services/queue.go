package services

import (
	"time"

	"github.com/google/uuid"
	"github.com/studysync-app/studysync/internal/models"
)

// writeQueue is the per-owner FIFO of writes pending confirmation. Entries
// for the same (category, id) are never coalesced: the earlier write is
// attempted first and, if both succeed, the later version wins at the store
// layer anyway.
type writeQueue struct {
	items []*models.QueuedWrite
}

func newWriteQueue() *writeQueue {
	return &writeQueue{}
}

// push appends a record to the tail of the queue.
func (q *writeQueue) push(record models.SyncRecord) *models.QueuedWrite {
	item := &models.QueuedWrite{
		QueueID:    uuid.New(),
		Record:     record,
		Attempts:   0,
		EnqueuedAt: time.Now(),
	}
	q.items = append(q.items, item)
	return item
}

// peekAll returns the queued writes in enqueue order. The slice is a copy;
// the items are shared so attempt counts stick.
func (q *writeQueue) peekAll() []*models.QueuedWrite {
	out := make([]*models.QueuedWrite, len(q.items))
	copy(out, q.items)
	return out
}

// removeSucceeded drops the named entries, preserving the order of the rest.
func (q *writeQueue) removeSucceeded(ids []uuid.UUID) {
	if len(ids) == 0 {
		return
	}
	succeeded := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		succeeded[id] = true
	}

	remaining := q.items[:0]
	for _, item := range q.items {
		if !succeeded[item.QueueID] {
			remaining = append(remaining, item)
		}
	}
	q.items = remaining
}

func (q *writeQueue) size() int {
	return len(q.items)
}
