package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/ternarybob/scriba/internal/models"
)

// Task is the queue payload: a pointer to a registry record, not the job
// itself. Workers re-read the record on receipt, so a stale task for a
// cancelled or vanished job is simply acked and dropped.
type Task struct {
	JobID      string    `json:"job_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// queueMessage is the internal structure stored in Badger
type queueMessage struct {
	ID           string    `json:"id"`
	Body         Task      `json:"body"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
	VisibleAt    time.Time `json:"visible_at"`
	ReceiveCount int       `json:"receive_count"`
}

// Delivery is a received task plus its settlement handles. Exactly one of
// Ack or Nack should be called; an unsettled delivery reappears after the
// visibility timeout.
type Delivery struct {
	Task         Task
	ReceiveCount int

	ack  func() error
	nack func(delay time.Duration) error
}

// Ack removes the message from the queue.
func (d *Delivery) Ack() error { return d.ack() }

// Nack makes the message visible again after delay, for retry requeue.
func (d *Delivery) Nack(delay time.Duration) error { return d.nack(delay) }

// WorkQueue is a persistent FIFO-ish queue on Badger. Message data lives at
// queue:{name}:msg:{id}; a visibility index at
// queue:{name}:index:{visibleAt}:{id} orders delivery. Receiving a message
// bumps its VisibleAt, so a worker crash returns the message to the queue
// after the visibility timeout: at-least-once delivery.
type WorkQueue struct {
	db                *badger.DB
	queueName         string
	visibilityTimeout time.Duration
}

// NewWorkQueue creates a new Badger-backed work queue
func NewWorkQueue(db *badger.DB, queueName string, visibilityTimeout time.Duration) (*WorkQueue, error) {
	if db == nil {
		return nil, errors.New("badger db is required")
	}
	if queueName == "" {
		return nil, errors.New("queue name is required")
	}
	if visibilityTimeout <= 0 {
		visibilityTimeout = 5 * time.Minute
	}

	return &WorkQueue{
		db:                db,
		queueName:         queueName,
		visibilityTimeout: visibilityTimeout,
	}, nil
}

// Push adds a task to the queue, immediately visible.
func (q *WorkQueue) Push(ctx context.Context, task Task) error {
	id := uuid.New().String()

	qMsg := queueMessage{
		ID:         id,
		Body:       task,
		EnqueuedAt: time.Now(),
		VisibleAt:  time.Now(),
	}

	data, err := json.Marshal(qMsg)
	if err != nil {
		return fmt.Errorf("failed to marshal queue message: %w", err)
	}

	return q.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(q.msgKey(id), data); err != nil {
			return err
		}
		return txn.Set(q.indexKey(qMsg.VisibleAt, id), []byte{})
	})
}

// Receive pulls the next visible task from the queue, or
// models.ErrQueueEmpty when nothing is ready.
func (q *WorkQueue) Receive(ctx context.Context) (*Delivery, error) {
	var qMsg queueMessage
	var msgID string
	var oldIndexKey []byte

	err := q.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := []byte(fmt.Sprintf("queue:%s:index:", q.queueName))
		it := txn.NewIterator(opts)
		defer it.Close()

		now := time.Now()
		found := false

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := item.KeyCopy(nil)

			ts, id, err := q.parseIndexKey(key)
			if err != nil {
				continue // Skip invalid keys
			}

			if ts.After(now) {
				// Keys sort by timestamp; nothing later is ready either.
				break
			}

			msgItem, err := txn.Get(q.msgKey(id))
			if err != nil {
				if err == badger.ErrKeyNotFound {
					// Orphaned index entry, clean it up
					if err := txn.Delete(key); err != nil {
						return err
					}
					continue
				}
				return err
			}

			if err := msgItem.Value(func(val []byte) error {
				return json.Unmarshal(val, &qMsg)
			}); err != nil {
				return err
			}

			found = true
			msgID = id
			oldIndexKey = key
			break
		}

		if !found {
			return models.ErrQueueEmpty
		}

		// Claim: bump receive count and push visibility forward so no other
		// worker sees this message until we settle it or crash.
		qMsg.ReceiveCount++
		qMsg.VisibleAt = time.Now().Add(q.visibilityTimeout)

		newData, err := json.Marshal(qMsg)
		if err != nil {
			return err
		}
		if err := txn.Set(q.msgKey(msgID), newData); err != nil {
			return err
		}

		if err := txn.Delete(oldIndexKey); err != nil {
			return err
		}
		return txn.Set(q.indexKey(qMsg.VisibleAt, msgID), []byte{})
	})
	if err != nil {
		return nil, err
	}

	return &Delivery{
		Task:         qMsg.Body,
		ReceiveCount: qMsg.ReceiveCount,
		ack:          func() error { return q.remove(msgID) },
		nack:         func(delay time.Duration) error { return q.reschedule(msgID, delay) },
	}, nil
}

// ReceiveWait polls Receive until a task arrives, the wait elapses, or ctx
// is done. Empty returns models.ErrQueueEmpty.
func (q *WorkQueue) ReceiveWait(ctx context.Context, wait, pollInterval time.Duration) (*Delivery, error) {
	if pollInterval <= 0 {
		pollInterval = 250 * time.Millisecond
	}
	deadline := time.Now().Add(wait)

	for {
		delivery, err := q.Receive(ctx)
		if err == nil {
			return delivery, nil
		}
		if err != models.ErrQueueEmpty {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, models.ErrQueueEmpty
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// Depth returns the number of messages in the queue, visible or in flight.
func (q *WorkQueue) Depth(ctx context.Context) (int, error) {
	count := 0
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := []byte(fmt.Sprintf("queue:%s:msg:", q.queueName))
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count queue messages: %w", err)
	}
	return count, nil
}

// remove deletes a settled message and its index entry.
func (q *WorkQueue) remove(messageID string) error {
	return q.db.Update(func(txn *badger.Txn) error {
		msgKey := q.msgKey(messageID)
		item, err := txn.Get(msgKey)
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return nil // Already deleted
			}
			return err
		}

		var current queueMessage
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &current)
		}); err != nil {
			return err
		}

		if err := txn.Delete(q.indexKey(current.VisibleAt, messageID)); err != nil {
			if err != badger.ErrKeyNotFound {
				return err
			}
		}
		return txn.Delete(msgKey)
	})
}

// reschedule makes a claimed message visible again after delay.
func (q *WorkQueue) reschedule(messageID string, delay time.Duration) error {
	return q.db.Update(func(txn *badger.Txn) error {
		msgKey := q.msgKey(messageID)
		item, err := txn.Get(msgKey)
		if err != nil {
			return err
		}

		var current queueMessage
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &current)
		}); err != nil {
			return err
		}

		oldVisibleAt := current.VisibleAt
		current.VisibleAt = time.Now().Add(delay)

		newData, err := json.Marshal(current)
		if err != nil {
			return err
		}
		if err := txn.Set(msgKey, newData); err != nil {
			return err
		}

		if err := txn.Delete(q.indexKey(oldVisibleAt, messageID)); err != nil {
			if err != badger.ErrKeyNotFound {
				return err
			}
		}
		return txn.Set(q.indexKey(current.VisibleAt, messageID), []byte{})
	})
}

// Close closes the queue (no-op, the DB is managed externally)
func (q *WorkQueue) Close() error {
	return nil
}

// Helpers

func (q *WorkQueue) msgKey(id string) []byte {
	return []byte(fmt.Sprintf("queue:%s:msg:%s", q.queueName, id))
}

func (q *WorkQueue) indexKey(visibleAt time.Time, id string) []byte {
	ts := visibleAt.UnixNano()
	// Zero pad to 20 digits so string ordering matches numeric ordering
	return []byte(fmt.Sprintf("queue:%s:index:%020d:%s", q.queueName, ts, id))
}

func (q *WorkQueue) parseIndexKey(key []byte) (time.Time, string, error) {
	prefixStr := fmt.Sprintf("queue:%s:index:", q.queueName)
	if len(key) <= len(prefixStr) {
		return time.Time{}, "", fmt.Errorf("invalid key length")
	}

	suffix := string(key[len(prefixStr):])
	if len(suffix) < 21 { // 20 digits + 1 colon
		return time.Time{}, "", fmt.Errorf("invalid suffix length")
	}

	tsStr := suffix[:20]
	id := suffix[21:]

	var ts int64
	if _, err := fmt.Sscanf(tsStr, "%d", &ts); err != nil {
		return time.Time{}, "", err
	}

	return time.Unix(0, ts), id, nil
}
