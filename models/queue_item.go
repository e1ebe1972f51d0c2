package models

import (
	"database/sql"
	"database/sql/driver"
	"fmt"
	"time"

	types "github.com/Shyp/go-types"
)

type QueueItemStatus string

// StatusPending indicates an item is waiting for its first delivery attempt.
const StatusPending = QueueItemStatus("pending")

// StatusProcessing indicates a worker has claimed the item and is calling
// the remote provider. Claimed items are invisible to Acquire, which is how
// two overlapping worker ticks avoid double delivery.
const StatusProcessing = QueueItemStatus("processing")

// StatusCompleted indicates the archive was mirrored remotely (or the remote
// conversation no longer exists, which is the same end state).
const StatusCompleted = QueueItemStatus("completed")

// StatusFailed indicates the last attempt failed. The item is retried with
// backoff until attempts reaches max_attempts, after which it is terminal.
const StatusFailed = QueueItemStatus("failed")

// An ArchiveQueueItem is a durable unit of work: "mirror this thread's
// archived state to Gmail." At most one item exists per thread (unique
// constraint on thread_id); re-archiving a thread resets the existing item
// rather than appending a second one.
type ArchiveQueueItem struct {
	ID       types.PrefixUUID `json:"id"`
	UserID   types.PrefixUUID `json:"user_id"`
	ThreadID types.PrefixUUID `json:"thread_id"`
	// Denormalized from the thread so the worker can call Gmail without a
	// join.
	ConversationID string          `json:"conversation_id"`
	Status         QueueItemStatus `json:"status"`
	Attempts       uint8           `json:"attempts"`
	MaxAttempts    uint8           `json:"max_attempts"`
	ErrorMessage   sql.NullString  `json:"error_message"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	ProcessedAt    types.NullTime  `json:"processed_at"`
	NextRetryAt    types.NullTime  `json:"next_retry_at"`
}

// Scan implements the Scanner interface.
func (s *QueueItemStatus) Scan(src interface{}) error {
	if src == nil {
		return nil
	} else if txt, ok := src.(string); ok {
		*s = QueueItemStatus(txt)
		return nil
	} else if txt, ok := src.([]byte); ok {
		*s = QueueItemStatus(string(txt))
		return nil
	}
	return fmt.Errorf("Unsupported QueueItemStatus: %#v", src)
}

func (s QueueItemStatus) Value() (driver.Value, error) {
	return string(s), nil
}
