// Logic for interacting with the "archive_queue" table.
package archive_queue

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	dberror "github.com/Shyp/go-dberror"
	types "github.com/Shyp/go-types"
	uuid "github.com/kevinburke/go.uuid"
	"github.com/lib/pq"
	"github.com/tabdash/mailsync/models"
	"github.com/tabdash/mailsync/models/db"
	"github.com/tabdash/mailsync/models/threads"
)

const Prefix = "aq_"

// ErrNotFound indicates that the queue item was not found, or was already
// finalized by another worker.
var ErrNotFound = errors.New("Queue item not found")

// ErrThreadNotFound is returned by Enqueue when the referenced thread does
// not exist.
var ErrThreadNotFound = errors.New("Cannot enqueue archive for a thread that does not exist")

// StuckItemLimit is the maximum number of stuck items to fetch in one
// database query.
var StuckItemLimit = 100

var enqueueStmt *sql.Stmt
var getStmt *sql.Stmt
var getByThreadStmt *sql.Stmt
var acquireStmt *sql.Stmt
var completeStmt *sql.Stmt
var failStmt *sql.Stmt
var countReadyAndAllStmt *sql.Stmt
var countsByStatusStmt *sql.Stmt
var cleanupStmt *sql.Stmt
var oldProcessingStmt *sql.Stmt

func init() {
	dberror.RegisterConstraint(attemptsConstraint)
}

// eligible is the SQL condition for items a worker may claim: fresh items,
// plus failed items whose backoff has elapsed and that have attempts left.
func eligible() string {
	return fmt.Sprintf(`(status = '%s'
		OR (status = '%s' AND attempts < max_attempts AND next_retry_at <= now()))`,
		models.StatusPending, models.StatusFailed)
}

// Setup prepares all database statements.
func Setup() (err error) {
	if !db.Connected() {
		return errors.New("No DB connection was established, can't query")
	}

	if enqueueStmt != nil {
		return
	}

	// Re-enqueueing a thread that already has an item resets the delivery
	// history instead of appending a second item.
	query := fmt.Sprintf(`-- archive_queue.Enqueue
INSERT INTO archive_queue (%s)
SELECT $1, user_id, id, conversation_id, '%s'
FROM threads
WHERE id = $2
ON CONFLICT (thread_id) DO UPDATE
SET status = '%s',
	attempts = 0,
	error_message = NULL,
	next_retry_at = NULL,
	processed_at = NULL,
	updated_at = now()
RETURNING %s`, insertFields(), models.StatusPending, models.StatusPending, fields())
	enqueueStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = fmt.Sprintf(`-- archive_queue.Get
SELECT %s
FROM archive_queue
WHERE id = $1`, fields())
	getStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = fmt.Sprintf(`-- archive_queue.GetByThread
SELECT %s
FROM archive_queue
WHERE thread_id = $1`, fields())
	getByThreadStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = fmt.Sprintf(`-- archive_queue.Acquire
WITH queue_items AS (
	SELECT id AS inner_id
	FROM archive_queue
	WHERE %s
	ORDER BY created_at ASC
	LIMIT $1
	FOR UPDATE SKIP LOCKED
) UPDATE archive_queue
SET status = '%s',
	next_retry_at = NULL,
	processed_at = NULL,
	updated_at = now()
FROM queue_items
WHERE archive_queue.id = queue_items.inner_id
RETURNING %s`, eligible(), models.StatusProcessing, fields())
	acquireStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = fmt.Sprintf(`-- archive_queue.MarkCompleted
UPDATE archive_queue
SET status = '%s',
	error_message = $2,
	next_retry_at = NULL,
	processed_at = now(),
	updated_at = now()
WHERE id = $1
	AND status = '%s'
RETURNING %s`, models.StatusCompleted, models.StatusProcessing, fields())
	completeStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = fmt.Sprintf(`-- archive_queue.MarkFailed
UPDATE archive_queue
SET status = '%s',
	attempts = attempts + 1,
	error_message = $3,
	next_retry_at = $4,
	processed_at = now(),
	updated_at = now()
WHERE id = $1
	AND attempts = $2
RETURNING %s`, models.StatusFailed, fields())
	failStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = fmt.Sprintf(`-- archive_queue.CountReadyAndAll
WITH all_count AS (
	SELECT count(*) FROM archive_queue
), ready_count AS (
	SELECT count(*) FROM archive_queue WHERE %s
)
SELECT all_count.count, ready_count.count
FROM all_count, ready_count`, eligible())
	countReadyAndAllStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = `-- archive_queue.GetCountsByStatus
SELECT status, count(*) FROM archive_queue GROUP BY status`
	countsByStatusStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = fmt.Sprintf(`-- archive_queue.DeleteProcessedBefore
DELETE FROM archive_queue
WHERE processed_at < $1
	AND (status = '%s'
		OR (status = '%s' AND attempts >= max_attempts))`,
		models.StatusCompleted, models.StatusFailed)
	cleanupStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = fmt.Sprintf(`-- archive_queue.GetOldProcessingItems
SELECT %s FROM archive_queue WHERE status='%s' AND updated_at < $1 LIMIT %d`,
		fields(), models.StatusProcessing, StuckItemLimit)
	oldProcessingStmt, err = db.Conn.Prepare(query)
	return
}

// Enqueue creates a pending queue item for the given thread, denormalizing
// the thread's owner and conversation id onto the item. If an item already
// exists for the thread, it is reset to pending with zero attempts. Returns
// ErrThreadNotFound if the thread is missing.
func Enqueue(id, threadID types.PrefixUUID) (*models.ArchiveQueueItem, error) {
	return enqueue(enqueueStmt, id, threadID)
}

// EnqueueTx runs Enqueue inside the given transaction.
func EnqueueTx(tx *sql.Tx, id, threadID types.PrefixUUID) (*models.ArchiveQueueItem, error) {
	return enqueue(tx.Stmt(enqueueStmt), id, threadID)
}

func enqueue(stmt *sql.Stmt, id, threadID types.PrefixUUID) (*models.ArchiveQueueItem, error) {
	item := new(models.ArchiveQueueItem)
	err := stmt.QueryRow(id, threadID).Scan(args(item)...)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrThreadNotFound
		}
		return nil, dberror.GetError(err)
	}
	return item, nil
}

// Get the queue item with the given id. If no record could be found, the
// error will be `archive_queue.ErrNotFound`.
func Get(id types.PrefixUUID) (*models.ArchiveQueueItem, error) {
	if id.UUID == uuid.Nil {
		return nil, errors.New("Invalid id")
	}
	item := new(models.ArchiveQueueItem)
	err := getStmt.QueryRow(id).Scan(args(item)...)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, dberror.GetError(err)
	}
	return item, nil
}

// GetRetry attempts to retrieve the item attempts times before giving up.
func GetRetry(id types.PrefixUUID, attempts uint8) (item *models.ArchiveQueueItem, err error) {
	for i := uint8(0); i < attempts; i++ {
		item, err = Get(id)
		if err == nil || err == ErrNotFound {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	return
}

// GetByThread returns the open queue item for a thread, if any.
func GetByThread(threadID types.PrefixUUID) (*models.ArchiveQueueItem, error) {
	if threadID.UUID == uuid.Nil {
		return nil, errors.New("Invalid thread id")
	}
	item := new(models.ArchiveQueueItem)
	err := getByThreadStmt.QueryRow(threadID).Scan(args(item)...)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, dberror.GetError(err)
	}
	return item, nil
}

// Acquire claims up to limit items that are ready to be worked on, marking
// them as processing in the same statement. The claim uses FOR UPDATE SKIP
// LOCKED so two overlapping workers never claim the same item. Items are
// returned oldest first.
func Acquire(limit int) ([]*models.ArchiveQueueItem, error) {
	rows, err := acquireStmt.Query(limit)
	if err != nil {
		return nil, dberror.GetError(err)
	}
	defer rows.Close()
	var items []*models.ArchiveQueueItem
	for rows.Next() {
		item := new(models.ArchiveQueueItem)
		if err := rows.Scan(args(item)...); err != nil {
			return items, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return items, err
	}
	// UPDATE ... RETURNING does not promise an order.
	sort.Slice(items, func(i, j int) bool {
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	return items, nil
}

// MarkCompleted finalizes a processing item as completed. note may carry an
// explanation for success-equivalent outcomes ("conversation gone remotely").
// Returns ErrNotFound if the item is not in the processing state, which
// means another worker finalized it first.
func MarkCompleted(id types.PrefixUUID, note sql.NullString) (*models.ArchiveQueueItem, error) {
	item := new(models.ArchiveQueueItem)
	err := completeStmt.QueryRow(id, note).Scan(args(item)...)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, dberror.GetError(err)
	}
	return item, nil
}

// MarkFailed records a failed delivery attempt: the attempts counter is
// incremented and next_retry_at is set (null once attempts have been
// exhausted - the eligibility clause then never selects the item again).
//
// attempts: the current value of the `attempts` column; the returned item
// will have this number plus 1. sql.ErrNoRows is returned if the stored
// counter no longer matches, i.e. another worker recorded an attempt first.
func MarkFailed(id types.PrefixUUID, attempts uint8, message string, nextRetry types.NullTime) (*models.ArchiveQueueItem, error) {
	item := new(models.ArchiveQueueItem)
	err := failStmt.QueryRow(id, attempts, message, nextRetry).Scan(args(item)...)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, dberror.GetError(err)
	}
	return item, nil
}

// DeleteProcessedBefore removes completed items, and failed items that have
// exhausted their attempts, whose processed_at is older than the given time.
// Returns the number of items deleted.
func DeleteProcessedBefore(olderThan time.Time) (int64, error) {
	res, err := cleanupStmt.Exec(olderThan)
	if err != nil {
		return 0, dberror.GetError(err)
	}
	return res.RowsAffected()
}

// GetOldProcessingItems finds items claimed by a worker that have not been
// updated since olderThan - likely the worker died mid-call. A maximum of
// StuckItemLimit items will be returned.
func GetOldProcessingItems(olderThan time.Time) ([]*models.ArchiveQueueItem, error) {
	rows, err := oldProcessingStmt.Query(olderThan)
	var items []*models.ArchiveQueueItem
	if err != nil {
		return items, err
	}
	defer rows.Close()
	for rows.Next() {
		item := new(models.ArchiveQueueItem)
		if err := rows.Scan(args(item)...); err != nil {
			return items, err
		}
		items = append(items, item)
	}
	err = rows.Err()
	return items, err
}

// CountReadyAndAll returns the total number of queue items, and the number
// ready to be claimed right now.
func CountReadyAndAll() (allCount int, readyCount int, err error) {
	err = countReadyAndAllStmt.QueryRow().Scan(&allCount, &readyCount)
	return
}

// GetCountsByStatus returns a map with each status as the key, followed by
// the number of items with that status. For example:
//
// "pending": 5,
// "failed": 2,
func GetCountsByStatus() (map[models.QueueItemStatus]int64, error) {
	rows, err := countsByStatusStmt.Query()
	m := make(map[models.QueueItemStatus]int64)
	if err != nil {
		return m, err
	}
	defer rows.Close()
	for rows.Next() {
		var status models.QueueItemStatus
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return m, err
		}
		m[status] = count
	}
	err = rows.Err()
	return m, err
}

func insertFields() string {
	return `id,
	user_id,
	thread_id,
	conversation_id,
	status`
}

func fields() string {
	return fmt.Sprintf(`'%s' || id,
	'%s' || user_id,
	'%s' || thread_id,
	conversation_id,
	status,
	attempts,
	max_attempts,
	error_message,
	created_at,
	updated_at,
	processed_at,
	next_retry_at`, Prefix, threads.UserPrefix, threads.Prefix)
}

func args(item *models.ArchiveQueueItem) []interface{} {
	return []interface{}{
		&item.ID,
		&item.UserID,
		&item.ThreadID,
		&item.ConversationID,
		&item.Status,
		&item.Attempts,
		&item.MaxAttempts,
		&item.ErrorMessage,
		&item.CreatedAt,
		&item.UpdatedAt,
		&item.ProcessedAt,
		&item.NextRetryAt,
	}
}

var attemptsConstraint = &dberror.Constraint{
	Name: "archive_queue_attempts_check",
	GetError: func(e *pq.Error) *dberror.Error {
		return &dberror.Error{
			Message:    "Attempts cannot exceed max_attempts",
			Constraint: e.Constraint,
			Table:      e.Table,
			Severity:   e.Severity,
			Detail:     e.Detail,
		}
	},
}
