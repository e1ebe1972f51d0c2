package services

import (
	"database/sql"
	"fmt"
	"log"
	"math"
	"os"
	"sync"
	"time"

	metrics "github.com/Shyp/go-simple-metrics"
	types "github.com/Shyp/go-types"
	"github.com/tabdash/mailsync/config"
	"github.com/tabdash/mailsync/gmail"
	"github.com/tabdash/mailsync/models"
	"github.com/tabdash/mailsync/models/accounts"
	"github.com/tabdash/mailsync/models/archive_queue"
)

// DefaultLimit is the maximum number of queue items one processor tick will
// claim. This is the backpressure bound: a tick never attempts unbounded
// work against the Gmail API.
var DefaultLimit = 50

// A QueueProcessor drains claimed archive queue items against Gmail. It is
// shared by all worker ticks and must be threadsafe.
type QueueProcessor struct {
	// Supplies each user's bearer credential. A credential failure is
	// recorded like any other recoverable remote failure.
	Credentials accounts.Supplier

	// Client for the Gmail threads endpoint.
	Client *gmail.Client
}

// NewQueueProcessor creates a QueueProcessor that makes requests to the
// given Gmail base URL, reading credentials from the mail_accounts table.
func NewQueueProcessor(gmailBase string) *QueueProcessor {
	return &QueueProcessor{
		Credentials: accounts.NewDatabaseSupplier(),
		Client:      gmail.NewClient(gmailBase),
	}
}

var defaultProcessor *QueueProcessor
var defaultProcessorOnce sync.Once

// DefaultProcessor returns the shared processor, hitting the live Gmail API
// unless GMAIL_API_BASE is set. A GMAIL_API_BASE that does not parse as a
// URL kills the process rather than sending a batch somewhere surprising.
func DefaultProcessor() *QueueProcessor {
	defaultProcessorOnce.Do(func() {
		base := gmail.DefaultBase
		if os.Getenv("GMAIL_API_BASE") != "" {
			base = config.GetURLOrBail("GMAIL_API_BASE").String()
		}
		defaultProcessor = NewQueueProcessor(base)
	})
	return defaultProcessor
}

// A BatchResult summarizes one processor tick.
type BatchResult struct {
	// Number of items claimed from the queue.
	Claimed int `json:"claimed"`
	// Items that reached the completed state, including success-equivalent
	// remote not-found outcomes.
	Completed int `json:"completed"`
	// Items recorded as failed (retryable or exhausted).
	Failed int `json:"failed"`
}

// ProcessQueue claims up to limit ready items with the shared processor and
// works through them. This is the "process the queue now" entry point the
// scheduler and the API both call.
func ProcessQueue(limit int) (*BatchResult, error) {
	return DefaultProcessor().ProcessBatch(limit)
}

// ProcessBatch claims up to limit ready items and works through them oldest
// first, one remote call at a time. A remote failure on one item never
// aborts the rest of the batch; each item's outcome is recorded
// independently.
func (qp *QueueProcessor) ProcessBatch(limit int) (*BatchResult, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	start := time.Now()
	items, err := archive_queue.Acquire(limit)
	go metrics.Time("acquire.latency", time.Since(start))
	if err != nil {
		go metrics.Increment("acquire.error")
		return nil, err
	}
	result := &BatchResult{Claimed: len(items)}
	for _, item := range items {
		completed := qp.processItem(item)
		if completed {
			result.Completed++
			go metrics.Increment("process_item.completed")
		} else {
			result.Failed++
			go metrics.Increment("process_item.failed")
		}
	}
	go metrics.Measure("process_batch.claimed", int64(result.Claimed))
	go metrics.Time("process_batch.latency", time.Since(start))
	return result, nil
}

// processItem makes the remote call for one claimed item and records the
// outcome. Returns true if the item reached the completed state.
func (qp *QueueProcessor) processItem(item *models.ArchiveQueueItem) bool {
	token, err := qp.Credentials.AccessToken(item.UserID)
	if err != nil {
		qp.recordFailure(item, fmt.Sprintf("Could not get mail credential: %s", err))
		return false
	}
	start := time.Now()
	err = qp.Client.Threads.Archive(token, item.ConversationID)
	go metrics.Time("gmail.archive.latency", time.Since(start))
	if err == nil {
		qp.recordCompletion(item, sql.NullString{})
		return true
	}
	if gmail.IsNotFound(err) {
		// The conversation is already gone remotely; the end state we want
		// already holds.
		note := sql.NullString{
			Valid:  true,
			String: fmt.Sprintf("Conversation no longer exists remotely: %s", err),
		}
		go metrics.Increment("gmail.archive.not_found")
		qp.recordCompletion(item, note)
		return true
	}
	qp.recordFailure(item, err.Error())
	return false
}

func (qp *QueueProcessor) recordCompletion(item *models.ArchiveQueueItem, note sql.NullString) {
	_, err := archive_queue.MarkCompleted(item.ID, note)
	if err == archive_queue.ErrNotFound {
		// Another worker finalized the item first; at-least-once delivery
		// makes this outcome harmless.
		log.Printf("Queue item %s was already finalized", item.ID.String())
		go metrics.Increment("mark_completed.already_finalized")
		return
	}
	if err != nil {
		log.Printf("Error marking queue item %s completed: %s", item.ID.String(), err)
		go metrics.Increment("mark_completed.error")
	}
}

func (qp *QueueProcessor) recordFailure(item *models.ArchiveQueueItem, message string) {
	nextRetry := NextRetry(item.Attempts+1, item.MaxAttempts)
	updated, err := archive_queue.MarkFailed(item.ID, item.Attempts, message, nextRetry)
	if err == sql.ErrNoRows {
		// Attempted to record the failure, but the attempts counter moved;
		// we assume another worker got here before we did.
		go metrics.Increment("mark_failed.attempt_count_moved")
		return
	}
	if err != nil {
		log.Printf("Error marking queue item %s failed: %s", item.ID.String(), err)
		go metrics.Increment("mark_failed.error")
		return
	}
	if updated.Attempts >= updated.MaxAttempts {
		log.Printf("Queue item %s exhausted %d attempts, giving up: %s",
			item.ID.String(), updated.MaxAttempts, message)
		go metrics.Increment("process_item.exhausted")
	}
}

// NextRetry computes when a failed item should become eligible again: now
// plus 2^attempts minutes (2, 4, 8 minutes for attempts 1, 2, 3). Once the
// attempts are exhausted there is no retry, and the returned time is null.
func NextRetry(attempts, maxAttempts uint8) types.NullTime {
	if attempts >= maxAttempts {
		return types.NullTime{Valid: false}
	}
	delay := time.Duration(math.Pow(2, float64(attempts))) * time.Minute
	return types.NullTime{
		Valid: true,
		Time:  time.Now().UTC().Add(delay),
	}
}
