package services

import (
	"fmt"
	"log"
	"time"

	metrics "github.com/Shyp/go-simple-metrics"
	"github.com/tabdash/mailsync/models/archive_queue"
)

// DefaultRetention is how long terminal queue items are kept around for
// diagnostics before cleanup deletes them.
var DefaultRetention = 7 * 24 * time.Hour

// CleanupQueue deletes completed items, and failed items that exhausted
// their attempts, older than DefaultRetention. Returns the number of items
// deleted. Purely a storage-reclamation operation.
func CleanupQueue() (int64, error) {
	start := time.Now()
	count, err := archive_queue.DeleteProcessedBefore(time.Now().UTC().Add(-DefaultRetention))
	go metrics.Time("cleanup.latency", time.Since(start))
	if err != nil {
		go metrics.Increment("cleanup.error")
		return 0, err
	}
	go metrics.Measure("cleanup.deleted", count)
	return count, nil
}

// WatchCleanup runs CleanupQueue on the given interval, typically daily.
func WatchCleanup(interval time.Duration) {
	for range time.Tick(interval) {
		count, err := CleanupQueue()
		if err != nil {
			log.Printf("Error cleaning up archive queue: %s\n", err.Error())
		} else if count > 0 {
			log.Printf("Cleaned up %d terminal queue items", count)
		}
	}
}

// FailStuckItems records a failed attempt for any item that has sat in the
// processing state since before olderThan - the claiming worker most likely
// died mid-call. The item then retries with the usual backoff, preserving
// at-least-once delivery across worker crashes.
func FailStuckItems(olderThan time.Duration) error {
	var olderThanTime time.Time
	if olderThan >= 0 {
		olderThanTime = time.Now().Add(-1 * olderThan)
	} else {
		olderThanTime = time.Now().Add(olderThan)
	}
	items, err := archive_queue.GetOldProcessingItems(olderThanTime)
	if err != nil {
		return err
	}
	for _, item := range items {
		message := fmt.Sprintf("Worker did not finalize the item within %s", olderThan)
		nextRetry := NextRetry(item.Attempts+1, item.MaxAttempts)
		_, err = archive_queue.MarkFailed(item.ID, item.Attempts, message, nextRetry)
		if err == nil {
			log.Printf("Found stuck queue item %s and marked it as failed", item.ID.String())
			go metrics.Increment("stuck_items.failed")
		} else {
			// There may easily be race/idempotence errors with a stuck item
			// watcher. If it errors we'll grab it with the next run.
			log.Printf("Found stuck queue item %s but could not process it: %s", item.ID.String(), err.Error())
		}
	}
	return nil
}

// WatchStuckItems polls the archive_queue table for stuck items (processing
// items that haven't been updated in olderThan time), and marks them as
// failed.
func WatchStuckItems(interval time.Duration, olderThan time.Duration) {
	for range time.Tick(interval) {
		go func() {
			if err := FailStuckItems(olderThan); err != nil {
				log.Printf("Error failing stuck queue items: %s\n", err.Error())
			}
		}()
	}
}
