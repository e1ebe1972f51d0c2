// Mediation layer between the server and database queries.
//
// Logic that's not related to validating request input/turning errors into
// HTTP responses should go here.
package services

import (
	"log"
	"time"

	metrics "github.com/Shyp/go-simple-metrics"
	types "github.com/Shyp/go-types"
	"github.com/tabdash/mailsync/models"
	"github.com/tabdash/mailsync/models/archive_queue"
	"github.com/tabdash/mailsync/models/db"
	"github.com/tabdash/mailsync/models/threads"
)

// An ArchiveResult confirms a processed archive request.
type ArchiveResult struct {
	Thread *models.Thread `json:"thread"`
	// True if a remote sync was queued for the worker. The thread's local
	// status is archived either way.
	SyncQueued bool                     `json:"sync_queued"`
	QueueItem  *models.ArchiveQueueItem `json:"queue_item,omitempty"`
}

// ArchiveThread marks the thread as archived and, if syncRemote is set,
// upserts a pending archive queue item, all in one transaction. The local
// status change is visible immediately and is never rolled back by a later
// remote failure.
//
// Returns threads.ErrNotFound if the thread does not exist or belongs to a
// different user.
func ArchiveThread(threadID, userID types.PrefixUUID, syncRemote bool) (*ArchiveResult, error) {
	start := time.Now()
	tx, err := db.Conn.Begin()
	if err != nil {
		return nil, err
	}
	thread, err := threads.ArchiveTx(tx, threadID, userID, models.SourceUser, true)
	if err != nil {
		if rerr := tx.Rollback(); rerr != nil {
			log.Printf("Error rolling back archive of %s: %s", threadID.String(), rerr)
		}
		go metrics.Increment("archive_thread.error")
		return nil, err
	}
	result := &ArchiveResult{Thread: thread}
	if syncRemote {
		itemID := types.GenerateUUID(archive_queue.Prefix)
		item, err := archive_queue.EnqueueTx(tx, itemID, threadID)
		if err != nil {
			if rerr := tx.Rollback(); rerr != nil {
				log.Printf("Error rolling back enqueue for %s: %s", threadID.String(), rerr)
			}
			go metrics.Increment("archive_thread.enqueue.error")
			return nil, err
		}
		result.SyncQueued = true
		result.QueueItem = item
	}
	if err := tx.Commit(); err != nil {
		go metrics.Increment("archive_thread.commit.error")
		return nil, err
	}
	go metrics.Time("archive_thread.latency", time.Since(start))
	go metrics.Increment("archive_thread.success")
	return result, nil
}
