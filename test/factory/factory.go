// Package factory contains helpers for instantiating tests.
package factory

import (
	"fmt"
	"testing"
	"time"

	dberror "github.com/Shyp/go-dberror"
	types "github.com/Shyp/go-types"
	uuid "github.com/kevinburke/go.uuid"
	"github.com/tabdash/mailsync/gmail"
	"github.com/tabdash/mailsync/models"
	"github.com/tabdash/mailsync/models/accounts"
	"github.com/tabdash/mailsync/models/archive_queue"
	"github.com/tabdash/mailsync/models/threads"
	"github.com/tabdash/mailsync/services"
	"github.com/tabdash/mailsync/test"
)

var ThreadId types.PrefixUUID
var UserId types.PrefixUUID

func init() {
	tid, _ := types.NewPrefixUUID("thr_6740b44e-13b9-475d-af06-979627e0e0d6")
	ThreadId = tid
	uid, _ := types.NewPrefixUUID("usr_8c8d1b35-ad4f-4c1c-9b0a-2f2f0d6e9a11")
	UserId = uid
}

// AccessToken is the credential returned by the static supplier installed by
// Processor.
const AccessToken = "ya29.test-access-token"

// RandomId returns a random UUID with the given prefix.
func RandomId(prefix string) types.PrefixUUID {
	id := uuid.NewV4()
	return types.PrefixUUID{
		UUID:   id,
		Prefix: prefix,
	}
}

// CreateThread creates an active thread owned by UserId, with the well known
// ThreadId. Calling it twice in one test is a no-op.
func CreateThread(t testing.TB) *models.Thread {
	t.Helper()
	test.SetUp(t)
	thread, err := threads.Create(ThreadId, UserId, "187c2f4a9e0b1d35", "Re: invoice", 2)
	if err != nil {
		switch dberr := err.(type) {
		case *dberror.Error:
			if dberr.Code != dberror.CodeUniqueViolation {
				test.AssertNotError(t, err, "")
			}
			thread, err = threads.Get(ThreadId)
			test.AssertNotError(t, err, "")
		default:
			test.AssertNotError(t, err, "")
		}
	}
	return thread
}

// CreateRandomThread creates an active thread with random thread and user
// ids.
func CreateRandomThread(t testing.TB) *models.Thread {
	t.Helper()
	test.SetUp(t)
	id := RandomId(threads.Prefix)
	userID := RandomId(threads.UserPrefix)
	conversationID := fmt.Sprintf("conv-%s", id.UUID)
	thread, err := threads.Create(id, userID, conversationID, "Re: shipping", 3)
	test.AssertNotError(t, err, "creating thread")
	return thread
}

// CreateQueueItem creates a thread and an open queue item for it, and returns
// the queue item.
func CreateQueueItem(t testing.TB) *models.ArchiveQueueItem {
	t.Helper()
	thread := CreateRandomThread(t)
	item, err := archive_queue.Enqueue(RandomId(archive_queue.Prefix), thread.ID)
	test.AssertNotError(t, err, "enqueueing item")
	return item
}

// CreateArchivedQueueItem archives a thread and returns the queue item
// recorded for the remote sync.
func CreateArchivedQueueItem(t testing.TB) *models.ArchiveQueueItem {
	t.Helper()
	thread := CreateRandomThread(t)
	result, err := services.ArchiveThread(thread.ID, thread.UserID, true)
	test.AssertNotError(t, err, "archiving thread")
	test.Assert(t, result.SyncQueued, "expected a queued sync")
	return result.QueueItem
}

// LinkAccount stores a mail credential for the given user that expires an
// hour from now.
func LinkAccount(t testing.TB, userID types.PrefixUUID, token string) {
	t.Helper()
	expires := types.NullTime{
		Time:  time.Now().UTC().Add(time.Hour),
		Valid: true,
	}
	err := accounts.Link(userID, fmt.Sprintf("%s@example.com", userID.UUID), token, expires)
	test.AssertNotError(t, err, "linking account")
}

// staticSupplier returns the same token for every user.
type staticSupplier struct {
	token string
}

func (s *staticSupplier) AccessToken(userID types.PrefixUUID) (string, error) {
	return s.token, nil
}

// Processor returns a QueueProcessor with a Gmail client pointing at the
// given URL and a credential supplier that always succeeds.
func Processor(url string) *services.QueueProcessor {
	return &services.QueueProcessor{
		Credentials: &staticSupplier{token: AccessToken},
		Client:      gmail.NewClient(url),
	}
}
