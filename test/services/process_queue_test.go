package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	types "github.com/Shyp/go-types"
	"github.com/tabdash/mailsync/models"
	"github.com/tabdash/mailsync/models/archive_queue"
	"github.com/tabdash/mailsync/models/db"
	"github.com/tabdash/mailsync/models/threads"
	"github.com/tabdash/mailsync/services"
	"github.com/tabdash/mailsync/test"
	"github.com/tabdash/mailsync/test/factory"
)

// googleNotFound is the error envelope the Gmail API sends with a 404.
const googleNotFound = `{"error": {"code": 404, "message": "Requested entity was not found.", "status": "NOT_FOUND"}}`

func okServer(t *testing.T, requests *[]*http.Request) *httptest.Server {
	var mu sync.Mutex
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		if requests != nil {
			*requests = append(*requests, r)
		}
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Write([]byte("{}"))
	}))
}

func TestProcessBatchCompletesItem(t *testing.T) {
	test.SetUp(t)
	defer test.TearDown(t)
	var requests []*http.Request
	s := okServer(t, &requests)
	defer s.Close()

	item := factory.CreateArchivedQueueItem(t)
	qp := factory.Processor(s.URL)
	result, err := qp.ProcessBatch(10)
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, result.Claimed, 1)
	test.AssertEquals(t, result.Completed, 1)
	test.AssertEquals(t, result.Failed, 0)

	test.AssertEquals(t, len(requests), 1)
	test.AssertEquals(t, requests[0].Method, "POST")
	test.AssertEquals(t, requests[0].URL.Path,
		fmt.Sprintf("/gmail/v1/users/me/threads/%s/modify", item.ConversationID))
	test.AssertEquals(t, requests[0].Header.Get("Authorization"), "Bearer "+factory.AccessToken)

	got, err := archive_queue.Get(item.ID)
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, got.Status, models.StatusCompleted)
	test.AssertEquals(t, got.ProcessedAt.Valid, true)
	test.AssertEquals(t, got.ErrorMessage.Valid, false)
}

func TestProcessBatchRemoteGoneCompletes(t *testing.T) {
	test.SetUp(t)
	defer test.TearDown(t)
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(googleNotFound))
	}))
	defer s.Close()

	item := factory.CreateArchivedQueueItem(t)
	qp := factory.Processor(s.URL)
	result, err := qp.ProcessBatch(10)
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, result.Completed, 1)
	test.AssertEquals(t, result.Failed, 0)

	got, err := archive_queue.Get(item.ID)
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, got.Status, models.StatusCompleted)
	test.AssertEquals(t, got.ErrorMessage.Valid, true)
	test.AssertContains(t, got.ErrorMessage.String, "no longer exists remotely")
}

func TestProcessBatchRemoteErrorSchedulesRetry(t *testing.T) {
	test.SetUp(t)
	defer test.TearDown(t)
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]interface{}{"code": 503, "message": "Backend Error"},
		})
	}))
	defer s.Close()

	item := factory.CreateArchivedQueueItem(t)
	qp := factory.Processor(s.URL)
	result, err := qp.ProcessBatch(10)
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, result.Completed, 0)
	test.AssertEquals(t, result.Failed, 1)

	got, err := archive_queue.Get(item.ID)
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, got.Status, models.StatusFailed)
	test.AssertEquals(t, got.Attempts, uint8(1))
	test.AssertEquals(t, got.ErrorMessage.Valid, true)
	test.AssertBetween(t, int64(got.NextRetryAt.Time.Sub(time.Now())),
		int64(119*time.Second), int64(2*time.Minute))

	// The thread's local archived state survives the remote failure.
	thread, err := threads.Get(got.ThreadID)
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, thread.Status, models.StatusArchived)
}

// failingSupplier denies every credential request.
type failingSupplier struct{}

func (f *failingSupplier) AccessToken(userID types.PrefixUUID) (string, error) {
	return "", errors.New("token refresh rejected")
}

func TestProcessBatchCredentialFailureIsRecoverable(t *testing.T) {
	test.SetUp(t)
	defer test.TearDown(t)
	var requests []*http.Request
	s := okServer(t, &requests)
	defer s.Close()

	item := factory.CreateArchivedQueueItem(t)
	qp := factory.Processor(s.URL)
	qp.Credentials = &failingSupplier{}
	result, err := qp.ProcessBatch(10)
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, result.Failed, 1)
	// No remote call was made.
	test.AssertEquals(t, len(requests), 0)

	got, err := archive_queue.Get(item.ID)
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, got.Status, models.StatusFailed)
	test.AssertEquals(t, got.Attempts, uint8(1))
	test.AssertContains(t, got.ErrorMessage.String, "Could not get mail credential")
	test.AssertEquals(t, got.NextRetryAt.Valid, true)
}

func TestProcessBatchExhaustsAttempts(t *testing.T) {
	test.SetUp(t)
	defer test.TearDown(t)
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error": {"code": 500, "message": "Backend Error"}}`))
	}))
	defer s.Close()

	item := factory.CreateArchivedQueueItem(t)
	qp := factory.Processor(s.URL)
	for i := uint8(0); i < item.MaxAttempts; i++ {
		result, err := qp.ProcessBatch(10)
		test.AssertNotError(t, err, "")
		test.AssertEquals(t, result.Failed, 1)
		// Skip the backoff wait.
		_, err = db.Conn.Exec("UPDATE archive_queue SET next_retry_at = now() - interval '1 second' WHERE next_retry_at IS NOT NULL")
		test.AssertNotError(t, err, "")
	}

	got, err := archive_queue.Get(item.ID)
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, got.Status, models.StatusFailed)
	test.AssertEquals(t, got.Attempts, got.MaxAttempts)
	test.AssertEquals(t, got.NextRetryAt.Valid, false)

	// Exhausted items are never claimed again.
	result, err := qp.ProcessBatch(10)
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, result.Claimed, 0)
}

func TestProcessBatchBackoffDoubles(t *testing.T) {
	test.SetUp(t)
	defer test.TearDown(t)
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error": {"code": 500, "message": "Backend Error"}}`))
	}))
	defer s.Close()

	item := factory.CreateArchivedQueueItem(t)
	qp := factory.Processor(s.URL)
	expected := []time.Duration{2 * time.Minute, 4 * time.Minute, 8 * time.Minute}
	for i := uint8(0); i < item.MaxAttempts-1; i++ {
		_, err := qp.ProcessBatch(10)
		test.AssertNotError(t, err, "")
		got, err := archive_queue.Get(item.ID)
		test.AssertNotError(t, err, "")
		test.AssertEquals(t, got.NextRetryAt.Valid, true)
		test.AssertBetween(t, int64(got.NextRetryAt.Time.Sub(time.Now())),
			int64(expected[i]-time.Second), int64(expected[i]))
		_, err = db.Conn.Exec("UPDATE archive_queue SET next_retry_at = now() - interval '1 second'")
		test.AssertNotError(t, err, "")
	}
}

func TestProcessBatchOneFailureDoesNotAbortBatch(t *testing.T) {
	test.SetUp(t)
	defer test.TearDown(t)
	var mu sync.Mutex
	count := 0
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		count++
		first := count == 1
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		if first {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"error": {"code": 503, "message": "Backend Error"}}`))
			return
		}
		w.Write([]byte("{}"))
	}))
	defer s.Close()

	factory.CreateArchivedQueueItem(t)
	factory.CreateArchivedQueueItem(t)
	factory.CreateArchivedQueueItem(t)
	qp := factory.Processor(s.URL)
	result, err := qp.ProcessBatch(10)
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, result.Claimed, 3)
	test.AssertEquals(t, result.Failed, 1)
	test.AssertEquals(t, result.Completed, 2)
}

func TestProcessBatchRespectsLimit(t *testing.T) {
	test.SetUp(t)
	defer test.TearDown(t)
	s := okServer(t, nil)
	defer s.Close()

	factory.CreateArchivedQueueItem(t)
	factory.CreateArchivedQueueItem(t)
	factory.CreateArchivedQueueItem(t)
	qp := factory.Processor(s.URL)
	result, err := qp.ProcessBatch(2)
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, result.Claimed, 2)

	result, err = qp.ProcessBatch(2)
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, result.Claimed, 1)
}

func TestDatabaseSupplierToken(t *testing.T) {
	test.SetUp(t)
	defer test.TearDown(t)
	var requests []*http.Request
	s := okServer(t, &requests)
	defer s.Close()

	item := factory.CreateArchivedQueueItem(t)
	factory.LinkAccount(t, item.UserID, "ya29.linked-token")
	qp := services.NewQueueProcessor(s.URL)
	result, err := qp.ProcessBatch(10)
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, result.Completed, 1)
	test.AssertEquals(t, len(requests), 1)
	test.AssertEquals(t, requests[0].Header.Get("Authorization"), "Bearer ya29.linked-token")
}

func TestDatabaseSupplierNoAccount(t *testing.T) {
	test.SetUp(t)
	defer test.TearDown(t)
	var requests []*http.Request
	s := okServer(t, &requests)
	defer s.Close()

	item := factory.CreateArchivedQueueItem(t)
	qp := services.NewQueueProcessor(s.URL)
	result, err := qp.ProcessBatch(10)
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, result.Failed, 1)
	test.AssertEquals(t, len(requests), 0)

	got, err := archive_queue.Get(item.ID)
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, got.Status, models.StatusFailed)
	test.Assert(t, strings.Contains(got.ErrorMessage.String, "No mail account"),
		"expected a credential error message")
}
