package server

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tabdash/mailsync/rest"
	"github.com/tabdash/mailsync/test"
)

func archiveRequest(t *testing.T, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", path, bytes.NewBufferString(body))
	req.SetBasicAuth("foo", "bar")
	Get(&UnsafeBypassAuthorizer{}).ServeHTTP(w, req)
	return w
}

func TestArchiveNoUserID(t *testing.T) {
	t.Parallel()
	w := archiveRequest(t, "/v1/threads/thr_6740b44e-13b9-475d-af06-979627e0e0d6/archive", `{}`)
	test.AssertEquals(t, w.Code, 400)
	var e rest.Error
	err := json.Unmarshal(w.Body.Bytes(), &e)
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, e.ID, "missing_parameter")
	test.AssertEquals(t, e.Title, "Missing required field: user_id")
}

func TestArchiveInvalidJSON(t *testing.T) {
	t.Parallel()
	w := archiveRequest(t, "/v1/threads/thr_6740b44e-13b9-475d-af06-979627e0e0d6/archive", `{"user_id": 7}`)
	test.AssertEquals(t, w.Code, 400)
	var e rest.Error
	err := json.Unmarshal(w.Body.Bytes(), &e)
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, e.ID, "invalid_request")
}

func TestArchiveInvalidThreadUUID(t *testing.T) {
	t.Parallel()
	w := archiveRequest(t, "/v1/threads/thr_notauuid/archive",
		`{"user_id": "usr_6740b44e-13b9-475d-af06-979627e0e0d6"}`)
	test.AssertEquals(t, w.Code, 400)
	var e rest.Error
	err := json.Unmarshal(w.Body.Bytes(), &e)
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, e.ID, "invalid_uuid")
}

func TestArchiveWrongUserPrefix(t *testing.T) {
	t.Parallel()
	w := archiveRequest(t, "/v1/threads/thr_6740b44e-13b9-475d-af06-979627e0e0d6/archive",
		`{"user_id": "thr_6740b44e-13b9-475d-af06-979627e0e0d6"}`)
	test.AssertEquals(t, w.Code, 400)
	var e rest.Error
	err := json.Unmarshal(w.Body.Bytes(), &e)
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, e.ID, "invalid_prefix")
	test.Assert(t, strings.Contains(e.Title, "usr_"), "expected prefix hint in error title")
}

func TestArchiveWrongMethod(t *testing.T) {
	t.Parallel()
	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/threads/thr_6740b44e-13b9-475d-af06-979627e0e0d6/archive", nil)
	req.SetBasicAuth("foo", "bar")
	Get(&UnsafeBypassAuthorizer{}).ServeHTTP(w, req)
	test.AssertEquals(t, w.Code, 405)
}

func TestGetQueueItemInvalidPrefix(t *testing.T) {
	t.Parallel()
	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/queue/aq_notauuid", nil)
	req.SetBasicAuth("foo", "bar")
	Get(&UnsafeBypassAuthorizer{}).ServeHTTP(w, req)
	test.AssertEquals(t, w.Code, 400)
	var e rest.Error
	err := json.Unmarshal(w.Body.Bytes(), &e)
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, e.ID, "invalid_uuid")
}

func TestProcessQueueNegativeLimit(t *testing.T) {
	t.Parallel()
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/queue/process", bytes.NewBufferString(`{"limit": -1}`))
	req.SetBasicAuth("foo", "bar")
	Get(&UnsafeBypassAuthorizer{}).ServeHTTP(w, req)
	test.AssertEquals(t, w.Code, 400)
	var e rest.Error
	err := json.Unmarshal(w.Body.Bytes(), &e)
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, e.ID, "invalid_parameter")
}
