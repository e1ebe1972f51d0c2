// Package server provides an HTTP interface for the archive queue.
package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/http/httputil"
	"net/http/pprof"
	"os"
	"regexp"
	"strings"
	"time"

	dberror "github.com/Shyp/go-dberror"
	metrics "github.com/Shyp/go-simple-metrics"
	types "github.com/Shyp/go-types"
	"github.com/tabdash/mailsync/config"
	"github.com/tabdash/mailsync/models/archive_queue"
	"github.com/tabdash/mailsync/models/threads"
	"github.com/tabdash/mailsync/rest"
	"github.com/tabdash/mailsync/services"
)

// The maximum data size that can be sent in the body of a HTTP request.
const MAX_REQUEST_SIZE = 100 * 1024

var disallowUnencryptedRequests = true

// DefaultServer serves every route using the DefaultAuthorizer for
// authentication.
var DefaultServer http.Handler

// POST /v1/threads/:thread-id/archive
var archiveThreadRoute = regexp.MustCompile(`^/v1/threads/(?P<id>thr_[^\s\/]+)/archive$`)

// GET /v1/threads/:thread-id
var getThreadRoute = regexp.MustCompile(`^/v1/threads/(?P<id>thr_[^\s\/]+)$`)

// GET /v1/queue
var queueStatsRoute = regexp.MustCompile(`^/v1/queue$`)

// GET /v1/queue/:item-id
//
// Must go after the process/cleanup routes
var getQueueItemRoute = regexp.MustCompile(`^/v1/queue/(?P<id>aq_[^\s\/]+)$`)

// POST /v1/queue/process
var processQueueRoute = regexp.MustCompile(`^/v1/queue/process$`)

// POST /v1/queue/cleanup
var cleanupQueueRoute = regexp.MustCompile(`^/v1/queue/cleanup$`)

// Get returns a http.Handler with all routes initialized using the given
// Authorizer.
func Get(a Authorizer) http.Handler {
	h := new(RegexpHandler)

	h.Handler(archiveThreadRoute, []string{"POST"}, authHandler(archiveThread(), a))
	h.Handler(getThreadRoute, []string{"GET"}, authHandler(getThread(), a))

	h.Handler(processQueueRoute, []string{"POST"}, authHandler(processQueue(), a))
	h.Handler(cleanupQueueRoute, []string{"POST"}, authHandler(cleanupQueue(), a))
	h.Handler(queueStatsRoute, []string{"GET"}, authHandler(getQueueStats(), a))
	h.Handler(getQueueItemRoute, []string{"GET"}, authHandler(getQueueItem(), a))

	h.Handler(regexp.MustCompile("^/debug/pprof$"), []string{"GET"}, authHandler(http.HandlerFunc(pprof.Index), a))
	h.Handler(regexp.MustCompile("^/debug/pprof/cmdline$"), []string{"GET"}, authHandler(http.HandlerFunc(pprof.Cmdline), a))
	h.Handler(regexp.MustCompile("^/debug/pprof/profile$"), []string{"GET"}, authHandler(http.HandlerFunc(pprof.Profile), a))
	h.Handler(regexp.MustCompile("^/debug/pprof/symbol$"), []string{"GET"}, authHandler(http.HandlerFunc(pprof.Symbol), a))
	h.Handler(regexp.MustCompile("^/debug/pprof/trace$"), []string{"GET"}, authHandler(http.HandlerFunc(pprof.Trace), a))

	h.Handler(regexp.MustCompile("^/$"), []string{"GET"}, authHandler(http.HandlerFunc(renderHomepage), a))

	return debugRequestBodyHandler(
		serverHeaderHandler(
			forbidNonTLSTrafficHandler(h),
		),
	)
}

func init() {
	DefaultServer = Get(DefaultAuthorizer)
	disallowUnencryptedRequests = os.Getenv("ALLOW_UNENCRYPTED_PROXY_TRAFFIC") != "true"
}

func serverHeaderHandler(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// hack, figure out how to put middleware on a subset of responses
		if strings.Contains(r.URL.Path, "/debug/pprof") {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		} else if r.URL.Path == "/" {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
		} else {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
		}
		w.Header().Set("Server", fmt.Sprintf("mailsync/%s", config.Version))
		h.ServeHTTP(w, r)
	})
}

// forbidNonTLSTrafficHandler returns a 403 to traffic that is sent via a proxy
func forbidNonTLSTrafficHandler(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if disallowUnencryptedRequests == true {
			if r.Header.Get("X-Forwarded-Proto") == "http" {
				// It should always be set, but if it's not, let the request
				// through.
				forbidden(w, insecure403(r))
				return
			}
		}
		// This header doesn't mean anything when served over HTTP, but
		// detecting HTTPS is a general way is hard, so let's just send it
		// every time.
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains; preload")
		h.ServeHTTP(w, r)
	})
}

func authHandler(h http.Handler, a Authorizer) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userId, token, ok := r.BasicAuth()
		if !ok {
			authenticate(w, new401(r))
			return
		}
		err := a.Authorize(userId, token)
		if err != nil {
			metrics.Increment("auth.error")
			handleAuthorizeError(w, r, err)
			return
		}
		metrics.Increment("auth.success")
		h.ServeHTTP(w, r)
	})
}

// debugRequestBodyHandler prints all incoming and outgoing HTTP traffic if the
// DEBUG_HTTP_TRAFFIC environment variable is set to true. Note that the output
// will be jumbled if the server is handling multiple requests at the same
// time.
func debugRequestBodyHandler(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if os.Getenv("DEBUG_HTTP_TRAFFIC") == "true" {
			// You need to write the entire thing in one Write, otherwise the
			// output will be jumbled with other requests.
			b := new(bytes.Buffer)
			bits, err := httputil.DumpRequest(r, true)
			if err != nil {
				_, _ = b.WriteString(err.Error())
			} else {
				_, _ = b.Write(bits)
			}
			res := httptest.NewRecorder()
			h.ServeHTTP(res, r)

			_, _ = b.WriteString(fmt.Sprintf("HTTP/1.1 %d\r\n", res.Code))
			_ = res.HeaderMap.Write(b)
			for k, v := range res.HeaderMap {
				w.Header()[k] = v
			}
			w.WriteHeader(res.Code)
			_, _ = b.WriteString("\r\n")
			writer := io.MultiWriter(w, b)
			_, _ = res.Body.WriteTo(writer)
			_, _ = b.WriteTo(os.Stderr)
		} else {
			h.ServeHTTP(w, r)
		}
	})
}

// An ArchiveThreadRequest is sent in the body of a request to POST
// /v1/threads/:thread-id/archive.
type ArchiveThreadRequest struct {
	// The user requesting the archive; the thread must belong to them.
	UserID string `json:"user_id"`
	// Whether to queue a remote Gmail sync. If not specified, defaults to
	// true.
	SyncRemote *bool `json:"sync_remote"` // pointer to distinguish between null value and false.
}

// POST /v1/threads/:thread-id/archive
//
// Archive a thread and (by default) queue a remote sync.
func archiveThread() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body == nil {
			badRequest(w, r, createEmptyErr("user_id", r.URL.Path))
			return
		}
		defer r.Body.Close()
		var atr ArchiveThreadRequest
		err := json.NewDecoder(io.LimitReader(r.Body, MAX_REQUEST_SIZE)).Decode(&atr)
		if err != nil {
			badRequest(w, r, &rest.Error{
				ID:    "invalid_request",
				Title: "Invalid request: bad JSON. Double check the types of the fields you sent",
			})
			return
		}
		if atr.UserID == "" {
			badRequest(w, r, createEmptyErr("user_id", r.URL.Path))
			return
		}
		idStr := archiveThreadRoute.FindStringSubmatch(r.URL.Path)[1]
		threadID, wroteResponse := getId(w, r, idStr, threads.Prefix)
		if wroteResponse == true {
			return
		}
		userID, wroteResponse := getId(w, r, atr.UserID, threads.UserPrefix)
		if wroteResponse == true {
			return
		}
		if atr.SyncRemote == nil {
			// http://stackoverflow.com/q/30716354/329700
			atr.SyncRemote = func() *bool { b := true; return &b }()
		}
		result, err := services.ArchiveThread(threadID, userID, *atr.SyncRemote)
		if err != nil {
			if err == threads.ErrNotFound {
				nfe := &rest.Error{
					Title:    "Thread not found, or you do not have permission to archive it",
					ID:       "thread_not_found",
					Instance: r.URL.Path,
				}
				notFound(w, nfe)
				go metrics.Increment("archive.not_found")
				return
			}
			switch terr := err.(type) {
			case *dberror.Error:
				apierr := &rest.Error{
					Title:    terr.Message,
					ID:       "invalid_parameter",
					Instance: r.URL.Path,
				}
				badRequest(w, r, apierr)
			default:
				writeServerError(w, r, err)
				go metrics.Increment("archive.error")
			}
			return
		}
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(result)
		go metrics.Increment("archive.success")
	})
}

// GET /v1/threads/:thread-id
//
// Return the thread record, for diagnostics. Returns a models.Thread or a
// 404 Not Found error.
func getThread() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		idStr := getThreadRoute.FindStringSubmatch(r.URL.Path)[1]
		id, wroteResponse := getId(w, r, idStr, threads.Prefix)
		if wroteResponse == true {
			return
		}
		thread, err := threads.GetRetry(id, 3)
		if err != nil {
			if err == threads.ErrNotFound {
				notFound(w, new404(r))
				go metrics.Increment("thread.get.not_found")
				return
			}
			writeServerError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(thread)
		go metrics.Increment("thread.get.success")
	})
}

// GET /v1/queue/:item-id
//
// The sync status of one queue item - attempts, last error, next retry.
func getQueueItem() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		idStr := getQueueItemRoute.FindStringSubmatch(r.URL.Path)[1]
		id, wroteResponse := getId(w, r, idStr, archive_queue.Prefix)
		if wroteResponse == true {
			return
		}
		item, err := archive_queue.GetRetry(id, 3)
		if err != nil {
			if err == archive_queue.ErrNotFound {
				notFound(w, new404(r))
				go metrics.Increment("queue_item.get.not_found")
				return
			}
			writeServerError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(item)
		go metrics.Increment("queue_item.get.success")
	})
}

// QueueStatsResponse is returned by GET /v1/queue.
type QueueStatsResponse struct {
	All            int              `json:"all"`
	Ready          int              `json:"ready"`
	CountsByStatus map[string]int64 `json:"counts_by_status"`
}

// GET /v1/queue
func getQueueStats() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		all, ready, err := archive_queue.CountReadyAndAll()
		if err != nil {
			writeServerError(w, r, err)
			return
		}
		counts, err := archive_queue.GetCountsByStatus()
		if err != nil {
			writeServerError(w, r, err)
			return
		}
		resp := QueueStatsResponse{
			All:            all,
			Ready:          ready,
			CountsByStatus: make(map[string]int64, len(counts)),
		}
		for status, count := range counts {
			resp.CountsByStatus[string(status)] = count
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(resp)
	})
}

// A ProcessQueueRequest optionally bounds one manual processor tick.
type ProcessQueueRequest struct {
	Limit int `json:"limit"`
}

// POST /v1/queue/process
//
// Run one processor tick right now; the scheduler calls this on its
// interval, and operators call it by hand.
func processQueue() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var pqr ProcessQueueRequest
		if r.Body != nil {
			defer r.Body.Close()
			// An empty body means "use the defaults".
			if err := json.NewDecoder(io.LimitReader(r.Body, MAX_REQUEST_SIZE)).Decode(&pqr); err != nil && err != io.EOF {
				badRequest(w, r, &rest.Error{
					ID:    "invalid_request",
					Title: "Invalid request: bad JSON. Double check the types of the fields you sent",
				})
				return
			}
		}
		if pqr.Limit < 0 {
			badRequest(w, r, createPositiveIntErr("limit", r.URL.Path))
			return
		}
		start := time.Now()
		result, err := services.ProcessQueue(pqr.Limit)
		go metrics.Time("process_now.latency", time.Since(start))
		if err != nil {
			writeServerError(w, r, err)
			go metrics.Increment("process_now.error")
			return
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(result)
		go metrics.Increment("process_now.success")
	})
}

// CleanupResponse is returned by POST /v1/queue/cleanup.
type CleanupResponse struct {
	Deleted int64 `json:"deleted"`
}

// POST /v1/queue/cleanup
func cleanupQueue() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count, err := services.CleanupQueue()
		if err != nil {
			writeServerError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(CleanupResponse{Deleted: count})
	})
}

// getId validates that the provided ID is valid, and the prefix matches the
// expected prefix. Returns the correct ID, and a boolean describing whether
// the helper has written a response.
func getId(w http.ResponseWriter, r *http.Request, idStr string, prefix string) (types.PrefixUUID, bool) {
	id, err := types.NewPrefixUUID(idStr)
	if err != nil {
		badRequest(w, r, &rest.Error{
			ID:    "invalid_uuid",
			Title: strings.Replace(err.Error(), "types: ", "", 1),
		})
		return id, true
	}
	if id.Prefix != prefix {
		badRequest(w, r, &rest.Error{
			ID:    "invalid_prefix",
			Title: fmt.Sprintf("Please use %s for the uuid prefix, not %s", prefix, id.Prefix),
		})
		return id, true
	}
	return id, false
}
