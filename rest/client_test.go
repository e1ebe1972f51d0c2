package rest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/tabdash/mailsync/test"
)

func TestPost(t *testing.T) {
	t.Parallel()
	var user, pass string
	var ok bool
	var requestUrl *url.URL
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok = r.BasicAuth()
		requestUrl = r.URL
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte("{}"))
	}))
	defer s.Close()
	client := NewClient("foo", "bar", s.URL)
	req, err := client.NewRequest("POST", "/", nil)
	test.AssertNotError(t, err, "")
	err = client.Do(req, &struct{}{})
	test.AssertNotError(t, err, "")
	test.Assert(t, ok, "expected basic auth to be set")
	test.AssertEquals(t, user, "foo")
	test.AssertEquals(t, pass, "bar")
	test.AssertEquals(t, requestUrl.Path, "/")
}

func TestNoBasicAuthWithEmptyUser(t *testing.T) {
	t.Parallel()
	client := NewClient("", "", "http://api.example.com")
	req, err := client.NewRequest("POST", "/", nil)
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, req.Header.Get("Authorization"), "")
}

func TestPostError(t *testing.T) {
	t.Parallel()
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(&Error{
			Title: "bad request",
			ID:    "something_bad",
		})
	}))
	defer s.Close()
	client := NewClient("foo", "bar", s.URL)
	req, err := client.NewRequest("POST", "/", nil)
	test.AssertNotError(t, err, "")
	err = client.Do(req, &struct{}{})
	test.AssertError(t, err, "")
	test.AssertEquals(t, err.Error(), "bad request")
}

func TestGoogleErrorEnvelope(t *testing.T) {
	t.Parallel()
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error": {"code": 404, "message": "Requested entity was not found."}}`))
	}))
	defer s.Close()
	client := NewClient("", "", s.URL)
	req, err := client.NewRequest("POST", "/", nil)
	test.AssertNotError(t, err, "")
	err = client.Do(req, &struct{}{})
	test.AssertError(t, err, "")
	rerr, ok := err.(*Error)
	test.Assert(t, ok, "expected a *rest.Error")
	test.AssertEquals(t, rerr.StatusCode, 404)
	test.AssertEquals(t, rerr.Title, "Requested entity was not found.")
}
