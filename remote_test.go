package coopsync

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type seenRequest struct {
	Method string
	Path   string
	Header http.Header
	Body   string
}

// apiServer answers every request with status and body and records what it saw.
func apiServer(t *testing.T, status int, body string) (*httptest.Server, func() []seenRequest) {
	t.Helper()
	var mu sync.Mutex
	var seen []seenRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		seen = append(seen, seenRequest{Method: r.Method, Path: r.URL.EscapedPath(), Header: r.Header.Clone(), Body: string(b)})
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []seenRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]seenRequest(nil), seen...)
	}
}

func TestHTTPRemoteRequests(t *testing.T) {
	srv, seen := apiServer(t, 200, `{"id":"1","text":"q"}`)
	c := NewHTTPRemote(srv.URL+"/", WithToken("tok"), WithPath(EntityActionPlans, "/action-plans/"))

	_, err := c.Create(ctx, EntityQuestions, json.RawMessage(`{"text":"q"}`), "key-1")
	require.NoError(t, err)
	_, err = c.Update(ctx, EntityQuestions, "a/b", json.RawMessage(`{"text":"q2"}`))
	require.NoError(t, err)
	_, err = c.Get(ctx, EntityActionPlans, "9")
	require.NoError(t, err)
	require.NoError(t, c.Delete(ctx, EntityQuestions, "1"))

	reqs := seen()
	require.Len(t, reqs, 4)

	assert.Equal(t, "POST", reqs[0].Method)
	assert.Equal(t, "/api/questions", reqs[0].Path)
	assert.Equal(t, "key-1", reqs[0].Header.Get("Idempotency-Key"))
	assert.Equal(t, "Bearer tok", reqs[0].Header.Get("Authorization"))
	assert.Equal(t, "application/json", reqs[0].Header.Get("Content-Type"))
	assert.JSONEq(t, `{"text":"q"}`, reqs[0].Body)

	assert.Equal(t, "PUT", reqs[1].Method)
	assert.Equal(t, "/api/questions/a%2Fb", reqs[1].Path)
	assert.Empty(t, reqs[1].Header.Get("Idempotency-Key"))

	assert.Equal(t, "GET", reqs[2].Method)
	assert.Equal(t, "/api/action-plans/9", reqs[2].Path)
	assert.Empty(t, reqs[2].Header.Get("Content-Type"))

	assert.Equal(t, "DELETE", reqs[3].Method)
	assert.Equal(t, "/api/questions/1", reqs[3].Path)
}

func TestHTTPRemoteAPIPrefix(t *testing.T) {
	srv, seen := apiServer(t, 200, `[]`)
	c := NewHTTPRemote(srv.URL, WithAPIPrefix("v2/"))
	_, err := c.List(ctx, EntityUsers)
	require.NoError(t, err)
	assert.Equal(t, "/v2/users", seen()[0].Path)
	assert.Empty(t, seen()[0].Header.Get("Authorization"))
}

func TestHTTPRemoteResponses(t *testing.T) {
	t.Run("list accepts a bare array", func(t *testing.T) {
		srv, _ := apiServer(t, 200, `[{"id":"1"},{"id":"2"}]`)
		items, err := NewHTTPRemote(srv.URL).List(ctx, EntityQuestions)
		require.NoError(t, err)
		require.Len(t, items, 2)
		assert.JSONEq(t, `{"id":"2"}`, string(items[1]))
	})

	t.Run("list accepts a data envelope", func(t *testing.T) {
		srv, _ := apiServer(t, 200, `{"data":[{"id":"1"}],"total":1}`)
		items, err := NewHTTPRemote(srv.URL).List(ctx, EntityQuestions)
		require.NoError(t, err)
		require.Len(t, items, 1)
	})

	t.Run("list rejects objects", func(t *testing.T) {
		srv, _ := apiServer(t, 200, `{"id":"1"}`)
		_, err := NewHTTPRemote(srv.URL).List(ctx, EntityQuestions)
		assert.Error(t, err)
	})

	t.Run("object envelope is unwrapped", func(t *testing.T) {
		srv, _ := apiServer(t, 200, `{"data":{"id":"7"}}`)
		obj, err := NewHTTPRemote(srv.URL).Get(ctx, EntityQuestions, "7")
		require.NoError(t, err)
		assert.JSONEq(t, `{"id":"7"}`, string(obj))
	})

	t.Run("empty body", func(t *testing.T) {
		srv, _ := apiServer(t, 204, ``)
		obj, err := NewHTTPRemote(srv.URL).Update(ctx, EntityQuestions, "7", json.RawMessage(`{}`))
		require.NoError(t, err)
		assert.Nil(t, obj)
	})
}

func TestHTTPRemoteErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		code      string
		message   string
		transient bool
	}{
		{"nested error", 422, `{"error":{"code":"invalid","message":"text is required"}}`, "invalid", "text is required", false},
		{"flat error", 409, `{"code":"conflict","message":"exists"}`, "conflict", "exists", false},
		{"string error", 401, `{"error":"Invalid token"}`, "", "Invalid token", false},
		{"plain text", 502, `bad gateway from proxy`, "", "bad gateway from proxy", true},
		{"empty body", 503, ``, "", "Service Unavailable", true},
		{"rate limited", 429, `{}`, "", "Too Many Requests", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := apiServer(t, tt.status, tt.body)
			_, err := NewHTTPRemote(srv.URL).Get(ctx, EntityQuestions, "1")
			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, tt.code, apiErr.Code)
			assert.Equal(t, tt.message, apiErr.Message)
			assert.Equal(t, tt.transient, IsTransient(err))
			assert.Equal(t, !tt.transient, IsPermanent(err))
		})
	}
}

func TestHTTPRemoteNetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := NewHTTPRemote(url, WithTimeout(time.Second)).List(ctx, EntityQuestions)
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.False(t, IsPermanent(err))
}

func TestHTTPRemoteHealth(t *testing.T) {
	srv, seen := apiServer(t, 200, `{"ok":true}`)
	c := NewHTTPRemote(srv.URL)
	require.NoError(t, c.Health(ctx))
	assert.Equal(t, "/health", seen()[0].Path)
	assert.True(t, NewHTTPProbe(c).Probe(ctx))

	c.SetToken("later")
	require.NoError(t, c.Health(ctx))
	assert.Equal(t, "Bearer later", seen()[1].Header.Get("Authorization"))
}

func TestServerID(t *testing.T) {
	id, ok := ServerID(json.RawMessage(`{"id":12}`), "id")
	assert.True(t, ok)
	assert.Equal(t, "12", id)

	id, ok = ServerID(json.RawMessage(`{"meta":{"uuid":"u-1"}}`), "meta.uuid")
	assert.True(t, ok)
	assert.Equal(t, "u-1", id)

	_, ok = ServerID(json.RawMessage(`{"id":""}`), "id")
	assert.False(t, ok)
	_, ok = ServerID(json.RawMessage(`{"name":"x"}`), "id")
	assert.False(t, ok)
}
