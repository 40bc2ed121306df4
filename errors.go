package coopsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrOffline is returned by a drain attempted while the monitor reports offline.
	ErrOffline = errors.New("coopsync: offline")
	// ErrNotFound is returned by queue lookups of unknown entry ids.
	ErrNotFound = errors.New("coopsync: not found")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("coopsync: closed")
)

// APIError is a non-2xx response from the remote API.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("remote api: %d %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("remote api: %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// Temporary reports whether retrying the same request may succeed.
func (e *APIError) Temporary() bool {
	switch {
	case e.StatusCode >= 500:
		return true
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return true
	}
	return false
}

// StoreError wraps a Local Store or Sync Queue failure. These are fatal for
// the operation that hit them and are always returned to the caller.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return "local store: " + e.Op + ": " + e.Err.Error() }

func (e *StoreError) Unwrap() error { return e.Err }

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

// IsTransient reports whether err is a failure the sync core recovers from
// automatically: network errors, timeouts, 5xx, 408 and 429. Remote errors of
// unknown shape count as transient. Cancellation by the caller and local
// store failures do not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	var se *StoreError
	if errors.As(err, &se) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// IsPermanent reports whether err is a semantic rejection by the server (4xx).
func IsPermanent(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && !apiErr.Temporary()
}

// IsNotFound reports whether err is a 404 from the remote API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}
