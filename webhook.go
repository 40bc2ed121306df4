package coopsync

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ============================================================================
// Change notices
// ============================================================================

// SignatureHeader carries the HMAC-SHA256 of a change notice body.
const SignatureHeader = "X-Coopsync-Signature"

// ChangeNotice tells a client that another client changed an entity, so its
// local snapshot of that type is stale.
type ChangeNotice struct {
	Source     string     `json:"source"`
	Event      string     `json:"event"` // "entity.changed" or "entity.deleted"
	Timestamp  int64      `json:"timestamp"`
	EntityType EntityType `json:"entityType"`
	ID         string     `json:"id"`
}

// ChangeNoticeFunc handles a verified notice.
type ChangeNoticeFunc func(n *ChangeNotice) error

// VerifySignature verifies an HMAC-SHA256 signature, with or without the
// "sha256=" prefix, in constant time.
func VerifySignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}
	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	expected := hex.EncodeToString(mac.Sum(nil))
	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// SignBody returns the signature header value for body.
func SignBody(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// ParseChangeNotice parses and validates a notice body.
func ParseChangeNotice(body string) (*ChangeNotice, error) {
	var n ChangeNotice
	if err := json.Unmarshal([]byte(body), &n); err != nil {
		return nil, fmt.Errorf("invalid JSON in change notice: %w", err)
	}
	if n.Source != "coopsync" {
		return nil, fmt.Errorf("unknown notice source: %s", n.Source)
	}
	switch n.Event {
	case "entity.changed", "entity.deleted":
	case "":
		return nil, fmt.Errorf("missing event field in change notice")
	default:
		return nil, fmt.Errorf("unknown notice event: %s", n.Event)
	}
	if n.EntityType == "" || n.ID == "" {
		return nil, fmt.Errorf("missing required fields in change notice (entityType, id)")
	}
	return &n, nil
}

// ============================================================================
// ChangeWebhook
// ============================================================================

// MaxNoticeBytes bounds the body of a posted change notice.
const MaxNoticeBytes = 64 << 10

// ChangeWebhook verifies, parses and dispatches change notices posted by
// the server.
type ChangeWebhook struct {
	secret   string
	onNotice ChangeNoticeFunc
	log      Logger
}

// NewChangeWebhook creates a webhook receiver.
func NewChangeWebhook(secret string, onNotice ChangeNoticeFunc) (*ChangeWebhook, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	return &ChangeWebhook{secret: secret, onNotice: onNotice, log: defaultLogger()}, nil
}

// Handle processes one notice and returns the status code and response body.
func (w *ChangeWebhook) Handle(body, signature string) (int, any) {
	if !VerifySignature(body, signature, w.secret) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}
	n, err := ParseChangeNotice(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}
	if err := w.onNotice(n); err != nil {
		w.log.Error("change notice handler failed", "type", n.EntityType, "id", n.ID, "err", err)
		return http.StatusInternalServerError, map[string]string{"error": err.Error()}
	}
	return http.StatusOK, map[string]bool{"ok": true}
}

// HTTPHandler serves POSTed notices of at most MaxNoticeBytes.
func (w *ChangeWebhook) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.reply(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
			return
		}
		body, err := io.ReadAll(http.MaxBytesReader(rw, r.Body, MaxNoticeBytes))
		if err != nil {
			status := http.StatusBadRequest
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				status = http.StatusRequestEntityTooLarge
			}
			w.reply(rw, status, map[string]string{"error": "Failed to read body"})
			return
		}
		status, data := w.Handle(string(body), r.Header.Get(SignatureHeader))
		w.reply(rw, status, data)
	})
}

func (w *ChangeWebhook) reply(rw http.ResponseWriter, status int, data any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	if err := json.NewEncoder(rw).Encode(data); err != nil {
		w.log.Warn("write webhook response", "status", status, "err", err)
	}
}

// ChangeWebhook returns a receiver that turns verified notices into
// EventRemoteChanged events.
func (m *Manager) ChangeWebhook(secret string) (*ChangeWebhook, error) {
	w, err := NewChangeWebhook(secret, func(n *ChangeNotice) error {
		m.events.emit(Event{Name: EventRemoteChanged, EntityType: n.EntityType, EntityID: ConfirmedID(n.ID)})
		return nil
	})
	if err != nil {
		return nil, err
	}
	w.log = m.log
	return w, nil
}
