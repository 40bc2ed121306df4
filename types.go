package coopsync

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Entity Types
// ============================================================================

// EntityType names a collection of records, e.g. "questions".
type EntityType string

const (
	EntityQuestions   EntityType = "questions"
	EntityCategories  EntityType = "categories"
	EntityUsers       EntityType = "users"
	EntitySubmissions EntityType = "submissions"
	EntityAssessments EntityType = "assessments"
	EntityActionPlans EntityType = "action_plans"
)

// KnownEntityTypes lists the collections of the assessment application.
var KnownEntityTypes = []EntityType{
	EntityQuestions,
	EntityCategories,
	EntityUsers,
	EntitySubmissions,
	EntityAssessments,
	EntityActionPlans,
}

// ============================================================================
// Entity IDs
// ============================================================================

// temporaryPrefix marks temporary ids in their encoded form only.
const temporaryPrefix = "temp_"

// EntityID identifies a record within its collection. It is either
// Temporary (assigned locally, awaiting server confirmation) or Confirmed
// (assigned by the server).
type EntityID struct {
	value     string
	temporary bool
}

// NewTemporaryID returns a fresh temporary id backed by a random UUID.
func NewTemporaryID() EntityID {
	return EntityID{value: uuid.NewString(), temporary: true}
}

// TemporaryID wraps an existing temporary uuid.
func TemporaryID(v string) EntityID {
	return EntityID{value: v, temporary: true}
}

// ConfirmedID wraps a server-assigned id.
func ConfirmedID(v string) EntityID {
	return EntityID{value: v}
}

// ParseEntityID decodes the form produced by Key.
func ParseEntityID(s string) EntityID {
	if v, ok := strings.CutPrefix(s, temporaryPrefix); ok {
		return TemporaryID(v)
	}
	return ConfirmedID(s)
}

// IsTemporary reports whether the id still awaits server confirmation.
func (id EntityID) IsTemporary() bool { return id.temporary }

// IsZero reports whether id is unset.
func (id EntityID) IsZero() bool { return id.value == "" }

// Value returns the raw uuid for temporary ids and the server id otherwise.
func (id EntityID) Value() string { return id.value }

// Key is the storage and wire encoding of id.
func (id EntityID) Key() string {
	if id.temporary {
		return temporaryPrefix + id.value
	}
	return id.value
}

func (id EntityID) String() string { return id.Key() }

func (id EntityID) MarshalText() ([]byte, error) {
	return []byte(id.Key()), nil
}

func (id *EntityID) UnmarshalText(b []byte) error {
	*id = ParseEntityID(string(b))
	return nil
}

// ============================================================================
// Records
// ============================================================================

// SyncStatus reports whether a record matches the last known server state.
type SyncStatus string

const (
	StatusSynced  SyncStatus = "synced"
	StatusPending SyncStatus = "pending"
	StatusFailed  SyncStatus = "failed"
)

// Record is one locally stored entity.
type Record struct {
	Type         EntityType      `json:"type"`
	ID           EntityID        `json:"id"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	SyncStatus   SyncStatus      `json:"syncStatus"`
	LocalChanges bool            `json:"localChanges"`
	Deleted      bool            `json:"deleted,omitempty"`
	LastError    string          `json:"lastError,omitempty"`
	UpdatedAt    time.Time       `json:"updatedAt"`
	LastSynced   *time.Time      `json:"lastSynced,omitempty"`
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.Payload != nil {
		c.Payload = append(json.RawMessage(nil), r.Payload...)
	}
	if r.LastSynced != nil {
		t := *r.LastSynced
		c.LastSynced = &t
	}
	return &c
}

// HasLocalState reports whether r carries changes the server has not confirmed.
func (r *Record) HasLocalState() bool {
	return r.LocalChanges || r.SyncStatus != StatusSynced
}

// Decode unmarshals the payload into v.
func (r *Record) Decode(v any) error {
	if len(r.Payload) == 0 {
		return fmt.Errorf("record %s/%s has no payload", r.Type, r.ID)
	}
	return json.Unmarshal(r.Payload, v)
}

// ============================================================================
// Queue Entries
// ============================================================================

// Operation is the kind of mutation a queue entry replays.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// EntryStatus is the lifecycle state of a queue entry.
type EntryStatus string

const (
	EntryPending EntryStatus = "pending"
	EntryFailed  EntryStatus = "failed"
)

// DefaultMaxRetries is the retry budget of new queue entries.
const DefaultMaxRetries = 3

// QueueEntry is one pending mutation in the Sync Queue.
type QueueEntry struct {
	ID             string          `json:"id"`
	Operation      Operation       `json:"operation"`
	EntityType     EntityType      `json:"entityType"`
	EntityID       EntityID        `json:"entityId"`
	Data           json.RawMessage `json:"data,omitempty"`
	// IdempotencyKey is sent with a replayed create. It is fixed when the
	// entry is queued and survives the rewrite of EntityID on confirmation.
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	RetryCount     int             `json:"retryCount"`
	MaxRetries     int             `json:"maxRetries"`
	Priority       int             `json:"priority"`
	Status         EntryStatus     `json:"status"`
	LastError      string          `json:"lastError,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// Clone returns a deep copy of e.
func (e *QueueEntry) Clone() *QueueEntry {
	if e == nil {
		return nil
	}
	c := *e
	if e.Data != nil {
		c.Data = append(json.RawMessage(nil), e.Data...)
	}
	return &c
}

// Exhausted reports whether the retry budget is spent.
func (e *QueueEntry) Exhausted() bool {
	return e.RetryCount >= e.MaxRetries
}

// QueueStats summarizes the queue for status displays.
type QueueStats struct {
	Pending int `json:"pending" yaml:"pending"`
	Failed  int `json:"failed" yaml:"failed"`
}
