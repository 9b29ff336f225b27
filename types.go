package anchored

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Document is the metadata record of a note, habit, timer or any other
// document kind. Body content lives in Body, keyed by the same id.
type Document struct {
	ID          string      `json:"id" yaml:"id"`
	Type        string      `json:"type" yaml:"type"`
	Subtype     string      `json:"subtype,omitempty" yaml:"subtype,omitempty"`
	Title       string      `json:"title" yaml:"title"`
	Status      Status      `json:"status" yaml:"status"`
	Frontmatter Frontmatter `json:"frontmatter,omitempty" yaml:"frontmatter,omitempty"`
	Tags        []string    `json:"tags,omitempty" yaml:"tags,omitempty"`
	Version     int64       `json:"version" yaml:"version"`
	CreatedAt   time.Time   `json:"created_at" yaml:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at" yaml:"updated_at"`
	DeletedAt   *time.Time  `json:"deleted_at,omitempty" yaml:"deleted_at,omitempty"`
	ClientID    string      `json:"client_id,omitempty" yaml:"client_id,omitempty"`
	// SyncedAt is nil while the document has unacknowledged local changes.
	SyncedAt *time.Time `json:"synced_at,omitempty" yaml:"synced_at,omitempty"`
}

// IsDirty reports whether the document has local changes not yet confirmed
// by the remote store.
func (d *Document) IsDirty() bool { return d.SyncedAt == nil }

// IsTrashed reports whether the document is logically deleted.
func (d *Document) IsTrashed() bool { return d.DeletedAt != nil || d.Status == StatusTrash }

// Clone returns a deep copy of d.
func (d Document) Clone() Document {
	out := d
	out.Frontmatter = d.Frontmatter.Clone()
	if d.Tags != nil {
		out.Tags = append([]string(nil), d.Tags...)
	}
	out.DeletedAt = cloneTime(d.DeletedAt)
	out.SyncedAt = cloneTime(d.SyncedAt)
	return out
}

// Body is the content of a document, synced and cached independently of
// its metadata.
type Body struct {
	DocumentID string    `json:"document_id" yaml:"document_id"`
	Content    string    `json:"content" yaml:"content"`
	UpdatedAt  time.Time `json:"updated_at" yaml:"updated_at"`
	// SyncedAt is local bookkeeping; nil while the body is dirty.
	SyncedAt *time.Time `json:"synced_at,omitempty" yaml:"synced_at,omitempty"`
}

// IsDirty reports whether the body has unconfirmed local changes.
func (b *Body) IsDirty() bool { return b.SyncedAt == nil }

// Status is the lifecycle state of a document.
type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
	StatusTrash    Status = "trash"
)

// ValidStatuses returns all document statuses.
func ValidStatuses() []Status {
	return []Status{StatusActive, StatusArchived, StatusTrash}
}

// IsValid checks if the status is a known document status.
func (s Status) IsValid() bool {
	for _, valid := range ValidStatuses() {
		if s == valid {
			return true
		}
	}
	return false
}

// Frontmatter is the open metadata map of a document. Tags are held in
// Document.Tags locally and only folded into frontmatter at the remote
// boundary.
type Frontmatter map[string]any

// Clone returns a deep copy of f.
func (f Frontmatter) Clone() Frontmatter {
	if f == nil {
		return nil
	}
	out := make(Frontmatter, len(f))
	for k, v := range f {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = cloneValue(vv)
		}
		return out
	case Frontmatter:
		return t.Clone()
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = cloneValue(vv)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

// TagsKey is the frontmatter key tags are folded into on the wire.
const TagsKey = "tags"

// NormalizeTags trims, drops empty values and deduplicates tags, keeping
// first-seen order.
func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// HasTag reports whether tags contains tag.
func HasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

// SplitTags removes the tags key from fm and returns the remaining map and
// the normalized tags it held. fm is not modified.
func SplitTags(fm Frontmatter) (Frontmatter, []string) {
	if fm == nil {
		return nil, nil
	}
	out := fm.Clone()
	raw, ok := out[TagsKey]
	if !ok {
		return out, nil
	}
	delete(out, TagsKey)

	var tags []string
	switch t := raw.(type) {
	case []string:
		tags = t
	case []any:
		for _, v := range t {
			if s, ok := v.(string); ok {
				tags = append(tags, s)
			}
		}
	case string:
		tags = strings.Split(t, ",")
	}
	return out, NormalizeTags(tags)
}

// JoinTags returns a copy of fm with tags folded in under TagsKey.
func JoinTags(fm Frontmatter, tags []string) Frontmatter {
	out := fm.Clone()
	if out == nil {
		out = Frontmatter{}
	}
	tags = NormalizeTags(tags)
	if tags == nil {
		tags = []string{}
	}
	out[TagsKey] = tags
	return out
}

// Table names a synced entity table.
type Table string

const (
	TableDocuments Table = "documents"
	TableBodies    Table = "document_bodies"
)

// Operation is the kind of remote mutation a queue entry requests.
type Operation string

const (
	OpUpsert Operation = "upsert"
	OpDelete Operation = "delete"
	OpInsert Operation = "insert"
)

// QueueStatus is the retry state of a queue entry.
type QueueStatus string

const (
	QueuePending  QueueStatus = "pending"
	QueueRetrying QueueStatus = "retrying"
	QueueFailed   QueueStatus = "failed"
)

// QueueEntry is one durable pending local-to-remote mutation.
type QueueEntry struct {
	ID        string          `json:"id" yaml:"id"`
	Table     Table           `json:"table" yaml:"table"`
	RecordID  string          `json:"record_id" yaml:"record_id"`
	Operation Operation       `json:"operation" yaml:"operation"`
	Payload   json.RawMessage `json:"payload,omitempty" yaml:"-"`
	Timestamp time.Time       `json:"timestamp" yaml:"timestamp"`
	// RetryCount is the number of failed attempts so far.
	RetryCount    int         `json:"retry_count" yaml:"retry_count"`
	LastError     string      `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	NextAttemptAt *time.Time  `json:"next_attempt_at,omitempty" yaml:"next_attempt_at,omitempty"`
	Status        QueueStatus `json:"status" yaml:"status"`
}

// Key returns the debounce key of the entry's record.
func (e *QueueEntry) Key() string { return recordKey(e.Table, e.RecordID) }

// DocumentPayload decodes the payload snapshot of a documents entry.
func (e *QueueEntry) DocumentPayload() (*Document, error) {
	if e.Table != TableDocuments {
		return nil, fmt.Errorf("queue: entry %s is a %s entry", e.ID, e.Table)
	}
	var doc Document
	if err := json.Unmarshal(e.Payload, &doc); err != nil {
		return nil, fmt.Errorf("queue: decode payload of %s: %w", e.ID, err)
	}
	return &doc, nil
}

// BodyPayload decodes the payload snapshot of a document_bodies entry.
func (e *QueueEntry) BodyPayload() (*Body, error) {
	if e.Table != TableBodies {
		return nil, fmt.Errorf("queue: entry %s is a %s entry", e.ID, e.Table)
	}
	var body Body
	if err := json.Unmarshal(e.Payload, &body); err != nil {
		return nil, fmt.Errorf("queue: decode payload of %s: %w", e.ID, err)
	}
	return &body, nil
}

func recordKey(t Table, id string) string { return string(t) + ":" + id }

// ConflictReason explains why a conflict copy was created.
type ConflictReason string

const (
	ReasonServerNewer     ConflictReason = "server-newer"
	ReasonVersionMismatch ConflictReason = "version-mismatch"
	ReasonBodyConflict    ConflictReason = "body-conflict"
	ReasonServerDeleted   ConflictReason = "server-deleted"
)

// State is the sync engine's state machine position.
type State string

const (
	StateIdle    State = "idle"
	StateSyncing State = "syncing"
	StateSynced  State = "synced"
	StateOffline State = "offline"
	StateError   State = "error"
)

// SyncStatus is the user-visible sync state.
type SyncStatus struct {
	State     State      `json:"state" yaml:"state"`
	LastError string     `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	LastRunAt *time.Time `json:"last_run_at,omitempty" yaml:"last_run_at,omitempty"`
	// Cursor is the lastSyncedAt watermark; nil before the first pull.
	Cursor   *time.Time `json:"cursor,omitempty" yaml:"cursor,omitempty"`
	Pending  int        `json:"pending" yaml:"pending"`
	Retrying int        `json:"retrying" yaml:"retrying"`
	Failed   int        `json:"failed" yaml:"failed"`
}

// SyncStats summarizes one sync run.
type SyncStats struct {
	Pushed       int           `json:"pushed" yaml:"pushed"`
	Dropped      int           `json:"dropped" yaml:"dropped"`
	Failures     int           `json:"failures" yaml:"failures"`
	Postponed    int           `json:"postponed" yaml:"postponed"`
	Pulled       int           `json:"pulled" yaml:"pulled"`
	PulledBodies int           `json:"pulled_bodies" yaml:"pulled_bodies"`
	Conflicts    int           `json:"conflicts" yaml:"conflicts"`
	Cursor       time.Time     `json:"cursor" yaml:"cursor"`
	Duration     time.Duration `json:"duration" yaml:"duration"`
}

// StoreStats contains local store statistics.
type StoreStats struct {
	Documents   int `json:"documents" yaml:"documents"`
	Active      int `json:"active" yaml:"active"`
	Archived    int `json:"archived" yaml:"archived"`
	Trashed     int `json:"trashed" yaml:"trashed"`
	Dirty       int `json:"dirty" yaml:"dirty"`
	Bodies      int `json:"bodies" yaml:"bodies"`
	DirtyBodies int `json:"dirty_bodies" yaml:"dirty_bodies"`
}

// QueueCounts tallies queue entries by status.
type QueueCounts struct {
	Pending  int `json:"pending" yaml:"pending"`
	Retrying int `json:"retrying" yaml:"retrying"`
	Failed   int `json:"failed" yaml:"failed"`
}

// Total returns the number of entries not yet applied remotely.
func (c QueueCounts) Total() int { return c.Pending + c.Retrying + c.Failed }

// CreateInput contains the fields for a new document.
type CreateInput struct {
	// ID is optional; a UUID is generated when empty.
	ID          string      `json:"id,omitempty"`
	Type        string      `json:"type"`
	Subtype     string      `json:"subtype,omitempty"`
	Title       string      `json:"title,omitempty"`
	Status      Status      `json:"status,omitempty"`
	Frontmatter Frontmatter `json:"frontmatter,omitempty"`
	Tags        []string    `json:"tags,omitempty"`
	Body        *string     `json:"body,omitempty"`
}

// Patch describes a partial document update. Nil fields are left unchanged.
type Patch struct {
	Type    *string `json:"type,omitempty"`
	Subtype *string `json:"subtype,omitempty"`
	Title   *string `json:"title,omitempty"`
	// Frontmatter keys are merged; a nil value removes the key.
	Frontmatter Frontmatter `json:"frontmatter,omitempty"`
	// Tags replaces the tag set when non-nil.
	Tags []string `json:"tags,omitempty"`
}

// ListFilter selects documents in Store.List.
type ListFilter struct {
	Type    string
	Subtype string
	// Status restricts to one status. Empty means active and archived.
	Status Status
	Tag    string
	// DirtyOnly restricts to documents with unconfirmed changes.
	DirtyOnly bool
	Limit     int
}

// ListOptions selects queue entries in Queue.List.
type ListOptions struct {
	// IncludeDeferred includes entries whose NextAttemptAt is in the future.
	IncludeDeferred bool
	// IncludeFailed includes terminally failed entries.
	IncludeFailed bool
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func timePtr(t time.Time) *time.Time { return &t }
